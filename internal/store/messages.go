package store

import "context"

// PersistedMessage tracks the Discord message id backing a live-updated
// embed (status boards, server panels), keyed by server + embed name so a
// redraw updates in place instead of spamming a new message (§3).
type PersistedMessage struct {
	ServerName        string
	EmbedName         string
	ExternalMessageID string
}

// masterServerName is the sentinel server_name used for embeds that belong
// to the fleet as a whole rather than a single host.
const masterServerName = "master"

// UpsertMessage records or updates the external message id for a
// (server, embed) pair.
func (s *Store) UpsertMessage(ctx context.Context, guildID int64, m PersistedMessage) error {
	name := m.ServerName
	if name == "" {
		name = masterServerName
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_persistence (guild_id, server_name, embed_name, external_message_id)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (guild_id, server_name, embed_name) DO UPDATE SET
			external_message_id = excluded.external_message_id
	`, guildID, name, m.EmbedName, m.ExternalMessageID)
	return err
}

// GetMessage looks up the external message id for a (server, embed) pair;
// ok is false when nothing has been persisted yet.
func (s *Store) GetMessage(ctx context.Context, guildID int64, serverName, embedName string) (id string, ok bool, err error) {
	name := serverName
	if name == "" {
		name = masterServerName
	}
	err = s.pool.QueryRow(ctx, `
		SELECT external_message_id FROM message_persistence
		WHERE guild_id = $1 AND server_name = $2 AND embed_name = $3
	`, guildID, name, embedName).Scan(&id)
	if err != nil {
		return "", false, nilOnNoRows(err)
	}
	return id, true, nil
}

// DeleteMessage removes a persisted embed pointer, e.g. once the underlying
// channel message has been deleted out of band.
func (s *Store) DeleteMessage(ctx context.Context, guildID int64, serverName, embedName string) error {
	name := serverName
	if name == "" {
		name = masterServerName
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM message_persistence WHERE guild_id = $1 AND server_name = $2 AND embed_name = $3
	`, guildID, name, embedName)
	return err
}
