package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// ServerRow is the persisted half of a Host (§3): the parts that must
// survive a node restart (status, maintenance flag, port assignment,
// ownership). Ephemeral fields (process handle, players, mission) live only
// in internal/host.Host.
type ServerRow struct {
	GuildID      int64
	ServerName   string
	NodeName     string
	InstanceName string
	DCSPort      int
	BotPort      int
	WebGUIPort   int
	Status       string
	Maintenance  bool
	LastSeen     time.Time
}

// UpsertServer persists a host's binding and status.
func (s *Store) UpsertServer(ctx context.Context, r ServerRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO servers (guild_id, server_name, node_name, instance_name, dcs_port,
		                      bot_port, webgui_port, status, maintenance, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now() AT TIME ZONE 'utc')
		ON CONFLICT (guild_id, server_name) DO UPDATE SET
			node_name = excluded.node_name,
			instance_name = excluded.instance_name,
			dcs_port = excluded.dcs_port,
			bot_port = excluded.bot_port,
			webgui_port = excluded.webgui_port,
			status = excluded.status,
			maintenance = excluded.maintenance,
			last_seen = now() AT TIME ZONE 'utc'
	`, r.GuildID, r.ServerName, r.NodeName, r.InstanceName, r.DCSPort,
		r.BotPort, r.WebGUIPort, r.Status, r.Maintenance)
	return err
}

// SetServerStatus updates only status + last_seen, the common case of a
// state machine transition (§4.E).
func (s *Store) SetServerStatus(ctx context.Context, guildID int64, name, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE servers SET status = $3, last_seen = now() AT TIME ZONE 'utc'
		WHERE guild_id = $1 AND server_name = $2
	`, guildID, name, status)
	return err
}

// SetMaintenance toggles the maintenance flag, disabling scheduler-driven
// transitions (§3 invariant).
func (s *Store) SetMaintenance(ctx context.Context, guildID int64, name string, on bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE servers SET maintenance = $3 WHERE guild_id = $1 AND server_name = $2
	`, guildID, name, on)
	return err
}

// RenameServer propagates a host rename across servers, instances, and
// message_persistence in one statement set (§4.D "Rename").
func (s *Store) RenameServer(ctx context.Context, guildID int64, oldName, newName string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE servers SET server_name = $3 WHERE guild_id = $1 AND server_name = $2
		`, guildID, oldName, newName); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE instances SET server_name = $3 WHERE guild_id = $1 AND server_name = $2
		`, guildID, oldName, newName); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE message_persistence SET server_name = $3 WHERE guild_id = $1 AND server_name = $2
		`, guildID, oldName, newName)
		return err
	})
}

// ServersForNode lists hosts currently bound to a node, used to rebuild the
// registry when a node boots.
func (s *Store) ServersForNode(ctx context.Context, guildID int64, nodeName string) ([]ServerRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT server_name, node_name, instance_name, dcs_port, bot_port, webgui_port,
		       status, maintenance, last_seen
		FROM servers WHERE guild_id = $1 AND node_name = $2
	`, guildID, nodeName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerRow
	for rows.Next() {
		r := ServerRow{GuildID: guildID}
		if err := rows.Scan(&r.ServerName, &r.NodeName, &r.InstanceName, &r.DCSPort,
			&r.BotPort, &r.WebGUIPort, &r.Status, &r.Maintenance, &r.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteServer removes a host's persisted row on explicit deletion (§3).
func (s *Store) DeleteServer(ctx context.Context, guildID int64, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE guild_id = $1 AND server_name = $2`, guildID, name)
	return err
}

// UnregisterNodeServers reverts every host bound to a silent node back to
// UNREGISTERED (§3: "status reverts to UNREGISTERED when its node goes silent").
func (s *Store) UnregisterNodeServers(ctx context.Context, guildID int64, nodeName string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE servers SET status = 'UNREGISTERED' WHERE guild_id = $1 AND node_name = $2
	`, guildID, nodeName)
	return err
}
