package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Node is a row of the nodes table (§3).
type Node struct {
	GuildID          int64
	Name             string
	PublicIP         string
	ListenAddress    string
	ListenPort       int
	Master           bool
	LastSeen         time.Time
	PreferredMaster  bool
	HeartbeatSeconds int
}

// UpsertNode creates the node row on first boot or refreshes its listen
// address/port on restart; it never destroys rows (§3: "never destroyed").
func (s *Store) UpsertNode(ctx context.Context, n Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (guild_id, name, public_ip, listen_address, listen_port,
		                    preferred_master, heartbeat_seconds, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now() AT TIME ZONE 'utc')
		ON CONFLICT (guild_id, name) DO UPDATE SET
			public_ip = excluded.public_ip,
			listen_address = excluded.listen_address,
			listen_port = excluded.listen_port,
			preferred_master = excluded.preferred_master,
			heartbeat_seconds = excluded.heartbeat_seconds,
			last_seen = now() AT TIME ZONE 'utc'
	`, n.GuildID, n.Name, n.PublicIP, n.ListenAddress, n.ListenPort,
		n.PreferredMaster, n.HeartbeatSeconds)
	if err != nil {
		return fmt.Errorf("upserting node %q: %w", n.Name, err)
	}
	return nil
}

// Heartbeat refreshes last_seen for this node without touching mastership.
func (s *Store) Heartbeat(ctx context.Context, guildID int64, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nodes SET last_seen = now() AT TIME ZONE 'utc' WHERE guild_id = $1 AND name = $2
	`, guildID, name)
	return err
}

// ActiveNodes returns nodes whose last_seen is within 2x their own
// heartbeat interval, i.e. the nodes the coordinator currently considers
// alive.
func (s *Store) ActiveNodes(ctx context.Context, guildID int64) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, public_ip, listen_address, listen_port, master, last_seen,
		       preferred_master, heartbeat_seconds
		FROM nodes
		WHERE guild_id = $1
		  AND (now() AT TIME ZONE 'utc') - last_seen <= (heartbeat_seconds * 2) * interval '1 second'
		ORDER BY name
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n := Node{GuildID: guildID}
		if err := rows.Scan(&n.Name, &n.PublicIP, &n.ListenAddress, &n.ListenPort,
			&n.Master, &n.LastSeen, &n.PreferredMaster, &n.HeartbeatSeconds); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AllNodesForUpdate returns every node row for the guild regardless of liveness,
// locked FOR UPDATE within tx — used exclusively by the coordinator's
// election transaction (§4.H).
func AllNodesForUpdate(ctx context.Context, tx pgx.Tx, guildID int64) ([]Node, error) {
	rows, err := tx.Query(ctx, `
		SELECT (now() AT TIME ZONE 'utc') AS srv_now, name, public_ip, listen_address,
		       listen_port, master, last_seen, preferred_master, heartbeat_seconds
		FROM nodes
		WHERE guild_id = $1
		FOR UPDATE
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var srvNow time.Time
		n := Node{GuildID: guildID}
		if err := rows.Scan(&srvNow, &n.Name, &n.PublicIP, &n.ListenAddress, &n.ListenPort,
			&n.Master, &n.LastSeen, &n.PreferredMaster, &n.HeartbeatSeconds); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetMaster flips the master flag for a single node within tx.
func SetMaster(ctx context.Context, tx pgx.Tx, guildID int64, name string, master bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE nodes SET master = $3, last_seen = now() AT TIME ZONE 'utc'
		WHERE guild_id = $1 AND name = $2
	`, guildID, name, master)
	return err
}

// WithTx runs fn inside a transaction, committing on success.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
