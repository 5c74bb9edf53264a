package store

import (
	"context"
	"time"
)

// AuditEntry is one row of the audit_log table: an operator- or
// system-initiated action worth a durable record (bans, kicks, restarts,
// mastership changes) independent of the rolling log files (§9 supplement).
type AuditEntry struct {
	ID        int64
	Node      string
	HostName  string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// RecordAudit appends an entry; audit_log is append-only, never pruned by
// the file reaper.
func (s *Store) RecordAudit(ctx context.Context, guildID int64, e AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (guild_id, node, host_name, kind, message)
		VALUES ($1,$2,$3,$4,$5)
	`, guildID, e.Node, e.HostName, e.Kind, e.Message)
	return err
}

// RecentAudit returns the most recent entries for the admin status surface,
// newest first.
func (s *Store) RecentAudit(ctx context.Context, guildID int64, limit int) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, node, host_name, kind, message, created_at
		FROM audit_log WHERE guild_id = $1
		ORDER BY id DESC LIMIT $2
	`, guildID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Node, &e.HostName, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
