package store

import "context"

// InstanceRow tracks which instance slot on a node is currently bound to
// which host, so a node reboot can reclaim the binding instead of
// reassigning ports from scratch (§4.A).
type InstanceRow struct {
	Node       string
	Instance   string
	Port       int
	ServerName string
}

// UpsertInstance records an instance's current port and host binding.
func (s *Store) UpsertInstance(ctx context.Context, guildID int64, r InstanceRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instances (guild_id, node, instance, port, server_name, last_seen)
		VALUES ($1,$2,$3,$4,$5, now() AT TIME ZONE 'utc')
		ON CONFLICT (guild_id, node, instance) DO UPDATE SET
			port = excluded.port,
			server_name = excluded.server_name,
			last_seen = now() AT TIME ZONE 'utc'
	`, guildID, r.Node, r.Instance, r.Port, r.ServerName)
	return err
}

// InstancesForNode lists every instance slot bound on a node, used to
// rebuild port assignments on node boot.
func (s *Store) InstancesForNode(ctx context.Context, guildID int64, node string) ([]InstanceRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node, instance, port, server_name FROM instances
		WHERE guild_id = $1 AND node = $2
	`, guildID, node)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstanceRow
	for rows.Next() {
		var r InstanceRow
		if err := rows.Scan(&r.Node, &r.Instance, &r.Port, &r.ServerName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
