package store

import (
	"context"
	"time"
)

// FileBlob is a transient binary attachment (screenshots, mission briefing
// files) exchanged over RPC and written to the store only long enough for
// the requesting side to fetch it (§4.A: reaped after 300s).
type FileBlob struct {
	ID      int64
	Name    string
	Data    []byte
	Created time.Time
}

// PutFile stores a blob and returns its id for inclusion in an RPC reply.
func (s *Store) PutFile(ctx context.Context, guildID int64, name string, data []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO files (guild_id, name, data) VALUES ($1,$2,$3) RETURNING id
	`, guildID, name, data).Scan(&id)
	return id, err
}

// GetFile fetches a blob by id, regardless of guild (ids are opaque
// correlation handles, not guild-partitioned lookups).
func (s *Store) GetFile(ctx context.Context, id int64) (FileBlob, bool, error) {
	var f FileBlob
	f.ID = id
	err := s.pool.QueryRow(ctx, `
		SELECT name, data, created FROM files WHERE id = $1
	`, id).Scan(&f.Name, &f.Data, &f.Created)
	if err != nil {
		return FileBlob{}, false, nilOnNoRows(err)
	}
	return f, true, nil
}

// DeleteFile removes a blob once consumed, ahead of the 300s reaper.
func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM files WHERE id = $1`, id)
	return err
}
