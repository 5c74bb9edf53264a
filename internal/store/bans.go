package store

import (
	"context"
	"time"
)

// Ban is a row of the bans table (§3). A permanent ban uses the sentinel
// 9999-12-31 for BannedUntil.
type Ban struct {
	UCID        string
	BannedBy    string
	Reason      string
	BannedAt    time.Time
	BannedUntil time.Time
}

// PermanentBanSentinel is the "forever" marker for BannedUntil (§3).
var PermanentBanSentinel = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// UpsertBan inserts or refreshes a ban. The bans table is a global
// consistency point: mutations always go through the master (§5).
func (s *Store) UpsertBan(ctx context.Context, guildID int64, b Ban) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bans (guild_id, ucid, banned_by, reason, banned_at, banned_until)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (guild_id, ucid) DO UPDATE SET
			banned_by = excluded.banned_by,
			reason = excluded.reason,
			banned_at = excluded.banned_at,
			banned_until = excluded.banned_until
	`, guildID, b.UCID, b.BannedBy, b.Reason, b.BannedAt, b.BannedUntil)
	return err
}

// Unban removes a ban row outright.
func (s *Store) Unban(ctx context.Context, guildID int64, ucid string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM bans WHERE guild_id = $1 AND ucid = $2`, guildID, ucid)
	return err
}

// ActiveBans returns bans whose banned_until is still in the future (§3:
// "Active iff bannedUntil > now").
func (s *Store) ActiveBans(ctx context.Context, guildID int64) ([]Ban, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ucid, banned_by, reason, banned_at, banned_until
		FROM bans WHERE guild_id = $1 AND banned_until > (now() AT TIME ZONE 'utc')
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.UCID, &b.BannedBy, &b.Reason, &b.BannedAt, &b.BannedUntil); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// IsBanned checks a single UCID against the active-ban definition.
func (s *Store) IsBanned(ctx context.Context, guildID int64, ucid string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM bans
			WHERE guild_id = $1 AND ucid = $2 AND banned_until > (now() AT TIME ZONE 'utc')
		)
	`, guildID, ucid).Scan(&exists)
	return exists, err
}
