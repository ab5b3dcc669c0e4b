package storage

import (
	"context"
	"errors"

	"igpilot/internal/model"
)

func (s *sqlStore) UpsertDailyStat(ctx context.Context, st model.DailyStat) error {
	if st.Day == "" {
		return errors.New("storage: stat day is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO account_daily_stats(account_id, day, followers, following, posts, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT (account_id, day) DO UPDATE SET
		   followers = excluded.followers,
		   following = excluded.following,
		   posts = excluded.posts,
		   updated_at = excluded.updated_at`),
		st.AccountID, st.Day, st.Followers, st.Following, st.Posts, st.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqlStore) ListDailyStats(ctx context.Context, accountID int64, fromDay, toDay string) ([]model.DailyStat, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT account_id, day, followers, following, posts, updated_at
		 FROM account_daily_stats WHERE account_id = ? AND day >= ? AND day <= ? ORDER BY day`),
		accountID, fromDay, toDay,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DailyStat
	for rows.Next() {
		var (
			st model.DailyStat
			ms int64
		)
		if err := rows.Scan(&st.AccountID, &st.Day, &st.Followers, &st.Following, &st.Posts, &ms); err != nil {
			return nil, err
		}
		st.UpdatedAt = unixMilli(ms)
		out = append(out, st)
	}
	return out, rows.Err()
}
