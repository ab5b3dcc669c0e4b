package storage

import (
	"context"
	"database/sql"
	"errors"
)

func (s *sqlStore) LoadSession(ctx context.Context, accountID int64) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT session_data FROM account_sessions WHERE account_id = ?`), accountID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

func (s *sqlStore) SaveSession(ctx context.Context, accountID int64, data []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO account_sessions(account_id, session_data, updated_at) VALUES(?,?,?)
		 ON CONFLICT (account_id) DO UPDATE SET session_data = excluded.session_data, updated_at = excluded.updated_at`),
		accountID, string(data), s.now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) DeleteSession(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM account_sessions WHERE account_id = ?`), accountID)
	return err
}
