package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"igpilot/internal/model"
)

const accountCols = `id, tenant_id, username, password_sealed, stepup_sealed, proxy_id,
	login_status, last_login, last_error, created_at, updated_at`

func (s *sqlStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a == nil || a.Username == "" {
		return errors.New("storage: account username is required")
	}
	now := s.now()
	if a.LoginState == "" {
		a.LoginState = model.LoggedOut
	}
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO accounts(tenant_id, username, password_sealed, stepup_sealed, proxy_id,
			login_status, last_login, last_error, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		a.TenantID, a.Username, a.PasswordSealed, nullStr(a.StepUpSealed), nullInt(a.ProxyID),
		string(a.LoginState), nullTime(a.LastLoginAt), nullStr(a.LastError), now.UnixMilli(), now.UnixMilli(),
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("storage: create account: %w", err)
	}
	a.CreatedAt, a.UpdatedAt = now, now
	return nil
}

func (s *sqlStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+accountCols+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *sqlStore) ListAccounts(ctx context.Context, tenantID int64) ([]*model.Account, error) {
	query := `SELECT ` + accountCols + ` FROM accounts`
	var args []any
	if tenantID != 0 {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetLoginState(ctx context.Context, id int64, u LoginUpdate) error {
	if !u.State.Valid() {
		return fmt.Errorf("storage: invalid login state %q", u.State)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE accounts SET login_status = ?, last_login = COALESCE(?, last_login), last_error = ?, updated_at = ?
		 WHERE id = ?`),
		string(u.State), nullTime(u.LastLoginAt), nullStr(u.LastError), s.now().UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *sqlStore) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM account_sessions WHERE account_id = ?`,
		`DELETE FROM account_daily_stats WHERE account_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), id); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM accounts WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(r rowScanner) (*model.Account, error) {
	var (
		a         model.Account
		stepUp    sql.NullString
		proxyID   sql.NullInt64
		state     string
		lastLogin sql.NullInt64
		lastErr   sql.NullString
		created   int64
		updated   int64
	)
	if err := r.Scan(&a.ID, &a.TenantID, &a.Username, &a.PasswordSealed, &stepUp, &proxyID,
		&state, &lastLogin, &lastErr, &created, &updated); err != nil {
		return nil, err
	}
	a.StepUpSealed = stepUp.String
	if proxyID.Valid {
		v := proxyID.Int64
		a.ProxyID = &v
	}
	a.LoginState = model.LoginState(state)
	a.LastLoginAt = fromNullTime(lastLogin)
	a.LastError = lastErr.String
	a.CreatedAt = unixMilli(created)
	a.UpdatedAt = unixMilli(updated)
	return &a, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
