package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"igpilot/internal/model"
)

func (s *sqlStore) CreateProxy(ctx context.Context, p *model.Proxy) error {
	if p == nil || p.Host == "" || p.Port <= 0 {
		return errors.New("storage: proxy host and port are required")
	}
	if p.Scheme == "" {
		p.Scheme = model.ProxyHTTP
	}
	now := s.now()
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO proxies(name, scheme, host, port, username, password_sealed, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?) RETURNING id`),
		p.Name, string(p.Scheme), p.Host, p.Port, nullStr(p.Username), nullStr(p.PasswordSealed), p.Active, now.UnixMilli(),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("storage: create proxy: %w", err)
	}
	p.CreatedAt = now
	return nil
}

func (s *sqlStore) GetProxy(ctx context.Context, id int64) (*model.Proxy, error) {
	var (
		p       model.Proxy
		scheme  string
		user    sql.NullString
		pass    sql.NullString
		created int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, name, scheme, host, port, username, password_sealed, active, created_at
		 FROM proxies WHERE id = ?`), id,
	).Scan(&p.ID, &p.Name, &scheme, &p.Host, &p.Port, &user, &pass, &p.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Scheme = model.ProxyScheme(scheme)
	p.Username = user.String
	p.PasswordSealed = pass.String
	p.CreatedAt = unixMilli(created)
	return &p, nil
}

func (s *sqlStore) SetProxyActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE proxies SET active = ? WHERE id = ?`), active, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}
