package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (q *Queries) GetCredential(ctx context.Context, userID, provider string) (Credential, error) {
	query, args, err := q.sql.Select("user_id", "provider", "enc_api_key", "updated_at").
		From("credentials").
		Where(sq.Eq{"user_id": userID, "provider": provider}).
		ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}
	var c Credential
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&c.UserID, &c.Provider, &c.EncAPIKey, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (q *Queries) UpsertCredential(ctx context.Context, c Credential) error {
	now := nowExpr(q.driver)
	query, args, err := q.sql.Insert("credentials").
		Columns("user_id", "provider", "enc_api_key", "created_at", "updated_at").
		Values(c.UserID, c.Provider, c.EncAPIKey, now, now).
		Suffix("ON CONFLICT(user_id, provider) DO UPDATE SET enc_api_key=excluded.enc_api_key, updated_at=excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert credential query: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

func (q *Queries) DeleteCredential(ctx context.Context, userID, provider string) error {
	query, args, err := q.sql.Delete("credentials").Where(sq.Eq{"user_id": userID, "provider": provider}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCredentials returns every stored envelope, used by key rotation.
func (q *Queries) ListCredentials(ctx context.Context) ([]Credential, error) {
	query, args, err := q.sql.Select("user_id", "provider", "enc_api_key", "updated_at").
		From("credentials").
		OrderBy("user_id ASC", "provider ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.UserID, &c.Provider, &c.EncAPIKey, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credential rows: %w", err)
	}
	return out, nil
}
