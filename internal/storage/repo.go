package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var threadColumns = []string{"id", "user_id", "project_id", "title", "created_at", "updated_at", "last_activity_at"}

func (q *Queries) GetThread(ctx context.Context, userID, threadID string) (Thread, error) {
	query, args, err := q.sql.Select(threadColumns...).
		From("threads").
		Where(sq.Eq{"id": threadID, "user_id": userID}).
		ToSql()
	if err != nil {
		return Thread{}, fmt.Errorf("build get thread query: %w", err)
	}

	var t Thread
	var projectID sql.NullInt64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(
		&t.ID,
		&t.UserID,
		&projectID,
		&t.Title,
		&t.CreatedAt,
		&t.UpdatedAt,
		&t.LastActivityAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, ErrNotFound
		}
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	return t, nil
}

// ThreadExists reports whether any user owns threadID.
func (q *Queries) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	query, args, err := q.sql.Select("1").From("threads").Where(sq.Eq{"id": threadID}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build thread exists query: %w", err)
	}
	var one int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("thread exists: %w", err)
	}
	return true, nil
}

func (q *Queries) CreateThread(ctx context.Context, t Thread) error {
	var projectID any
	if t.ProjectID != nil {
		projectID = *t.ProjectID
	}
	now := nowExpr(q.driver)
	query, args, err := q.sql.Insert("threads").
		Columns("id", "user_id", "project_id", "title", "created_at", "updated_at", "last_activity_at").
		Values(t.ID, t.UserID, projectID, t.Title, now, now, now).
		ToSql()
	if err != nil {
		return fmt.Errorf("build create thread query: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// TouchThread bumps updated_at and last_activity_at.
func (q *Queries) TouchThread(ctx context.Context, threadID string) error {
	now := nowExpr(q.driver)
	query, args, err := q.sql.Update("threads").
		Set("updated_at", now).
		Set("last_activity_at", now).
		Where(sq.Eq{"id": threadID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch thread query: %w", err)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) InsertMessage(ctx context.Context, m Message) (int64, error) {
	var attachments any
	if m.AttachmentsJSON != nil {
		attachments = *m.AttachmentsJSON
	}
	query, args, err := q.sql.Insert("messages").
		Columns("thread_id", "role", "content", "attachments_json", "provider", "model", "created_at").
		Values(m.ThreadID, m.Role, m.Content, attachments, m.Provider, m.Model, nowExpr(q.driver)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert message query: %w", err)
	}
	var id int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// RecentMessages returns up to limit messages of a thread, newest first.
func (q *Queries) RecentMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := q.sql.Select("id", "thread_id", "role", "content", "attachments_json", "provider", "model", "created_at").
		From("messages").
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent messages query: %w", err)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var attachments sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &attachments, &m.Provider, &m.Model, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if attachments.Valid {
			m.AttachmentsJSON = &attachments.String
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func (q *Queries) CreateProject(ctx context.Context, p Project) (int64, error) {
	query, args, err := q.sql.Insert("projects").
		Columns("user_id", "name", "instructions", "context_data").
		Values(p.UserID, p.Name, p.Instructions, p.ContextData).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create project query: %w", err)
	}
	var id int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

func (q *Queries) GetProject(ctx context.Context, userID string, projectID int64) (Project, error) {
	query, args, err := q.sql.Select("id", "user_id", "name", "instructions", "context_data", "created_at").
		From("projects").
		Where(sq.Eq{"id": projectID, "user_id": userID}).
		ToSql()
	if err != nil {
		return Project{}, fmt.Errorf("build get project query: %w", err)
	}
	var p Project
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID,
		&p.UserID,
		&p.Name,
		&p.Instructions,
		&p.ContextData,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (q *Queries) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}
	query, args, err := q.sql.Insert("audit_log").
		Columns("user_id", "action", "meta_json").
		Values(e.UserID, e.Action, e.MetaJSON).
		ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := q.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
