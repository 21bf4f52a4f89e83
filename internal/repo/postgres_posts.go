package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/fanoutlabs/crossposter/internal/model"
)

type PostgresPostRepo struct {
	db *sql.DB
}

func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

func (r *PostgresPostRepo) Insert(ctx context.Context, body string, scheduledAt *time.Time, recurring bool) (model.Post, error) {
	now := time.Now().UTC()
	p := model.Post{
		ID:        uuid.New().String(),
		Body:      body,
		Status:    model.Pending,
		Recurring: recurring,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if scheduledAt != nil {
		t := scheduledAt.UTC()
		p.ScheduledAt = &t
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO posts (id, body, status, scheduled_at, recurring, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Body, string(p.Status), p.ScheduledAt, p.Recurring, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return model.Post{}, err
	}
	return p, nil
}

func (r *PostgresPostRepo) UpdateBody(ctx context.Context, id, body string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET body = $2, updated_at = now()
		WHERE id = $1 AND status <> 'published'
	`, id, body)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDue returns the pending posts eligible for the current cycle:
// unscheduled backlog posts, one-shot posts whose time has passed, and
// recurring posts whose scheduled hour matches asOf.
func (r *PostgresPostRepo) GetDue(ctx context.Context, asOf time.Time) ([]model.Post, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, body, status, scheduled_at, recurring, last_error, published_at, created_at, updated_at
		FROM posts
		WHERE status = 'pending'
		  AND (
		      (NOT recurring AND (scheduled_at IS NULL OR scheduled_at <= $1))
		      OR (recurring AND scheduled_at IS NOT NULL
		          AND date_part('hour', scheduled_at) = date_part('hour', $1::timestamptz))
		  )
		ORDER BY created_at ASC
	`, asOf.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPosts(rows)
}

func (r *PostgresPostRepo) MarkQueued(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'queued', updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresPostRepo) MarkPublished(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'published',
		    published_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresPostRepo) MarkFailed(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE posts
		SET status = 'failed',
		    last_error = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, reason)
	return err
}

func (r *PostgresPostRepo) List(ctx context.Context, limit, offset int) ([]model.Post, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, body, status, scheduled_at, recurring, last_error, published_at, created_at, updated_at
		FROM posts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPosts(rows)
}

func scanPosts(rows *sql.Rows) ([]model.Post, error) {
	var out []model.Post
	for rows.Next() {
		var p model.Post
		var status string
		var scheduledAt sql.NullTime
		var lastErr sql.NullString
		var publishedAt sql.NullTime

		if err := rows.Scan(
			&p.ID,
			&p.Body,
			&status,
			&scheduledAt,
			&p.Recurring,
			&lastErr,
			&publishedAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		); err != nil {
			return nil, err
		}

		p.Status = model.Status(status)
		if scheduledAt.Valid {
			t := scheduledAt.Time
			p.ScheduledAt = &t
		}
		if lastErr.Valid {
			s := lastErr.String
			p.LastError = &s
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			p.PublishedAt = &t
		}

		out = append(out, p)
	}
	return out, rows.Err()
}
