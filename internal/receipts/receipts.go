// Package receipts records what happened to each scheduled unlock.
package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status enumerates the lifecycle of a scheduled unlock.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("unlock job not found")

// UnlockJob represents a row in the unlock_jobs table. UnlockAt is kept in the
// canonical wall-clock form, the same string the server stores.
type UnlockJob struct {
	ID           string    `json:"id"`
	CapsuleID    string    `json:"capsuleId"`
	FileName     string    `json:"fileName"`
	UnlockAt     string    `json:"unlockAt"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"`
	Location     *string   `json:"location,omitempty"`
	Summary      *string   `json:"summary,omitempty"`
	ErrorMessage *string   `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// db is the part of pgxpool.Pool the repository uses.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository wraps all SQL used by the CLI and the unlock worker.
type Repository struct {
	db  db
	now func() time.Time
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool, now: time.Now}
}

const columns = `id, capsule_id, file_name, unlock_at, status, attempts, location, summary, error_message, created_at, updated_at`

// Schedule inserts a scheduled job. Scheduling the same id again resets it.
func (r *Repository) Schedule(ctx context.Context, job *UnlockJob) error {
	now := r.now().UTC()
	job.Status = StatusScheduled
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.db.Exec(ctx, `
		INSERT INTO unlock_jobs (id, capsule_id, file_name, unlock_at, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7)
		ON CONFLICT (id) DO UPDATE
		SET file_name = EXCLUDED.file_name,
			unlock_at = EXCLUDED.unlock_at,
			status = EXCLUDED.status,
			attempts = 0,
			location = NULL,
			summary = NULL,
			error_message = NULL,
			updated_at = EXCLUDED.updated_at
	`, job.ID, job.CapsuleID, job.FileName, job.UnlockAt, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert unlock job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *Repository) Get(ctx context.Context, id string) (*UnlockJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+columns+` FROM unlock_jobs WHERE id=$1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select unlock job: %w", err)
	}
	return job, nil
}

// List returns the most recently touched jobs first.
func (r *Repository) List(ctx context.Context, limit int) ([]UnlockJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+columns+` FROM unlock_jobs ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unlock jobs: %w", err)
	}
	defer rows.Close()
	var jobs []UnlockJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unlock job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unlock jobs: %w", err)
	}
	return jobs, nil
}

// MarkProcessing sets the status to processing and counts the attempt.
func (r *Repository) MarkProcessing(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE unlock_jobs SET status=$1, attempts = attempts + 1, updated_at=$2 WHERE id=$3
	`, StatusProcessing, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update unlock job: %w", err)
	}
	return nil
}

// MarkRescheduled moves the job back to scheduled with a new unlock time.
func (r *Repository) MarkRescheduled(ctx context.Context, id, unlockAt string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE unlock_jobs SET status=$1, unlock_at=$2, updated_at=$3 WHERE id=$4
	`, StatusScheduled, unlockAt, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update unlock job: %w", err)
	}
	return nil
}

// MarkFailed marks the unlock as failed and stores the message.
func (r *Repository) MarkFailed(ctx context.Context, id, msg string) error {
	return r.updateStatus(ctx, id, StatusFailed, nil, nil, &msg)
}

// MarkCompleted stores where the capsule was saved and its summary.
func (r *Repository) MarkCompleted(ctx context.Context, id, location, summary string) error {
	return r.updateStatus(ctx, id, StatusCompleted, &location, &summary, nil)
}

func (r *Repository) updateStatus(ctx context.Context, id string, status Status, location, summary, errorMsg *string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE unlock_jobs
		SET status=$1,
			location = COALESCE($2, location),
			summary = COALESCE($3, summary),
			error_message = $4,
			updated_at=$5
		WHERE id=$6
	`, status, location, summary, errorMsg, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update unlock job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*UnlockJob, error) {
	var (
		job                       UnlockJob
		location, summary, errMsg sql.NullString
	)
	if err := row.Scan(&job.ID, &job.CapsuleID, &job.FileName, &job.UnlockAt, &job.Status, &job.Attempts,
		&location, &summary, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Location = nullable(location)
	job.Summary = nullable(summary)
	job.ErrorMessage = nullable(errMsg)
	return &job, nil
}

func nullable(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
