package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/timecapsule/internal/database"
)

var fixed = time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)

type execCall struct {
	sql  string
	args []any
}

// fakeDB records statements and answers QueryRow with a canned row.
type fakeDB struct {
	execs []execCall
	row   pgx.Row
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported by fake")
}

func (f *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row { return f.row }

type rowFunc func(dest ...any) error

func (r rowFunc) Scan(dest ...any) error { return r(dest...) }

func TestScheduleSetsStatusAndTimes(t *testing.T) {
	db := &fakeDB{}
	repo := &Repository{db: db, now: func() time.Time { return fixed }}
	job := &UnlockJob{ID: "unlock:abc", CapsuleID: "abc", FileName: "letter.pdf", UnlockAt: "2026-03-05T14:30"}

	if err := repo.Schedule(context.Background(), job); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if job.Status != StatusScheduled || !job.CreatedAt.Equal(fixed) {
		t.Fatalf("job = %+v", job)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "ON CONFLICT (id) DO UPDATE") {
		t.Fatalf("execs = %+v", db.execs)
	}
	if got := db.execs[0].args[0]; got != "unlock:abc" {
		t.Fatalf("first arg = %v", got)
	}
}

func TestRescheduleClearsOutcome(t *testing.T) {
	db := &fakeDB{}
	repo := &Repository{db: db, now: func() time.Time { return fixed }}
	if err := repo.Schedule(context.Background(), &UnlockJob{ID: "unlock:abc", CapsuleID: "abc"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	update := db.execs[0].sql[strings.Index(db.execs[0].sql, "ON CONFLICT"):]
	for _, want := range []string{"attempts = 0", "location = NULL", "summary = NULL", "error_message = NULL", "status = EXCLUDED.status"} {
		if !strings.Contains(update, want) {
			t.Errorf("conflict update missing %q:\n%s", want, update)
		}
	}
}

func TestMarkCompletedPassesLocation(t *testing.T) {
	db := &fakeDB{}
	repo := &Repository{db: db, now: func() time.Time { return fixed }}
	if err := repo.MarkCompleted(context.Background(), "j1", "s3://capsules/abc/letter.pdf", "application/pdf, 2 pages"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	args := db.execs[0].args
	if args[0] != StatusCompleted || *(args[1].(*string)) != "s3://capsules/abc/letter.pdf" || args[3].(*string) != nil {
		t.Fatalf("args = %v", args)
	}
}

func TestGetMapsNoRows(t *testing.T) {
	repo := &Repository{db: &fakeDB{row: rowFunc(func(...any) error { return pgx.ErrNoRows })}, now: time.Now}
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetScansNullableColumns(t *testing.T) {
	row := rowFunc(func(dest ...any) error {
		values := []any{"j1", "abc", "letter.pdf", "2026-03-05T14:30", StatusFailed, 2,
			sql.NullString{}, sql.NullString{}, sql.NullString{String: "boom", Valid: true}, fixed, fixed}
		if len(dest) != len(values) {
			return fmt.Errorf("scan %d columns, have %d", len(dest), len(values))
		}
		for i, v := range values {
			switch d := dest[i].(type) {
			case *string:
				*d = v.(string)
			case *Status:
				*d = v.(Status)
			case *int:
				*d = v.(int)
			case *sql.NullString:
				*d = v.(sql.NullString)
			case *time.Time:
				*d = v.(time.Time)
			default:
				return fmt.Errorf("column %d: unexpected %T", i, d)
			}
		}
		return nil
	})
	repo := &Repository{db: &fakeDB{row: row}, now: time.Now}
	job, err := repo.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusFailed || job.Attempts != 2 || job.Location != nil {
		t.Fatalf("job = %+v", job)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "boom" {
		t.Fatalf("error message = %v", job.ErrorMessage)
	}
}

// TestPostgres runs against a real database when CAPSULE_TEST_DATABASE_URL is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("CAPSULE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CAPSULE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	repo := NewRepository(pool)
	id := fmt.Sprintf("unlock:test-%d", time.Now().UnixNano())
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM unlock_jobs WHERE id=$1`, id) })

	if err := repo.Schedule(ctx, &UnlockJob{ID: id, CapsuleID: "abc", FileName: "a.txt", UnlockAt: "2026-03-05T14:30"}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := repo.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := repo.MarkCompleted(ctx, id, "/tmp/a.txt", "text/plain, 1 B"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	job, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.Status != StatusCompleted || job.Attempts != 1 || job.Location == nil || *job.Location != "/tmp/a.txt" {
		t.Fatalf("job = %+v", job)
	}

	if err := repo.Schedule(ctx, &UnlockJob{ID: id, CapsuleID: "abc", FileName: "a.txt", UnlockAt: "2026-03-06T09:00"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	job, err = repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reschedule: %v", err)
	}
	if job.Status != StatusScheduled || job.Attempts != 0 || job.Location != nil || job.Summary != nil || job.UnlockAt != "2026-03-06T09:00" {
		t.Fatalf("rescheduled job = %+v", job)
	}

	jobs, err := repo.List(ctx, 10)
	if err != nil || len(jobs) == 0 {
		t.Fatalf("List = %v, %v", jobs, err)
	}
}
