package listview

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/model"
	"github.com/dharsanguruparan/timecapsule/internal/notify"
)

const (
	// DefaultSettle absorbs the backend's eventual consistency after a delete.
	DefaultSettle = 500 * time.Millisecond

	ConfirmDeletePrompt = "Are you sure you want to delete this capsule?"
	msgDownloaded       = "Capsule has been downloaded successfully!"
	msgDeleted          = "The capsule has been deleted successfully!"
)

// ErrNotConfirmed is returned when the user declines a delete.
var ErrNotConfirmed = errors.New("delete not confirmed")

// Service is the slice of CapsuleClient the view needs.
type Service interface {
	List(ctx context.Context, ownerKey string) ([]model.CapsuleRecord, error)
	Download(ctx context.Context, id, ownerKey string) (*model.Blob, error)
	Delete(ctx context.Context, id, ownerKey string) error
}

// Saver hands a downloaded blob to the user and reports where it went.
type Saver interface {
	Save(ctx context.Context, blob *model.Blob) (string, error)
}

// Confirmer asks the user a yes/no question.
type Confirmer interface {
	Confirm(prompt string) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(prompt string) bool

// Confirm calls f(prompt).
func (f ConfirmFunc) Confirm(prompt string) bool { return f(prompt) }

// Config wires a View.
type Config struct {
	Service  Service
	Saver    Saver
	Confirm  Confirmer
	Notifier notify.Notifier
	// OwnerKey is read on every action so the key field can change between calls.
	OwnerKey func() string
	// Settle overrides DefaultSettle; tests shorten it.
	Settle time.Duration
	// Describe summarises a downloaded blob for the log. Optional.
	Describe func(*model.Blob) string
	Logger   *slog.Logger
}

// View is a CapsuleListView. It emits no events of its own; it only mirrors the
// latest List result and routes row actions back to the service.
type View struct {
	cfg   Config
	sleep func(context.Context, time.Duration) error
	mu    sync.RWMutex
	rows  []Row
}

// New builds a View. Settle defaults to DefaultSettle.
func New(cfg Config) *View {
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.OwnerKey == nil {
		cfg.OwnerKey = func() string { return "" }
	}
	return &View{cfg: cfg, sleep: sleepCtx}
}

// Rows returns the rendered rows of the last successful refresh.
func (v *View) Rows() []Row {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Row, len(v.rows))
	copy(out, v.rows)
	return out
}

// Load performs the initial refresh, but only when a key is already present.
func (v *View) Load(ctx context.Context) error {
	if v.ownerKey() == "" {
		return nil
	}
	return v.Refresh(ctx)
}

// Refresh refetches and fully replaces the rows.
func (v *View) Refresh(ctx context.Context) error {
	key, err := v.requireKey()
	if err != nil {
		return err
	}
	records, err := v.cfg.Service.List(ctx, key)
	if err != nil {
		return v.fail("list capsules", err)
	}
	rows := Render(records)
	v.mu.Lock()
	v.rows = rows
	v.mu.Unlock()
	return nil
}

// Unlock downloads a capsule, saves it and returns where it was saved. A
// still-locked capsule is reported with its unlock time and nothing is saved.
func (v *View) Unlock(ctx context.Context, id string) (string, error) {
	key, err := v.requireKey()
	if err != nil {
		return "", err
	}
	blob, err := v.cfg.Service.Download(ctx, id, key)
	if err != nil {
		return "", v.fail("download capsule", err)
	}
	location, err := v.cfg.Saver.Save(ctx, blob)
	if err != nil {
		return "", v.fail("save capsule", err)
	}
	attrs := []any{"id", id, "location", location, "bytes", blob.Size()}
	if v.cfg.Describe != nil {
		attrs = append(attrs, "summary", v.cfg.Describe(blob))
	}
	v.cfg.Logger.Info("capsule unlocked", attrs...)
	v.cfg.Notifier.Toast(msgDownloaded)
	return location, v.Refresh(ctx)
}

// Delete asks for confirmation, deletes, waits for the backend to settle and
// refreshes exactly once.
func (v *View) Delete(ctx context.Context, id string) error {
	key, err := v.requireKey()
	if err != nil {
		return err
	}
	if v.cfg.Confirm == nil || !v.cfg.Confirm.Confirm(ConfirmDeletePrompt) {
		return ErrNotConfirmed
	}
	if err := v.cfg.Service.Delete(ctx, id, key); err != nil {
		return v.fail("delete capsule", err)
	}
	v.cfg.Notifier.Toast(msgDeleted)
	v.mu.Lock()
	v.rows = nil
	v.mu.Unlock()
	if err := v.sleep(ctx, v.cfg.Settle); err != nil {
		return err
	}
	return v.Refresh(ctx)
}

func (v *View) ownerKey() string {
	return strings.TrimSpace(v.cfg.OwnerKey())
}

func (v *View) requireKey() (string, error) {
	key := v.ownerKey()
	if key == "" {
		v.cfg.Notifier.Error(client.MsgEnterKey)
		return "", client.ErrOwnerKeyRequired
	}
	return key, nil
}

// fail is the handler boundary: the error becomes a notification here and is
// returned only so callers can pick an exit status.
func (v *View) fail(op string, err error) error {
	v.cfg.Logger.Warn(op+" failed", "error", err)
	v.cfg.Notifier.Error(client.Message(err))
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
