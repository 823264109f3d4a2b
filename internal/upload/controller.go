// Package upload drives the capsule upload form: validation, the single
// in-flight request, the progress bar, notifications and the post-upload reset.
package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/model"
	"github.com/dharsanguruparan/timecapsule/internal/notify"
	"github.com/dharsanguruparan/timecapsule/internal/picker"
	"github.com/dharsanguruparan/timecapsule/internal/progress"
)

// State is the controller's lifecycle position.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateSubmitting State = "submitting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

const (
	MsgAllowedUsers = "Please specify who you want to grant capsule access to"
	MsgChooseFile   = "Choose a file"
	MsgLocked       = "Capsule has been locked successfully!"
)

// ErrUploadInFlight is returned when Submit is called while a previous submit on
// the same controller has not finished. It is the disabled submit button.
var ErrUploadInFlight = errors.New("upload already in progress")

// Uploader is the slice of CapsuleClient the form needs.
type Uploader interface {
	Upload(ctx context.Context, p model.PendingUpload) (*model.CapsuleRecord, error)
}

// Refresher reloads the capsule list.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Form holds the inputs other than the date picker.
type Form struct {
	OwnerKey     string
	AllowedUsers string
	File         *model.File
}

// Config wires a Controller.
type Config struct {
	Uploader Uploader
	Picker   *picker.Picker
	Progress *progress.Simulator
	Notifier notify.Notifier
	List     Refresher
	Logger   *slog.Logger
	// OnTransition observes every state change. Optional.
	OnTransition func(from, to State)
}

// Controller is an UploadFormController. Each instance owns its own progress
// simulator and in-flight flag.
type Controller struct {
	cfg   Config
	mu    sync.Mutex
	state State
	busy  bool
	form  Form
	last  *model.CapsuleRecord
}

// New builds a Controller in the Idle state.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Progress == nil {
		cfg.Progress = progress.New(0, nil)
	}
	if cfg.Picker == nil {
		cfg.Picker = picker.New(nil)
	}
	return &Controller{cfg: cfg, state: StateIdle}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Busy reports whether the submit control is disabled.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Form returns the current form inputs.
func (c *Controller) Form() Form {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.form
}

// SetOwnerKey fills the capsule key field.
func (c *Controller) SetOwnerKey(key string) {
	c.mu.Lock()
	c.form.OwnerKey = key
	c.mu.Unlock()
}

// SetAllowedUsers fills the comma separated recipients field.
func (c *Controller) SetAllowedUsers(users string) {
	c.mu.Lock()
	c.form.AllowedUsers = users
	c.mu.Unlock()
}

// SetFile chooses the file to lock.
func (c *Controller) SetFile(f *model.File) {
	c.mu.Lock()
	c.form.File = f
	c.mu.Unlock()
}

// LastUploaded returns the record the server issued for the most recent
// successful submit, or nil.
func (c *Controller) LastUploaded() *model.CapsuleRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// OwnerKey returns the trimmed capsule key; the list view reads it through here.
func (c *Controller) OwnerKey() string {
	return strings.TrimSpace(c.Form().OwnerKey)
}

// Submit runs one pass of the form state machine. Whatever happens, the
// controller is back in Idle with the submit control enabled when it returns.
func (c *Controller) Submit(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrUploadInFlight
	}
	c.busy = true
	form := c.form
	c.mu.Unlock()

	defer func() {
		c.cfg.Progress.Reset()
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
		c.transition(StateIdle)
	}()

	c.transition(StateValidating)
	pending, err := c.validate(form)
	if err != nil {
		c.cfg.Notifier.Error(client.Message(err))
		return err
	}

	c.transition(StateSubmitting)
	c.cfg.Progress.Start(ctx)
	rec, err := c.cfg.Uploader.Upload(ctx, pending)
	if err != nil {
		c.cfg.Progress.Fail()
		c.transition(StateFailed)
		c.cfg.Logger.Warn("capsule upload failed", "file", pending.File.Name, "error", err)
		c.cfg.Notifier.Error(client.Message(err))
		return err
	}

	c.cfg.Progress.Complete()
	c.mu.Lock()
	c.last = rec
	c.mu.Unlock()
	c.transition(StateSucceeded)
	c.cfg.Logger.Info("capsule locked", "id", rec.ID, "file", rec.Filename, "unlock", rec.UnlockDate.String())
	c.cfg.Notifier.Toast(MsgLocked)
	c.reset()
	if c.cfg.List != nil {
		// The list view reports its own failures; the upload itself succeeded.
		_ = c.cfg.List.Refresh(ctx)
	}
	return nil
}

func (c *Controller) validate(form Form) (model.PendingUpload, error) {
	owner := strings.TrimSpace(form.OwnerKey)
	if owner == "" {
		return model.PendingUpload{}, client.ErrOwnerKeyRequired
	}
	users := ParseAllowedUsers(form.AllowedUsers)
	if len(users) == 0 {
		return model.PendingUpload{}, &client.ValidationError{Field: "allowed_users", Message: MsgAllowedUsers}
	}
	if form.File == nil || form.File.Reader == nil {
		return model.PendingUpload{}, &client.ValidationError{Field: "file", Message: MsgChooseFile}
	}
	unlock, ok := c.cfg.Picker.Value()
	if !ok {
		return model.PendingUpload{}, &client.ValidationError{Field: "unlock_date", Message: picker.Placeholder}
	}
	return model.PendingUpload{
		File:         form.File,
		UnlockDate:   unlock,
		AllowedUsers: users,
		OwnerKey:     owner,
	}, nil
}

// reset clears the file, recipients and picker. The capsule key stays: it
// identifies the session and the list refresh right after needs it.
func (c *Controller) reset() {
	c.mu.Lock()
	c.form.File = nil
	c.form.AllowedUsers = ""
	c.mu.Unlock()
	c.cfg.Picker.Reset()
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(from, to)
	}
}

// ParseAllowedUsers splits the comma separated field, trims each entry, drops
// blanks and duplicates and keeps first-seen order.
func ParseAllowedUsers(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		user := strings.TrimSpace(part)
		if user == "" {
			continue
		}
		if _, dup := seen[user]; dup {
			continue
		}
		seen[user] = struct{}{}
		out = append(out, user)
	}
	return out
}
