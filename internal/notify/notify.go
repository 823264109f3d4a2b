// Package notify presents toasts and the inline error alert.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// ToastDuration is how long a toast stays up.
	ToastDuration = 3 * time.Second
	// AlertDuration is how long the inline error alert stays visible.
	AlertDuration = 5 * time.Second
)

// Kind separates success toasts from error toasts.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
	KindAlert   Kind = "alert"
)

// Notice is one message shown to the user.
type Notice struct {
	Kind     Kind
	Message  string
	Duration time.Duration
}

// Notifier is what the controllers talk to. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Toast(message string)
	Error(message string)
}

// Terminal writes toasts as coloured lines and keeps the inline alert text until
// it expires.
type Terminal struct {
	mu      sync.Mutex
	out     io.Writer
	color   bool
	logger  *slog.Logger
	alert   string
	expires *time.Timer
}

// NewTerminal builds a Terminal writing to out.
func NewTerminal(out io.Writer, color bool, logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Terminal{out: out, color: color, logger: logger}
}

// Toast shows a success message.
func (t *Terminal) Toast(message string) {
	t.show(Notice{Kind: KindSuccess, Message: message, Duration: ToastDuration})
}

// Error shows an error toast.
func (t *Terminal) Error(message string) {
	t.show(Notice{Kind: KindError, Message: message, Duration: ToastDuration})
}

// Inline raises the inline error alert; it hides itself after AlertDuration.
func (t *Terminal) Inline(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expires != nil {
		t.expires.Stop()
	}
	t.alert = message
	t.expires = time.AfterFunc(AlertDuration, func() {
		t.mu.Lock()
		if t.alert == message {
			t.alert = ""
		}
		t.mu.Unlock()
	})
	t.write(Notice{Kind: KindAlert, Message: message, Duration: AlertDuration})
}

// Alert returns the inline alert text, or "" when hidden.
func (t *Terminal) Alert() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alert
}

func (t *Terminal) show(n Notice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.write(n)
}

// write must be called with t.mu held.
func (t *Terminal) write(n Notice) {
	t.logger.Debug("notify", "kind", n.Kind, "message", n.Message)
	prefix, color := "✔", "\x1b[32m"
	if n.Kind != KindSuccess {
		prefix, color = "✖", "\x1b[31m"
	}
	if t.color {
		fmt.Fprintf(t.out, "%s%s %s\x1b[0m\n", color, prefix, n.Message)
		return
	}
	fmt.Fprintf(t.out, "%s %s\n", prefix, n.Message)
}

// Recorder keeps every notice in memory. Tests and non-interactive callers use it
// to inspect what a user would have seen.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

// Toast records a success notice.
func (r *Recorder) Toast(message string) {
	r.add(Notice{Kind: KindSuccess, Message: message, Duration: ToastDuration})
}

// Error records an error notice.
func (r *Recorder) Error(message string) {
	r.add(Notice{Kind: KindError, Message: message, Duration: ToastDuration})
}

func (r *Recorder) add(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

// Notices returns a copy of everything recorded so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notice, len(r.notices))
	copy(out, r.notices)
	return out
}

// Last returns the most recent notice.
func (r *Recorder) Last() (Notice, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}, false
	}
	return r.notices[len(r.notices)-1], true
}
