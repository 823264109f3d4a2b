package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/config"
	"github.com/dharsanguruparan/timecapsule/internal/keystore"
	"github.com/dharsanguruparan/timecapsule/internal/listview"
	"github.com/dharsanguruparan/timecapsule/internal/notify"
	"github.com/dharsanguruparan/timecapsule/internal/preview"
	"github.com/dharsanguruparan/timecapsule/internal/progress"
	"github.com/dharsanguruparan/timecapsule/internal/save"
)

// reportedError marks a failure the user has already been shown as a notice.
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

func reported(err error) error {
	if err == nil {
		return nil
	}
	return &reportedError{err: err}
}

// app carries what every subcommand needs. It is filled in by the root
// command's PersistentPreRunE once flags are parsed.
type app struct {
	in     *bufio.Reader
	out    io.Writer
	errOut io.Writer

	serverFlag string
	keyFlag    string
	verbose    bool

	cfg    *config.Config
	keys   *keystore.Store
	logger *slog.Logger
	notes  *notify.Terminal
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{
		in:     bufio.NewReader(in),
		out:    out,
		errOut: errOut,
		keys:   keystore.New(""),
	}
}

// setup loads configuration and applies flag overrides.
func (a *app) setup() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.serverFlag != "" {
		cfg.Server = strings.TrimRight(a.serverFlag, "/")
	}
	if a.keyFlag != "" {
		cfg.OwnerKey = strings.TrimSpace(a.keyFlag)
	}
	a.cfg = cfg

	level := slog.LevelWarn
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level}))
	a.notes = notify.NewTerminal(a.out, colorEnabled(a.out), a.logger)
	return nil
}

// ownerKey prefers --key and CAPSULE_KEY, then the keyring.
func (a *app) ownerKey() string {
	if a.cfg.OwnerKey != "" {
		return a.cfg.OwnerKey
	}
	key, err := a.keys.Get()
	if err != nil {
		a.logger.Debug("keyring unavailable", "error", err)
		return ""
	}
	return key
}

func (a *app) client() (*client.Client, error) {
	return client.New(client.Options{
		BaseURL:           a.cfg.Server,
		RequestsPerMinute: a.cfg.RatePerMinute,
		Logger:            a.logger,
	})
}

func (a *app) listView(c *client.Client, assumeYes bool) *listview.View {
	confirm := listview.ConfirmFunc(a.confirm)
	if assumeYes {
		confirm = func(string) bool { return true }
	}
	return listview.New(listview.Config{
		Service:  c,
		Saver:    save.NewDir(a.cfg.DownloadDir),
		Confirm:  confirm,
		Notifier: a.notes,
		OwnerKey: a.ownerKey,
		Settle:   a.cfg.DeleteSettle,
		Describe: preview.Describe,
		Logger:   a.logger,
	})
}

// confirm asks on the terminal; anything but y/yes declines.
func (a *app) confirm(prompt string) bool {
	fmt.Fprintf(a.out, "%s [y/N] ", prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(a.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// progressBar redraws one status line per frame.
func (a *app) progressBar() progress.Renderer {
	return progress.RendererFunc(func(s progress.State) {
		if !s.Active && !s.Failed && s.Percent == 0 {
			fmt.Fprint(a.errOut, "\r\x1b[K")
			return
		}
		filled := int(s.Percent / 5)
		fmt.Fprintf(a.errOut, "\r[%-20s] %s", strings.Repeat("#", filled), s.Label)
		if !s.Active {
			fmt.Fprintln(a.errOut)
		}
	})
}

func colorEnabled(w io.Writer) bool {
	if _, off := os.LookupEnv("NO_COLOR"); off {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
