// Package progress animates a fake upload progress bar. No byte-level signal is
// available from the upload request, so the percentage is an approximation for
// the user's benefit and must never be read as a measurement.
package progress

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

const (
	// DefaultTick is how often the bar advances.
	DefaultTick = 100 * time.Millisecond
	// Ceiling is approached but never reached while an upload is in flight.
	Ceiling = 90.0
	// gapDivisor controls how much of the remaining gap one tick closes.
	gapDivisor = 200.0

	LabelDone   = "Done!"
	LabelFailed = "Failed Lock"
)

// State is what a progress bar shows.
type State struct {
	Percent float64
	Active  bool
	Failed  bool
	Label   string
}

// Renderer draws a State. Render is always called with the simulator's lock
// held, so it never runs concurrently with itself or after Stop returns.
type Renderer interface {
	Render(State)
}

// RendererFunc adapts a plain function to Renderer.
type RendererFunc func(State)

// Render calls f(s).
func (f RendererFunc) Render(s State) { f(s) }

// Simulator owns one progress bar. Each form gets its own instance so nothing is
// shared through package level state.
type Simulator struct {
	mu       sync.Mutex
	state    State
	tick     time.Duration
	renderer Renderer
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds a Simulator. A non-positive tick falls back to DefaultTick and a nil
// renderer discards frames.
func New(tick time.Duration, renderer Renderer) *Simulator {
	if tick <= 0 {
		tick = DefaultTick
	}
	if renderer == nil {
		renderer = RendererFunc(func(State) {})
	}
	return &Simulator{tick: tick, renderer: renderer, state: State{Label: label(0)}}
}

// Start resets the bar to 0% and begins ticking until Stop, Complete, Fail or
// cancellation of ctx. Starting an already running simulator restarts it.
func (s *Simulator) Start(ctx context.Context) {
	s.Stop()
	tickCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.state = State{Active: true, Label: label(0)}
	s.cancel = cancel
	s.done = done
	s.renderer.Render(s.state)
	s.mu.Unlock()
	go s.run(tickCtx, done)
}

func (s *Simulator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.advance() {
				return
			}
		}
	}
}

// advance applies one tick and reports whether the loop should keep going.
func (s *Simulator) advance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	// active is the only coordination point with the upload; once it drops the
	// tick must not touch the display again.
	if !s.state.Active {
		return false
	}
	if s.state.Percent < Ceiling {
		s.state.Percent += (Ceiling - s.state.Percent) / gapDivisor
		s.state.Label = label(s.state.Percent)
		s.renderer.Render(s.state)
	}
	return true
}

// Stop halts ticking and leaves the last frame on screen. When Stop returns no
// further tick will render.
func (s *Simulator) Stop() {
	s.mu.Lock()
	s.state.Active = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Complete stops ticking and snaps the bar to 100%.
func (s *Simulator) Complete() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Percent: 100, Label: LabelDone}
	s.renderer.Render(s.state)
}

// Fail stops ticking and puts the bar into its error state.
func (s *Simulator) Fail() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Failed = true
	s.state.Label = LabelFailed
	s.renderer.Render(s.state)
}

// Reset stops ticking and returns to 0%, inactive.
func (s *Simulator) Reset() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Label: label(0)}
	s.renderer.Render(s.state)
}

// State returns the current frame.
func (s *Simulator) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func label(percent float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(percent)))
}
