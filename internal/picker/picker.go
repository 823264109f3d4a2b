// Package picker implements the five-dropdown unlock date/time selector. It
// keeps no terminal or DOM state of its own: front ends read Options and Label
// and push choices back through Set.
package picker

import (
	"fmt"
	"sync"
	"time"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// Field identifies one of the five dropdowns.
type Field int

const (
	Month Field = iota
	Day
	Year
	Hour
	Minute
)

// Fields lists the dropdowns in display order.
var Fields = []Field{Month, Day, Year, Hour, Minute}

func (f Field) String() string {
	switch f {
	case Month:
		return "month"
	case Day:
		return "day"
	case Year:
		return "year"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

const (
	// Placeholder is shown until a selection is confirmed.
	Placeholder = "Select Unlock Date and Time"
	// YearSpan is how many years past the current one are offered.
	YearSpan = 10
)

var monthNames = [12]string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

// Option is one entry of a dropdown.
type Option struct {
	Value int
	Label string
}

// Picker is a DateTimePicker. The zero value is not usable; call New.
type Picker struct {
	mu        sync.Mutex
	now       func() time.Time
	open      bool
	values    [5]int
	set       [5]bool
	label     string
	confirmed *model.Timestamp
}

// New returns a closed picker whose defaults come from now. Passing nil uses
// time.Now.
func New(now func() time.Time) *Picker {
	if now == nil {
		now = time.Now
	}
	p := &Picker{now: now, label: Placeholder}
	p.applyDefaults()
	return p
}

// Options returns the choices offered for f.
func (p *Picker) Options(f Field) []Option {
	lo, hi := p.bounds(f)
	out := make([]Option, 0, hi-lo+1)
	for v := lo; v <= hi; v++ {
		out = append(out, Option{Value: v, Label: optionLabel(f, v)})
	}
	return out
}

func optionLabel(f Field, v int) string {
	switch f {
	case Month:
		return monthNames[v-1]
	case Hour, Minute:
		return fmt.Sprintf("%02d", v)
	default:
		return fmt.Sprintf("%d", v)
	}
}

func (p *Picker) bounds(f Field) (int, int) {
	switch f {
	case Month:
		return 1, 12
	case Day:
		// Days are not filtered per month; Confirm catches impossible dates.
		return 1, 31
	case Year:
		y := p.now().Year()
		return y, y + YearSpan
	case Hour:
		return 0, 23
	default:
		return 0, 59
	}
}

// Open shows the panel with every field defaulted to the current local time.
func (p *Picker) Open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyDefaults()
	p.open = true
}

// Toggle flips the panel the way clicking the display field does.
func (p *Picker) Toggle() {
	p.mu.Lock()
	isOpen := p.open
	p.mu.Unlock()
	if isOpen {
		p.Close()
		return
	}
	p.Open()
}

// Close hides the panel without confirming.
func (p *Picker) Close() {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
}

// Cancel is the panel's cancel button.
func (p *Picker) Cancel() { p.Close() }

// ClickOutside closes an open panel; the selection is left unconfirmed.
func (p *Picker) ClickOutside() { p.Close() }

// IsOpen reports whether the panel is visible.
func (p *Picker) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Set picks value for field f.
func (p *Picker) Set(f Field, value int) error {
	lo, hi := p.bounds(f)
	if value < lo || value > hi {
		return fmt.Errorf("%w: %s %d (allowed %d-%d)", ErrOutOfRange, f, value, lo, hi)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[f] = value
	p.set[f] = true
	return nil
}

// SetTimestamp picks all five fields at once.
func (p *Picker) SetTimestamp(ts model.Timestamp) error {
	values := [5]int{Month: ts.Month, Day: ts.Day, Year: ts.Year, Hour: ts.Hour, Minute: ts.Minute}
	for _, f := range Fields {
		if err := p.Set(f, values[f]); err != nil {
			return err
		}
	}
	return nil
}

// Clear leaves field f unselected, like choosing the blank dropdown entry.
func (p *Picker) Clear(f Field) {
	p.mu.Lock()
	p.set[f] = false
	p.mu.Unlock()
}

// Confirm validates the selection and produces the canonical timestamp. The
// panel is hidden on success; on failure it stays open so the user can fix it.
func (p *Picker) Confirm() (model.Timestamp, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var missing []Field
	for _, f := range Fields {
		if !p.set[f] {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return model.Timestamp{}, &IncompleteSelectionError{Missing: missing}
	}
	ts := model.Timestamp{
		Year:   p.values[Year],
		Month:  p.values[Month],
		Day:    p.values[Day],
		Hour:   p.values[Hour],
		Minute: p.values[Minute],
	}
	if !ts.Valid() {
		return model.Timestamp{}, fmt.Errorf("%w: %s", ErrInvalidDate, ts)
	}
	p.confirmed = &ts
	p.label = ts.Display()
	p.open = false
	return ts, nil
}

// Value returns the last confirmed timestamp, if any.
func (p *Picker) Value() (model.Timestamp, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.confirmed == nil {
		return model.Timestamp{}, false
	}
	return *p.confirmed, true
}

// Label is the text the display field shows.
func (p *Picker) Label() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.label
}

// Reset puts the display back to the placeholder, forgets the confirmed value
// and restores the current-time defaults.
func (p *Picker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.label = Placeholder
	p.confirmed = nil
	p.open = false
	p.applyDefaults()
}

func (p *Picker) applyDefaults() {
	now := p.now()
	p.values = [5]int{
		Month:  int(now.Month()),
		Day:    now.Day(),
		Year:   now.Year(),
		Hour:   now.Hour(),
		Minute: now.Minute(),
	}
	p.set = [5]bool{true, true, true, true, true}
}
