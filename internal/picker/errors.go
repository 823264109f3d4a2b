package picker

import (
	"errors"
	"strings"
)

// ErrInvalidDate means all five fields are set but do not name a real calendar
// date, such as February 31.
var ErrInvalidDate = errors.New("selected date does not exist")

// ErrOutOfRange is returned by Set for values the field does not offer.
var ErrOutOfRange = errors.New("value not offered by picker")

// IncompleteSelectionError lists the fields still unset when Confirm was called.
type IncompleteSelectionError struct {
	Missing []Field
}

func (e *IncompleteSelectionError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, f := range e.Missing {
		names = append(names, f.String())
	}
	return "Please select all date and time components (missing " + strings.Join(names, ", ") + ")"
}
