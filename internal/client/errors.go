package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

var (
	// ErrOwnerKeyRequired is returned before any request when the capsule key is blank.
	ErrOwnerKeyRequired = errors.New("capsule key is required")
	// ErrCapsuleIDRequired guards download and delete.
	ErrCapsuleIDRequired = errors.New("capsule id is required")
)

// MsgEnterKey is what users see when they act without a capsule key.
const MsgEnterKey = "Enter the capsule key"

// ValidationError reports a required form input that is missing. It is raised
// locally, never by the server.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ServerError is any non-success HTTP response.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server responded %d %s", e.Status, http.StatusText(e.Status))
	}
	return e.Message
}

// NotYetUnlockedError is the expected 403 a download gets while the capsule's
// unlock time lies in the future.
type NotYetUnlockedError struct {
	UnlockDate model.Timestamp
	// Raw is the unlock_date exactly as the server sent it.
	Raw string
}

func (e *NotYetUnlockedError) Error() string {
	if e.UnlockDate.IsZero() {
		return "This capsule will be unlocked at " + e.Raw
	}
	return "This capsule will be unlocked at " + e.UnlockDate.Display()
}

// Message turns any error into the text a notification should show.
func Message(err error) string {
	var (
		srv    *ServerError
		locked *NotYetUnlockedError
		valid  *ValidationError
	)
	switch {
	case errors.As(err, &locked):
		return locked.Error()
	case errors.As(err, &srv):
		return srv.Error()
	case errors.As(err, &valid):
		return valid.Message
	case errors.Is(err, ErrOwnerKeyRequired):
		return MsgEnterKey
	default:
		return err.Error()
	}
}

// errorBody is the JSON error envelope the backend uses.
type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	UnlockDate string `json:"unlock_date"`
}

// text picks the most useful field of the envelope.
func (b errorBody) text(preferMessage bool) string {
	if preferMessage && b.Message != "" {
		return b.Message
	}
	if b.Error != "" {
		return b.Error
	}
	return b.Message
}

func trimBody(body []byte) string {
	return strings.TrimSpace(string(body))
}
