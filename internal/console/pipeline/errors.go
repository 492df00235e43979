package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// TransportError means no response arrived: the network failed or the fixed
// timeout elapsed.
type TransportError struct {
	Method  string
	Path    string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: request timed out: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: transport failure: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError is any non-2xx response. FieldErrors holds validation messages
// keyed by form field.
type ServerError struct {
	Status      int
	Message     string
	FieldErrors map[string][]string
	RequestID   string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("request failed (status %d): %s", e.Status, msg)
}

// FieldMessages flattens FieldErrors into "field: message" lines, sorted by field.
func (e *ServerError) FieldMessages() []string {
	fields := make([]string, 0, len(e.FieldErrors))
	for f := range e.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var out []string
	for _, f := range fields {
		for _, m := range e.FieldErrors[f] {
			out = append(out, f+": "+m)
		}
	}
	return out
}

// MalformedResponseError is a success status whose body cannot be used.
type MalformedResponseError struct {
	Op     string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	if e.Op == "" {
		return "malformed response: " + e.Reason
	}
	return fmt.Sprintf("%s: malformed response: %s", e.Op, e.Reason)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func IsUnauthorized(err error) bool { return StatusOf(err) == http.StatusUnauthorized }
func IsForbidden(err error) bool    { return StatusOf(err) == http.StatusForbidden }
func IsNotFound(err error) bool     { return StatusOf(err) == http.StatusNotFound }

// IsValidation reports a 400 or 422 rejection.
func IsValidation(err error) bool {
	s := StatusOf(err)
	return s == http.StatusBadRequest || s == http.StatusUnprocessableEntity
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

func IsMalformed(err error) bool {
	var me *MalformedResponseError
	return errors.As(err, &me)
}

// MessageFrom returns the server's own explanation carried by err, falling
// back to fallback when there is none.
func MessageFrom(err error, fallback string) string {
	var se *ServerError
	if errors.As(err, &se) {
		if strings.TrimSpace(se.Message) != "" {
			return se.Message
		}
		if lines := se.FieldMessages(); len(lines) > 0 {
			return lines[0]
		}
	}
	return fallback
}

const (
	msgTimeout      = "Request timed out. Please check your connection and try again."
	msgUnreachable  = "Unable to reach the server. Please check your network connection."
	msgBadRequest   = "Invalid request."
	msgUnauthorized = "Your session has expired. Please log in again."
	msgForbidden    = "You do not have permission to perform this action."
	msgNotFound     = "The requested resource was not found."
	msgValidation   = "Please correct the highlighted fields."
	msgServer       = "Server error. Please try again later."
	msgMalformed    = "The server returned an unexpected response."
	msgUnknown      = "Something went wrong."
)

// Describe turns a pipeline error into the single notification shown for it.
func Describe(err error) Notification {
	n := Notification{Level: LevelError}

	var (
		te *TransportError
		se *ServerError
		me *MalformedResponseError
	)
	switch {
	case errors.As(err, &te):
		n.Title = "Connection problem"
		n.Message = msgUnreachable
		if te.Timeout {
			n.Message = msgTimeout
		}
	case errors.As(err, &se):
		n.Status = se.Status
		switch {
		case se.Status == http.StatusBadRequest:
			n.Title = "Invalid request"
			n.Message = orDefault(se.Message, msgBadRequest)
			n.Details = se.FieldMessages()
		case se.Status == http.StatusUnauthorized:
			n.Title = "Signed out"
			n.Level = LevelWarning
			n.Message = msgUnauthorized
		case se.Status == http.StatusForbidden:
			n.Title = "Forbidden"
			n.Message = msgForbidden
		case se.Status == http.StatusNotFound:
			n.Title = "Not found"
			n.Message = orDefault(se.Message, msgNotFound)
		case se.Status == http.StatusUnprocessableEntity:
			n.Title = "Validation failed"
			n.Message = orDefault(se.Message, msgValidation)
			n.Details = se.FieldMessages()
		case se.Status >= 500:
			n.Title = "Server error"
			n.Message = msgServer
		default:
			n.Title = "Request failed"
			n.Message = orDefault(se.Message, fmt.Sprintf("Request failed (status %d).", se.Status))
		}
	case errors.As(err, &me):
		n.Title = "Unexpected response"
		n.Message = msgMalformed
	default:
		n.Title = "Error"
		n.Message = msgUnknown
	}
	return n
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
