// Package errs provides the structured error kinds shared across the
// orchestrator core.
package errs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies one of the error categories the core distinguishes.
// Callers compare kinds with errors.Is against the sentinel values below,
// never by inspecting Error() strings.
type Kind string

const (
	KindAuth         Kind = "auth"          // credentials missing, rejected, or digest failure
	KindUnreachable  Kind = "unreachable"    // transport could not be established
	KindTimeout      Kind = "timeout"        // deadline exceeded
	KindProtocol     Kind = "protocol"       // peer responded but violated protocol
	KindNotConnected Kind = "not_connected"  // operation required an established session
	KindValidation   Kind = "validation"     // input failed validation
	KindStorage      Kind = "storage"        // DB or filesystem failure
	KindCancelled    Kind = "cancelled"      // cooperative cancellation
)

// Error is the structured error type every component returns for an
// operation failure. It carries enough context (camera, protocol, op) for
// logging and for the Connection attempt record without callers needing to
// parse a message string.
type Error struct {
	Kind     Kind   `json:"kind"`
	Op       string `json:"op,omitempty"`
	CameraID string `json:"camera_id,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Message  string `json:"message"`
	Time     string `json:"time"`
	Err      error  `json:"-"`
}

// displayNames renders each Kind the way callers and logs refer to the
// failure class.
var displayNames = map[Kind]string{
	KindAuth:         "AuthError",
	KindUnreachable:  "UnreachableError",
	KindTimeout:      "TimeoutError",
	KindProtocol:     "ProtocolError",
	KindNotConnected: "NotConnectedError",
	KindValidation:   "ValidationError",
	KindStorage:      "StorageError",
	KindCancelled:    "CancelledError",
}

// Display returns the Kind's conventional name, e.g. "AuthError".
func (k Kind) Display() string {
	if n, ok := displayNames[k]; ok {
		return n
	}
	return string(k)
}

func (e *Error) Error() string {
	if e.CameraID != "" {
		return fmt.Sprintf("%s[%s/%s]: %s", e.Kind.Display(), e.CameraID, e.Protocol, e.Message)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind.Display(), e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Display(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind alone so callers can compare kinds with
// errors.Is(err, errs.Sentinel(errs.KindAuth)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func (e *Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(&struct {
		*alias
		Time string `json:"time"`
	}{
		alias: (*alias)(e),
		Time:  time.Now().Format(time.RFC3339),
	})
}

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Time: time.Now().Format(time.RFC3339)}
}

// Wrap builds an Error of the given kind that wraps an underlying cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: err.Error(), Err: err, Time: time.Now().Format(time.RFC3339)}
}

// WithCamera attaches camera/protocol context to an existing Error, or
// wraps a plain error into one of the given kind.
func WithCamera(err error, cameraID, protocol string) *Error {
	if e, ok := err.(*Error); ok {
		e.CameraID = cameraID
		e.Protocol = protocol
		return e
	}
	return &Error{Kind: KindProtocol, CameraID: cameraID, Protocol: protocol, Message: err.Error(), Err: err, Time: time.Now().Format(time.RFC3339)}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is(err, errs.Sentinel(errs.KindAuth)).
func Sentinel(k Kind) *Error { return &Error{Kind: k} }
