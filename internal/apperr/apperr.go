package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of the acquisition or upload pipeline.
type Kind int

const (
	Unknown Kind = iota
	PermissionDenied
	UnsupportedFormat
	ImageTooLarge
	ConfigurationMissing
	HTTPError
	NetworkFailure
	ReadFailure
)

var kindNames = map[Kind]string{
	Unknown:              "unknown",
	PermissionDenied:     "permission_denied",
	UnsupportedFormat:    "unsupported_format",
	ImageTooLarge:        "image_too_large",
	ConfigurationMissing: "configuration_missing",
	HTTPError:            "http_error",
	NetworkFailure:       "network_failure",
	ReadFailure:          "read_failure",
}

// String returns the snake_case name used in logs and API payloads.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText lets a Kind appear as a string in JSON.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Error is a classified, user-presentable failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Status  int
	Body    string
	Err     error
}

// Error returns the user-facing text.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Kind == HTTPError {
		if e.Body != "" {
			return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
		}
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsWarning reports whether the error is advisory and must not stop the flow.
func (e *Error) IsWarning() bool {
	return e != nil && e.Kind == ImageTooLarge
}

// New builds an error of the given kind with a user-facing message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. The message defaults to err's own text.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// HTTP builds an HTTPError for a non-success response.
func HTTP(op string, status int, body string) *Error {
	return &Error{Kind: HTTPError, Op: op, Status: status, Body: body}
}

// KindOf extracts the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
