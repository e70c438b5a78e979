package manifest

import "fmt"

// ValidationError reports a registry response, bundle, or on-disk record that
// does not match the expected shape. Such input is never partially trusted.
type ValidationError struct {
	Subject string // manifest | bundle | search result | active record | input
	Field   string
	Reason  string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := "invalid " + e.Subject
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(subject, field, format string, args ...any) *ValidationError {
	return &ValidationError{Subject: subject, Field: field, Reason: fmt.Sprintf(format, args...)}
}
