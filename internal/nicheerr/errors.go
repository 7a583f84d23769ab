// Package nicheerr provides categorized errors for the niche pipeline.
//
// Errors carry a Type that decides how a stage reacts: validation and config
// errors abort the stage without retry, io errors point at storage problems,
// not_found is used by the registry and API.
//
//	if len(slide.CellIDs) == 0 {
//	    return nicheerr.New(nicheerr.TypeValidation, "slide has no cells").
//	        WithDetail("slide_id", slide.ID)
//	}
package nicheerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type categorizes an error.
type Type string

const (
	TypeValidation Type = "validation"
	TypeData       Type = "data"
	TypeConfig     Type = "config"
	TypeIO         Type = "io"
	TypeNotFound   Type = "not_found"
	TypeInternal   Type = "internal"
)

// Error is a categorized error with optional structured details.
type Error struct {
	Type    Type
	Message string
	Cause   error
	Details map[string]interface{}
}

// Error formats the type, message, details and cause.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key-value pair. It can be chained.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given type.
func New(t Type, message string) *Error {
	return &Error{Type: t, Message: message}
}

// Newf creates an error of the given type with a formatted message.
func Newf(t Type, format string, args ...interface{}) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a type and message. It returns nil when err is nil.
func Wrap(err error, t Type, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Type: t, Message: message, Cause: err}
}

// IsType reports whether any error in err's chain has type t.
func IsType(err error, t Type) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return IsType(err, TypeValidation)
}

// IsNotFound reports whether err is a not_found error.
func IsNotFound(err error) bool {
	return IsType(err, TypeNotFound)
}
