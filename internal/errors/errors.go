// Package errors provides error wrapping and classification shared across
// bigxfer. It builds on github.com/pkg/errors so that wrapped errors keep a
// stack trace, and adds a Fatal marker for errors that should terminate a
// command without one.
package errors

import (
	"github.com/pkg/errors"
)

// New, Errorf, Wrap and Wrapf re-export the pkg/errors functions so callers
// only need to import this package.
var (
	New    = errors.New
	Errorf = errors.Errorf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Is     = errors.Is
	As     = errors.As
	Cause  = errors.Cause
)

// fatalError marks an error as fatal: it should be printed to the user
// without a stack trace and the process should exit non-zero.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string {
	return e.msg
}

// Fatal returns an error that is marked as fatal.
func Fatal(s string) error {
	return &fatalError{msg: s}
}

// Fatalf returns a fatal error, formatted according to format.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{msg: errors.Errorf(format, args...).Error()}
}

// IsFatal returns true if err is known to be fatal: the caller should
// display the message without a stack trace.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*fatalError)
	return ok
}
