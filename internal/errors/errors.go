// Package errors wraps the standard errors/fmt packages with stacktrace-carrying
// wrappers and a Collect helper for combining multiple close-time errors into one.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

const defaultStackDepth = 48

var (
	_ error         = (*Error)(nil)
	_ fmt.Formatter = (*Error)(nil)
)

// Error wraps another error with a captured stacktrace.
type Error struct {
	err   error
	trace stacktrace
}

func New(text string) error {
	return errors.New(text)
}

func Errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Wrap annotates cause with sentinel so that errors.Is(result, sentinel) holds,
// while keeping cause's message in the error text.
func Wrap(sentinel, cause error) error {
	if cause == nil {
		return nil
	}
	if sentinel == nil {
		return cause
	}
	return &wrapped{sentinel: sentinel, cause: cause}
}

func Wrapf(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, cause)...)
}

type wrapped struct {
	sentinel error
	cause    error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.sentinel.Error(), w.cause.Error())
}

func (w *wrapped) Is(target error) bool {
	return errors.Is(w.sentinel, target) || errors.Is(w.cause, target)
}

func (w *wrapped) Unwrap() error {
	return w.cause
}

// WithStack wraps err with a captured stacktrace, for diagnostics at the point an
// error first crosses a component boundary.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	e := &Error{err: err}
	e.withStackDepth(1, defaultStackDepth)
	return e
}

func (e *Error) withStackDepth(skip, depth int) {
	e.trace = make(stacktrace, depth)
	runtime.Callers(2+skip, e.trace)
}

func (e *Error) Format(st fmt.State, verb rune) {
	switch verb {
	case 'v':
		if st.Flag('+') {
			fmt.Fprintf(st, "%+v", e.err)
			e.trace.Format(st, 'v')
			return
		}
		fmt.Fprintf(st, "%v", e.err)
	case 's':
		fmt.Fprintf(st, "%s", e.err)
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s", e.err)
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.err, target)
}

func (e *Error) As(target interface{}) bool {
	return errors.As(e.err, target)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Collect combines a base sentinel with zero or more non-nil errors observed while
// tearing something down. Returns nil if every collected error is nil.
func Collect(sentinel error, errs ...error) error {
	var nonNil []error
	for _, e := range errs {
		if e != nil {
			nonNil = append(nonNil, e)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	all := append([]error{sentinel}, nonNil...)
	return errors.Join(all...)
}
