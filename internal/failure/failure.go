package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the retry logic of the service loops.
type Kind int

const (
	// Fatal errors stop the loop and propagate to the process.
	Fatal Kind = iota
	// Transient errors are connection level; the loop reconnects after a backoff.
	Transient
	// Recoverable errors affect a single unit of work which is skipped or redelivered.
	Recoverable
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Recoverable:
		return "recoverable"
	default:
		return "fatal"
	}
}

// Error tags an underlying error with a Kind and the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a connection-level failure.
func Transient(op string, err error) error { return wrap(Transient, op, err) }

// Recoverable wraps err as a failure scoped to one unit of work.
func Recoverable(op string, err error) error { return wrap(Recoverable, op, err) }

// Fatal wraps err as a failure that must stop the process.
func Fatal(op string, err error) error { return wrap(Fatal, op, err) }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the outermost Kind tagged on err. Untagged errors are Fatal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Fatal
}

// IsTransient reports whether err is tagged Transient.
func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }

// IsRecoverable reports whether err is tagged Recoverable.
func IsRecoverable(err error) bool { return err != nil && KindOf(err) == Recoverable }
