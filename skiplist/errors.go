package skiplist

import (
	"fmt"

	"github.com/facebookgo/stackerr"
)

// PreconditionError reports misuse the package treats as a programming
// error rather than a normal outcome: using a reserved sentinel key,
// using the tombstone token as a caller-supplied value, or exhausting
// the Set's SMR handle slots. Operating outside a critical section is
// not checked. Per spec.md §7.4 these
// have no well-defined behavior beyond a debug assertion; this package
// makes that assertion loud — a panic carrying a stack-annotated error —
// rather than silently corrupting the structure.
type PreconditionError struct {
	err error
}

func (e *PreconditionError) Error() string { return e.err.Error() }
func (e *PreconditionError) Unwrap() error { return e.err }

func newPrecondition(format string, args ...interface{}) *PreconditionError {
	return &PreconditionError{err: stackerr.Wrap(fmt.Errorf(format, args...))}
}

func panicPrecondition(format string, args ...interface{}) {
	panic(newPrecondition(format, args...))
}
