package debug

import (
	"fmt"
	"runtime"
)

// AssertionError is the value Assert panics with.
type AssertionError struct {
	File string
	Line int
	Msg  string
}

func (e AssertionError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("assertion failed(%s)", e.Msg)
	}
	return fmt.Sprintf("%s:%d: assertion failed(%s)", e.File, e.Line, e.Msg)
}

// Assert panics with AssertionError when truth does not hold. At most one msg
// is accepted, it is optional because most conditions speak for themselves.
func Assert(truth bool, msg ...string) {
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if truth {
		return
	}

	err := AssertionError{}
	if len(msg) == 1 {
		err.Msg = msg[0]
	}
	// the caller's location is otherwise buried in the middle of the
	// panicking stack
	if _, file, line, ok := runtime.Caller(1); ok {
		err.File = file
		err.Line = line
	}
	panic(err)
}
