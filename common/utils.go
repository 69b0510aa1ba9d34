package common

import "fmt"

// Assert checks a condition and panics if it is false.
//
// Use it for internal invariants only: states that are impossible unless the
// engine's own logic is broken (a victim frame with outstanding pins, a free
// frame still bound to a page). Continuing past a broken invariant risks
// persisting corrupted data, so we crash instead. Caller-visible failures
// (missing pages, I/O errors) are returned as values, never asserted.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
