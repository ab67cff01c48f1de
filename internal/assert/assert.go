//go:build !noassert

package assert

import (
	"fmt"
	"runtime"
)

// True panics if result is false.
func True(label string, result bool) {
	if !result {
		violated(label)
	}
}

// TrueFunc panics if check returns false.
// Use it for checks that walk a data structure, so that the walk is compiled out with the check.
func TrueFunc(label string, check func() bool) {
	if !check() {
		violated(label)
	}
}

func violated(label string) {
	pcs := make([]uintptr, 1)
	// Skip runtime.Callers, violated, and the exported check.
	if runtime.Callers(3, pcs) == 0 {
		panic(fmt.Sprintf("invariant '%s' violated", label))
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	panic(fmt.Sprintf("invariant '%s' violated in %s (%s:%d)", label, frame.Function, frame.File, frame.Line))
}
