package errors

import (
	"fmt"
	"runtime"
)

type stacktrace []uintptr

func (s stacktrace) Format(st fmt.State, verb rune) {
	if len(s) == 0 {
		return
	}
	frames := runtime.CallersFrames(s)
	for {
		frame, more := frames.Next()
		if frame.Function == "" {
			break
		}
		fmt.Fprintf(st, "\n%s\n\t%s:%d", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
}
