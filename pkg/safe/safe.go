package safe

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
)

// Run executes fn and swallows any panic after logging it.
func Run(fn func()) {
	RunWithLog(fn, "safe.Run")
}

// RunWithLog is Run with a component label attached to the panic log.
func RunWithLog(fn func(), component string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered",
				slog.Any("recover", r),
				slog.String("component", component),
				slog.String("stack", stackTrace(20)),
			)
		}
	}()

	fn()
}

// Go runs fn in a new goroutine guarded by RunWithLog.
func Go(component string, fn func()) {
	go RunWithLog(fn, component)
}

// Call runs fn and converts a panic into an error so a worker can count it as a failure.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered",
				slog.Any("recover", r),
				slog.String("component", "safe.Call"),
				slog.String("stack", stackTrace(20)),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func stackTrace(maxLines int) string {
	lines := strings.Split(string(debug.Stack()), "\n")
	out := make([]string, 0, maxLines+1)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(out) == maxLines {
			out = append(out, "... (truncated)")
			break
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
