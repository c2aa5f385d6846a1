package errors

import (
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// SafeRecover recovers a panic, logs it with a trimmed stack trace and hands
// the resulting error to onPanic. It must be deferred directly:
//
//	defer errors.SafeRecover(logger, "cycle", func(e *errors.MeshError) { err = e })
func SafeRecover(logger *zap.Logger, operation string, onPanic func(*MeshError)) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	logger.Error("Panic recovered",
		zap.String("operation", operation),
		zap.Any("panic", r),
		zap.String("stack_trace", panicFrames(string(buf[:n]))),
	)

	if onPanic != nil {
		onPanic(New(KindGeneric, fmt.Sprintf("panic in %s: %v", operation, r), "", CodePanic))
	}
}

// panicFrames keeps the frames starting at the runtime panic call.
func panicFrames(stack string) string {
	lines := strings.Split(stack, "\n")
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			end := i + 10
			if end > len(lines) {
				end = len(lines)
			}
			return strings.Join(lines[i:end], "\n")
		}
	}
	return stack
}
