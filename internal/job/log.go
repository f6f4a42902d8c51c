package job

import (
	"context"
	"fmt"
)

type logWriterKey struct{}

// WithLogWriter returns a context whose Logf calls are delivered to fn.
func WithLogWriter(ctx context.Context, fn func(line string)) context.Context {
	return context.WithValue(ctx, logWriterKey{}, fn)
}

// Logf emits one log line from inside a job body. The line reaches the task's
// log stream; it is dropped when the body runs without a log writer.
func Logf(ctx context.Context, format string, args ...any) {
	fn, ok := ctx.Value(logWriterKey{}).(func(string))
	if !ok || fn == nil {
		return
	}
	fn(fmt.Sprintf(format, args...))
}
