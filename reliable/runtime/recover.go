package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-reliable/reliable/log"
)

// PanicPolicy selects what happens after a panic has been recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after recording.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "keep_running"
	case CrashProcess:
		return "crash_process"
	default:
		return "unknown"
	}
}

// RecoverAndLog recovers a panic and logs it. Use in defer statements only.
func RecoverAndLog(logger log.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(context.Background(), logger, name, r, debug.Stack())
	}
}

// RecoverAndLogWithContext recovers a panic, logs it and records it on the
// panic metric and the span carried by ctx.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, name, r, stack)
		recordPanic(ctx, r, stack, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext followed by
// policy handling.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		stack := debug.Stack()
		logPanic(ctx, logger, name, r, stack)
		recordPanic(ctx, r, stack, component, name)

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// HandlePanicValue records a panic value that was already recovered by the
// caller.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	if panicValue == nil {
		return
	}

	stack := debug.Stack()
	logPanic(ctx, logger, name, panicValue, stack)
	recordPanic(ctx, panicValue, stack, component, name)
}

func logPanic(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", fmt.Sprint(panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

func recordPanic(ctx context.Context, panicValue any, stack []byte, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	recordPanicMetric(ctx, component, name)
	recordPanicToSpan(ctx, panicValue, stack, component, name)
}
