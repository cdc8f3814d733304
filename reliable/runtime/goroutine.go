package runtime

import (
	"context"

	"github.com/LerianStudio/lib-reliable/reliable/log"
)

// SafeGo runs fn in a new goroutine with panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "", name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn(ctx) in a new goroutine with panic
// recovery tagged by component and name.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(ctx context.Context),
) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
