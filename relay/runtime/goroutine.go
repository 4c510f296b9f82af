package runtime

import "context"

// SafeGo runs fn on a new goroutine guarded by panic recovery.
//
//	runtime.SafeGo(logger, "rpc.send_loop", runtime.KeepRunning, func() { ... })
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	if fn == nil {
		return
	}

	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, defaultComponent, name, policy)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn on a new goroutine guarded by panic
// recovery, passing ctx through for tracing and metrics.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger Logger,
	component, name string,
	policy PanicPolicy,
	fn func(ctx context.Context),
) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
