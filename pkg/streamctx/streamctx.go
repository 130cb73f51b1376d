// Package streamctx carries ambient metadata alongside cancellation across
// the streaming core's suspension points: the operation kind tag a permit
// was acquired under, the provider that last succeeded for a segment, and
// an urgency flag for latency-sensitive calls, plus a Scope of cleanup
// hooks. It wraps context.Context rather than replacing
// it, the way pkg/loader threads a context.Context through File and
// SmartStream in the teacher.
package streamctx

import "context"

type metaKey struct{ name string }

// key identifiers for the typed metadata this package carries. Unexported
// so only this package's helpers can set or read them.
var (
	keyOperationKind     = metaKey{"operation_kind"}
	keyPreferredProvider = metaKey{"preferred_provider"}
	keyUrgent            = metaKey{"urgent"}
)

// WithOperationKind attaches an admission kind tag to ctx, readable with
// OperationKind. BufferedSegmentStream sets it on every fetch attempt; no
// other code in this module calls OperationKind.
func WithOperationKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, keyOperationKind, kind)
}

// OperationKind reads the kind tag attached by WithOperationKind, or "" if none.
func OperationKind(ctx context.Context) string {
	v, _ := ctx.Value(keyOperationKind).(string)
	return v
}

// WithPreferredProvider records the provider name a prior call on this
// logical stream succeeded against, so MultiProviderClient tries it first.
func WithPreferredProvider(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, keyPreferredProvider, name)
}

// PreferredProvider reads the provider name set by WithPreferredProvider.
func PreferredProvider(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPreferredProvider).(string)
	return v, ok
}

// WithUrgent marks this call as latency-sensitive (a straggler race or a
// seek header probe), letting MultiProviderClient choose to race providers.
func WithUrgent(ctx context.Context) context.Context {
	return context.WithValue(ctx, keyUrgent, true)
}

// Urgent reports whether ctx was marked urgent.
func Urgent(ctx context.Context) bool {
	v, _ := ctx.Value(keyUrgent).(bool)
	return v
}

// Scope accumulates cancel-hooks registered over the life of an operation
// and runs all of them, in reverse registration order, exactly once on
// Close. A hook's error is logged by the caller if it wants; Scope itself
// swallows them so one failing hook never blocks the rest from running.
type Scope struct {
	hooks []func() error
}

// NewScope returns an empty disposable scope.
func NewScope() *Scope {
	return &Scope{}
}

// Defer registers a cleanup hook to run on Close.
func (s *Scope) Defer(hook func() error) {
	s.hooks = append(s.hooks, hook)
}

// Close runs every registered hook, most-recently-registered first, and
// returns the first error encountered (if any) after running them all.
// Close is idempotent: a second call is a no-op.
func (s *Scope) Close() error {
	if s == nil || len(s.hooks) == 0 {
		return nil
	}
	var first error
	for i := len(s.hooks) - 1; i >= 0; i-- {
		if err := s.hooks[i](); err != nil && first == nil {
			first = err
		}
	}
	s.hooks = nil
	return first
}
