package mutation

import "fmt"

// GuardResult represents the outcome of an admission check.
type GuardResult struct {
	Allowed bool
	// Conflict marks rejections caused by another pending mutation.
	Conflict bool
	Reason   string
}

// SubmitContext provides context for the submit guard.
type SubmitContext struct {
	Kind         Kind
	Target       Target
	PendingID    string
	TargetCached bool
}

// CanSubmit evaluates whether a mutation may be admitted.
// Rules:
//   - Kind must be supported
//   - Target must name an entity
//   - No other mutation of the same kind may be pending for the target
//   - Creations need a fresh id; every other kind needs a cached target
func CanSubmit(ctx SubmitContext) GuardResult {
	if !ctx.Kind.Valid() {
		return GuardResult{Reason: fmt.Sprintf("unknown mutation kind %q", ctx.Kind)}
	}
	if ctx.Target.Kind == "" || ctx.Target.ID == "" {
		return GuardResult{Reason: "mutation target is required"}
	}
	if ctx.PendingID != "" {
		return GuardResult{
			Conflict: true,
			Reason:   fmt.Sprintf("%s already pending as %s", ctx.Kind, ctx.PendingID),
		}
	}
	if ctx.Kind.Creates() && ctx.TargetCached {
		return GuardResult{Reason: fmt.Sprintf("%s %s already exists", ctx.Target.Kind, ctx.Target.ID)}
	}
	if !ctx.Kind.Creates() && !ctx.TargetCached {
		return GuardResult{Reason: fmt.Sprintf("%s %s is not cached", ctx.Target.Kind, ctx.Target.ID)}
	}
	return GuardResult{Allowed: true}
}
