package testutil

import (
	"context"
	"time"

	id "custodia/pkg/domain"
	"custodia/pkg/requestcontext"
)

// Ctx builds a background context with a pinned clock and acting principal,
// the typical starting point for service tests.
func Ctx(now time.Time, principal id.PrincipalID) context.Context {
	ctx := requestcontext.WithTime(context.Background(), now)
	if !principal.IsNil() {
		ctx = requestcontext.WithPrincipalID(ctx, principal)
	}
	return ctx
}

// CtxAt pins only the clock.
func CtxAt(now time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), now)
}

// Days is a readable duration helper for retention-horizon tests.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
