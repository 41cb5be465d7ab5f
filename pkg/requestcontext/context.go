// Package requestcontext provides context accessors for request-scoped values.
//
// Values are set by the calling boundary and consumed by services. The clock
// accessor is the injection point tests use to simulate "seven years later"
// without a sleeping test or a mutable global.
//
// Usage in services (read values):
//
//	principalID := requestcontext.PrincipalID(ctx)
//	now := requestcontext.Now(ctx)
//
// Usage in tests (inject values):
//
//	ctx = requestcontext.WithTime(ctx, fixedTime)
package requestcontext

import (
	"context"
	"time"

	id "custodia/pkg/domain"
)

type (
	principalIDKey struct{}
	requestIDKey   struct{}
	requestTimeKey struct{}
	originIPKey    struct{}
)

// PrincipalID retrieves the acting principal from the context.
// Returns the zero value (nil UUID) if not set.
func PrincipalID(ctx context.Context) id.PrincipalID {
	if pid, ok := ctx.Value(principalIDKey{}).(id.PrincipalID); ok {
		return pid
	}
	return id.PrincipalID{}
}

// WithPrincipalID injects the acting principal into the context.
func WithPrincipalID(ctx context.Context, pid id.PrincipalID) context.Context {
	return context.WithValue(ctx, principalIDKey{}, pid)
}

// RequestID retrieves the correlation ID from the context.
func RequestID(ctx context.Context) string {
	if rid, ok := ctx.Value(requestIDKey{}).(string); ok {
		return rid
	}
	return ""
}

// WithRequestID injects a correlation ID into the context.
func WithRequestID(ctx context.Context, rid string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, rid)
}

// OriginIP retrieves the client IP recorded with consent actions.
func OriginIP(ctx context.Context) string {
	if ip, ok := ctx.Value(originIPKey{}).(string); ok {
		return ip
	}
	return ""
}

// WithOriginIP injects the client IP into the context.
func WithOriginIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, originIPKey{}, ip)
}

// Now returns the request time when one was injected, time.Now otherwise.
// Services must use this instead of time.Now so eligibility math is
// deterministic under test.
func Now(ctx context.Context) time.Time {
	if t, ok := ctx.Value(requestTimeKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the clock for the rest of the request.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, requestTimeKey{}, t)
}
