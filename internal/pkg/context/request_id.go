// Package context carries request-scoped correlation values.
package context

import "context"

type requestIDKey struct{}

// WithRequestID stores the id that ties logs, error bodies and outbox
// messages of one request or delivery together.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func GetRequestID(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// RequestIDOr returns the request id, or fallback when none is set.
func RequestIDOr(ctx context.Context, fallback string) string {
	if id := GetRequestID(ctx); id != "" {
		return id
	}
	return fallback
}
