package rest

import (
	"context"

	"github.com/google/uuid"
)

type authCtxKey struct{}

// AuthContext is the authenticated caller of a request.
type AuthContext struct {
	UserID uuid.UUID
	Role   string
}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authCtxKey{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(authCtxKey{}).(AuthContext)
	if !ok || a.UserID == uuid.Nil {
		return AuthContext{}, false
	}
	return a, true
}
