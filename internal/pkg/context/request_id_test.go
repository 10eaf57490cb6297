package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))
	assert.Equal(t, "none", RequestIDOr(ctx, "none"))

	ctx = WithRequestID(ctx, "rid-1")
	assert.Equal(t, "rid-1", GetRequestID(ctx))
	assert.Equal(t, "rid-1", RequestIDOr(ctx, "none"))
}
