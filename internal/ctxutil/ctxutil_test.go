package ctxutil_test

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/kenkyu/internal/auth"
	"github.com/ashita-ai/kenkyu/internal/ctxutil"
)

func TestClaimsRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, ctxutil.ClaimsFromContext(ctx))
	assert.Empty(t, ctxutil.UsernameFromContext(ctx))

	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "demo"}}
	ctx = ctxutil.WithClaims(ctx, claims)
	assert.Same(t, claims, ctxutil.ClaimsFromContext(ctx))
	assert.Equal(t, "demo", ctxutil.UsernameFromContext(ctx))
}

func TestRequestID(t *testing.T) {
	ctx := ctxutil.WithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", ctxutil.RequestIDFromContext(ctx))
	assert.Empty(t, ctxutil.RequestIDFromContext(context.Background()))
}
