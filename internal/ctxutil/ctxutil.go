// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server wires up the MCP server, and mcp needs to read the JWT claims
// that server's auth middleware put on the context. Both import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/keiyaku/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyUserID    contextKey = "user_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyUserID, claims.UserID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// UserIDFromContext extracts the authenticated user ID from the context.
func UserIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyUserID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying a request ID.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
