package core

import (
	"context"

	"github.com/google/uuid"
)

type ctxKeyRequestID struct{}

// WithRequestID returns a context carrying the given request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, requestID)
}

// GetRequestID extracts the request id, empty when none is set.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyRequestID{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID mints a fresh request id.
func GenerateRequestID() string {
	return uuid.New().String()
}

// WithNewRequestID returns a context carrying a freshly minted request id.
func WithNewRequestID(ctx context.Context) context.Context {
	return WithRequestID(ctx, GenerateRequestID())
}
