package shared

import (
	"context"

	"github.com/google/uuid"
)

type deliveryIDKey struct{}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// NewRunID generates a new agent run id.
func NewRunID() string {
	return uuid.NewString()
}

// WithDeliveryID attaches a webhook delivery id to the context.
func WithDeliveryID(ctx context.Context, deliveryID string) context.Context {
	return context.WithValue(ctx, deliveryIDKey{}, deliveryID)
}

// DeliveryID extracts the webhook delivery id from context. Returns "" if absent.
func DeliveryID(ctx context.Context) string {
	if v, ok := ctx.Value(deliveryIDKey{}).(string); ok {
		return v
	}
	return ""
}
