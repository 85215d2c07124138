// ABOUTME: Request identity context for tracking callers through tool invocations
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
)

// Identity holds the caller information extracted from a downstream request.
// It is populated by the HTTP middleware and read by the credit gate and the
// audit buffer; inner components never carry these fields through signatures.
type Identity struct {
	APIKey    string
	UserID    string
	UserEmail string
	RequestID string
}

// APIKeyPrefix returns a loggable prefix of the API key (never the full key).
func (id *Identity) APIKeyPrefix() string {
	if id == nil || id.APIKey == "" {
		return ""
	}
	if len(id.APIKey) <= 8 {
		return id.APIKey
	}
	return id.APIKey[:8]
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}
