package mutation

import (
	"context"

	"github.com/google/uuid"
)

// IDProvider issues mutation identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type mutationIDKey struct{}

// ContextWithID attaches the mutation id to a request context so transports
// can forward it as an idempotency key.
func ContextWithID(ctx context.Context, mutationID string) context.Context {
	return context.WithValue(ctx, mutationIDKey{}, mutationID)
}

// IDFromContext returns the mutation id attached by ContextWithID.
func IDFromContext(ctx context.Context) (string, bool) {
	mutationID, ok := ctx.Value(mutationIDKey{}).(string)
	return mutationID, ok && mutationID != ""
}
