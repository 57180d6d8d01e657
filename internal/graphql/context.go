package graphql

import (
	"context"
	"errors"
)

// ErrUnauthenticated is returned by resolvers when no viewer is attached.
var ErrUnauthenticated = errors.New("unauthenticated")

type viewerKey struct{}

// WithUserID attaches the signed-in user the schema resolves "viewer" for.
func WithUserID(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, viewerKey{}, userID)
}

func UserIDFromContext(ctx context.Context) (uint, error) {
	if ctx == nil {
		return 0, ErrUnauthenticated
	}
	userID, _ := ctx.Value(viewerKey{}).(uint)
	if userID == 0 {
		return 0, ErrUnauthenticated
	}
	return userID, nil
}
