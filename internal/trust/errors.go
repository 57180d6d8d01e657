package trust

import (
	"errors"
	"fmt"

	"ipguard/internal/support"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOriginBanned       = errors.New("origin banned")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrExpiredCode        = errors.New("verification code expired")
	ErrTransientStore     = errors.New("trust store unavailable")
	ErrRecordNotFound     = errors.New("trust record not found")
	ErrDelivery           = errors.New("verification code delivery failed")

	// ErrInvalidAddress is shared with the stores, which canonicalize every address they touch.
	ErrInvalidAddress = support.ErrInvalidAddress
)

// storeError wraps a persistence failure so callers can match ErrTransientStore
// while keeping the underlying cause.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrInvalidAddress) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}
