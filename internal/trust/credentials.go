package trust

import (
	"context"

	"ipguard/internal/domain"
	"ipguard/internal/support"
)

// PasswordVerifier checks an email and password against stored bcrypt hashes.
type PasswordVerifier struct {
	Users UserStore
}

func (v PasswordVerifier) VerifyCredentials(ctx context.Context, email, password string) (*domain.User, error) {
	user, err := v.Users.GetByEmail(ctx, email)
	if err != nil {
		return nil, storeError("load user", err)
	}
	if user == nil {
		support.BurnPasswordCheck(password)
		return nil, ErrInvalidCredentials
	}
	if !support.CheckPasswordHash(password, user.Password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
