package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"ipguard/internal/domain"
	"ipguard/internal/support"

	"github.com/charmbracelet/log"
	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 12 * time.Hour

var (
	fallbackSecret     []byte
	fallbackSecretOnce sync.Once
)

// signingKey reads JWT_SECRET on every call. Without it a random per-process
// key is used, which invalidates all tokens on restart.
func signingKey() []byte {
	if secret := support.GetEnv("JWT_SECRET", ""); secret != "" {
		return []byte(secret)
	}

	fallbackSecretOnce.Do(func() {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			panic(fmt.Sprintf("auth: generate fallback secret: %v", err))
		}
		fallbackSecret = []byte(hex.EncodeToString(buf))
		log.Warn("JWT_SECRET is not set, using an ephemeral signing key")
	})
	return fallbackSecret
}

func GenerateJWT(userID uint, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey())
}

func ValidateJWT(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return signingKey(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// SessionIssuer mints session tokens for users who passed the trust checks.
type SessionIssuer struct {
	TTL func() time.Duration
}

func (s SessionIssuer) IssueSession(user *domain.User) (string, error) {
	if user == nil {
		return "", errors.New("auth: nil user")
	}
	ttl := defaultTokenTTL
	if s.TTL != nil {
		ttl = s.TTL()
	}
	return GenerateJWT(user.ID, user.Role, ttl)
}
