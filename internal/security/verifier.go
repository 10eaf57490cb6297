package security

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTokenInvalid   = errors.New("token invalid")
	ErrTokenExpired   = errors.New("token expired")
	ErrIssuerMismatch = errors.New("token issuer mismatch")
	ErrNoPrincipal    = errors.New("token carries no user id")
)

// AccessTokenVerifier checks a bearer token issued by the auth service.
type AccessTokenVerifier interface {
	VerifyAccessToken(token string) (TokenClaims, error)
}

type TokenClaims struct {
	UserID  string
	Role    string
	Exp     time.Time
	Issuer  string
	Subject string
}

// Principal returns the caller id. Tokens minted before the uid claim existed
// only carry the user in sub.
func (c TokenClaims) Principal() (uuid.UUID, error) {
	raw := strings.TrimSpace(c.UserID)
	if raw == "" {
		raw = strings.TrimSpace(c.Subject)
	}
	if raw == "" {
		return uuid.Nil, ErrNoPrincipal
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrNoPrincipal
	}
	return id, nil
}
