package security_test

import (
	"testing"
	"time"

	"github.com/baechuer/real-time-ressys/services/reservation-service/internal/security"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, method jwt.SigningMethod, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	require.NoError(t, err)
	return s
}

func TestHS256Verifier_VerifyAccessToken(t *testing.T) {
	secret := []byte("supersecret")
	v := security.NewHS256Verifier(string(secret), security.WithIssuer("auth-service"))
	uid := uuid.NewString()

	base := func(exp time.Time) jwt.MapClaims {
		return jwt.MapClaims{"uid": uid, "role": "user", "iss": "auth-service", "exp": exp.Unix()}
	}

	t.Run("valid token", func(t *testing.T) {
		claims, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, base(time.Now().Add(time.Hour))))
		require.NoError(t, err)
		assert.Equal(t, uid, claims.UserID)
		assert.Equal(t, "user", claims.Role)
		assert.Equal(t, "auth-service", claims.Issuer)

		p, err := claims.Principal()
		require.NoError(t, err)
		assert.Equal(t, uid, p.String())
	})

	t.Run("expired token", func(t *testing.T) {
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, base(time.Now().Add(-time.Minute))))
		assert.ErrorIs(t, err, security.ErrTokenExpired)
	})

	t.Run("skew within leeway", func(t *testing.T) {
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, base(time.Now().Add(-2*time.Second))))
		assert.NoError(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := base(time.Now().Add(time.Hour))
		c["iss"] = "someone-else"
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, secret, c))
		assert.ErrorIs(t, err, security.ErrIssuerMismatch)
	})

	t.Run("wrong signature", func(t *testing.T) {
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS256, []byte("othersecret"), base(time.Now().Add(time.Hour))))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("malformed token", func(t *testing.T) {
		_, err := v.VerifyAccessToken("not.a.jwt")
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})

	t.Run("wrong algorithm", func(t *testing.T) {
		_, err := v.VerifyAccessToken(sign(t, jwt.SigningMethodHS512, secret, base(time.Now().Add(time.Hour))))
		assert.ErrorIs(t, err, security.ErrTokenInvalid)
	})
}

func TestTokenClaims_Principal(t *testing.T) {
	id := uuid.New()

	p, err := security.TokenClaims{Subject: id.String()}.Principal()
	require.NoError(t, err)
	assert.Equal(t, id, p)

	_, err = security.TokenClaims{}.Principal()
	assert.ErrorIs(t, err, security.ErrNoPrincipal)

	_, err = security.TokenClaims{UserID: "42"}.Principal()
	assert.ErrorIs(t, err, security.ErrNoPrincipal)
}
