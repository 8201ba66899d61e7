package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/voltguard/voltguard/internal/errors"
	"github.com/voltguard/voltguard/internal/models"
)

// expiryLeeway tolerates modest clock skew between issuer and verifier.
const expiryLeeway = 30 * time.Second

// Claims embeds the registered JWT claims plus the role and token kind.
type Claims struct {
	jwt.RegisteredClaims
	Role models.Role      `json:"role"`
	Kind models.TokenKind `json:"kind"`
}

// TokenIssuer mints and verifies signed bearer tokens. The signing
// secret is symmetric and loaded once from configuration.
type TokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer constructs an issuer with the configured lifetimes.
func NewTokenIssuer(secret string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}
}

// AccessTTL returns the configured access-token lifetime.
func (t *TokenIssuer) AccessTTL() time.Duration {
	return t.accessTTL
}

// Mint signs a token of the given kind for a user.
func (t *TokenIssuer) Mint(user *models.User, kind models.TokenKind) (string, error) {
	ttl := t.accessTTL
	if kind == models.TokenRefresh {
		ttl = t.refreshTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: user.Role,
		Kind: kind,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindFatal, "auth.mint", "failed to sign token", err)
	}
	return signed, nil
}

// Verify parses and validates a token, enforcing the expected kind.
func (t *TokenIssuer) Verify(tokenString string, kind models.TokenKind) (*Claims, error) {
	const op = "auth.verify"
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.New(apperrors.KindUnauthorized, op, "Unexpected signing method")
		}
		return t.secret, nil
	}, jwt.WithLeeway(expiryLeeway), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, apperrors.Wrap(apperrors.KindUnauthorized, op, "Invalid or expired token", err)
	}
	if claims.Kind != kind {
		return nil, apperrors.New(apperrors.KindUnauthorized, op, "Wrong token kind")
	}
	return claims, nil
}
