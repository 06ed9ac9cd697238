// Package auth turns identity-provider ID tokens into the signed-in
// identity the sync core runs for, and broadcasts sign-in and sign-out.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/fishkeeper/internal/common"
	"github.com/dmitrijs2005/fishkeeper/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims содержит утверждения ID-токена: стандартные плюс email и user_id,
// который некоторые провайдеры кладут вместо sub.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email"`
}

// GenerateToken issues an HS256 ID token. It backs local development and
// tests; production tokens come from the identity provider.
func GenerateToken(userID, email string, secretKey []byte, validityDuration time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(validityDuration)),
		},
		Email: email,
	})
	return token.SignedString(secretKey)
}

// Verifier validates ID tokens signed with a shared HMAC key.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a verifier for secret. A non-empty issuer is
// enforced on every token.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: append([]byte(nil), secret...), issuer: issuer}
}

// Verify returns the identity carried by tokenString.
func (v *Verifier) Verify(tokenString string) (*models.Authenticated, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: expired", common.ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, common.ErrInvalidToken
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	email := strings.TrimSpace(claims.Email)
	if userID == "" || email == "" {
		return nil, fmt.Errorf("%w: missing user id or email", common.ErrInvalidToken)
	}
	return &models.Authenticated{UserID: userID, Email: email}, nil
}
