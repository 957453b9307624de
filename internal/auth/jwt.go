package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier checks identity tokens presented at connection admission.
// Token issuance lives in the auth service; this side only verifies.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

type claims struct {
	UserID int `json:"id"`
	jwt.RegisteredClaims
}

// Verify parses the token and returns the authenticated user id.
func (v *Verifier) Verify(token string) (int, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	})
	if err != nil {
		return 0, ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.UserID == 0 {
		return 0, ErrInvalidToken
	}
	return c.UserID, nil
}
