package chatsync

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT credential without verifying its
// signature; the backend does that. ok is false for opaque tokens and tokens
// without an exp claim.
func TokenExpiry(token string) (exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	t, err := claims.GetExpirationTime()
	if err != nil || t == nil {
		return time.Time{}, false
	}
	return t.Time, true
}

// checkCredential is the precondition for opening any channel.
func checkCredential(token string, now time.Time) error {
	if token == "" {
		return ErrMissingCredential
	}
	if exp, ok := TokenExpiry(token); ok && !now.Before(exp) {
		return fmt.Errorf("%w (expired %s)", ErrCredentialExpired, exp.Format(time.RFC3339))
	}
	return nil
}
