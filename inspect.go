package nblocks

import (
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
)

// DefaultRefreshBuffer is how close to expiry an access token may get before
// the gate refreshes it.
const DefaultRefreshBuffer = 300 * time.Second

// ExpiresAt returns the exp claim of raw without verifying its signature.
// The result must only be used to decide whether to refresh, never to
// authorize.
func ExpiresAt(raw string) (time.Time, error) {
	if n := strings.Count(raw, "."); n != 2 {
		return time.Time{}, newError(KindMalformedToken, "token has %d segments, want 3", n+1)
	}

	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return time.Time{}, newError(KindMalformedToken, "parsing token: %v", err)
	}

	var cl struct {
		Expiry *jwt.NumericDate `json:"exp"`
	}
	if err := tok.UnsafeClaimsWithoutVerification(&cl); err != nil {
		return time.Time{}, newError(KindMalformedToken, "decoding payload: %v", err)
	}
	if cl.Expiry == nil {
		return time.Time{}, newError(KindMalformedToken, "token has no exp claim")
	}

	return cl.Expiry.Time(), nil
}

// IsExpiringSoon reports whether raw expires in less than buffer from now.
// Tokens already past exp are always expiring soon.
func IsExpiringSoon(raw string, buffer time.Duration, now time.Time) (bool, error) {
	exp, err := ExpiresAt(raw)
	if err != nil {
		return false, err
	}
	return exp.Sub(now.UTC()) < buffer, nil
}
