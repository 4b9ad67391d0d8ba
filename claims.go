package nblocks

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Claims is the verified payload of an access token.
type Claims map[string]interface{}

// Subject returns the sub claim, or "" if it is absent or not a string.
func (c Claims) Subject() string {
	s, _ := c["sub"].(string)
	return s
}

// Issuer returns the iss claim, or "" if it is absent or not a string.
func (c Claims) Issuer() string {
	s, _ := c["iss"].(string)
	return s
}

// Expiry returns the exp claim as a time. ok is false if the claim is
// missing or not numeric.
func (c Claims) Expiry() (t time.Time, ok bool) {
	secs, ok := numericDate(c["exp"])
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Unmarshal round-trips the claims through JSON into the passed type, for
// callers that want their own struct.
func (c Claims) Unmarshal(into interface{}) error {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling claims: %w", err)
	}
	return json.Unmarshal(b, into)
}

func numericDate(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}
