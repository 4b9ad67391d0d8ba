package nblocks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/sirupsen/logrus"
)

// Verifier validates access tokens against a trusted issuer and the keys
// from a KeySource.
type Verifier struct {
	issuer string
	ks     KeySource

	// clock returns the current time. time.Now is used by default.
	clock  func() time.Time
	leeway time.Duration
	log    logrus.FieldLogger
}

type VerifyOpt func(*Verifier)

// WithClock provides a custom clock that is used to determine the current time
// when verifying tokens.
func WithClock(clock func() time.Time) VerifyOpt {
	return func(v *Verifier) {
		v.clock = clock
	}
}

// WithLeeway allows exp and nbf to be off by up to d, to absorb clock skew
// between us and the provider. The default is no leeway.
func WithLeeway(d time.Duration) VerifyOpt {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithVerifierLogger sets the logger used to report key set refetches.
func WithVerifierLogger(l logrus.FieldLogger) VerifyOpt {
	return func(v *Verifier) {
		v.log = l
	}
}

func NewVerifier(issuer string, keySource KeySource, opts ...VerifyOpt) *Verifier {
	v := &Verifier{
		issuer: issuer,
		ks:     keySource,
		clock:  time.Now,
		log:    discardLogger(),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Issuer returns the trusted issuer tokens must carry.
func (v *Verifier) Issuer() string {
	return v.issuer
}

// Verify validates raw and returns its claims. If the token names a key id
// that is not in the current key set, the set is refetched once before the
// token is rejected, to pick up a provider key rotation.
func (v *Verifier) Verify(ctx context.Context, raw string) (Claims, error) {
	tok, err := parseForIssuer(raw, v.issuer)
	if err != nil {
		return nil, err
	}

	keys, err := v.ks.Keys(ctx)
	if err != nil {
		return nil, &Error{Kind: KindKeyFetch, Err: err}
	}

	cl, err := checkSigned(tok, keys, v.clock(), v.leeway)
	if err == nil || !errors.Is(err, ErrUnknownKeyID) {
		return cl, err
	}

	v.log.WithField("kid", tok.Headers[0].KeyID).Info("token signed by unknown key, refetching key set")

	keys, err = v.ks.Refetch(ctx)
	if err != nil {
		return nil, &Error{Kind: KindKeyFetch, Err: err}
	}

	return checkSigned(tok, keys, v.clock(), v.leeway)
}

// ValidateWithKeySet checks raw against keys and issuer at time now. The
// issuer is compared before the signature, so a foreign token is reported as
// an issuer mismatch whether or not its signature would verify. The
// audience is not checked.
func ValidateWithKeySet(raw string, keys *jose.JSONWebKeySet, issuer string, now time.Time) (Claims, error) {
	tok, err := parseForIssuer(raw, issuer)
	if err != nil {
		return nil, err
	}
	return checkSigned(tok, keys, now, 0)
}

func parseForIssuer(raw, issuer string) (*jwt.JSONWebToken, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return nil, newError(KindMalformedToken, "failed parsing raw: %v", err)
	}

	if len(tok.Headers) != 1 {
		return nil, newError(KindMalformedToken, "header must contain 1 header, found %d", len(tok.Headers))
	}

	var unverified jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&unverified); err != nil {
		return nil, newError(KindMalformedToken, "decoding payload: %v", err)
	}

	if issuer == "" || unverified.Issuer != issuer {
		return nil, newError(KindIssuerMismatch, "want issuer %q, got %q", issuer, unverified.Issuer)
	}

	return tok, nil
}

func checkSigned(tok *jwt.JSONWebToken, keys *jose.JSONWebKeySet, now time.Time, leeway time.Duration) (Claims, error) {
	if keys == nil {
		return nil, newError(KindKeyFetch, "no key set")
	}

	hdr := tok.Headers[0]

	candidates, err := candidateKeys(keys, hdr.KeyID)
	if err != nil {
		return nil, err
	}

	var (
		cl  Claims
		std jwt.Claims
	)
	verified := false
	for _, k := range candidates {
		if !usableForSignature(k, hdr.Algorithm) {
			continue
		}
		if err := tok.Claims(k.Key, &cl, &std); err == nil {
			verified = true
			break
		}
	}
	if !verified {
		return nil, newError(KindSignatureInvalid, "no key in set verifies token (kid %q, alg %s)", hdr.KeyID, hdr.Algorithm)
	}

	if std.Expiry == nil {
		return nil, newError(KindMalformedToken, "token has no exp claim")
	}
	if !now.Before(std.Expiry.Time().Add(leeway)) {
		return nil, newError(KindTokenExpired, "token expired at %s", std.Expiry.Time().UTC().Format(time.RFC3339))
	}
	if std.NotBefore != nil && now.Add(leeway).Before(std.NotBefore.Time()) {
		return nil, newError(KindTokenExpired, "token not valid before %s", std.NotBefore.Time().UTC().Format(time.RFC3339))
	}

	return cl, nil
}

// candidateKeys returns the keys matching kid, or every key when the token
// names none.
func candidateKeys(keys *jose.JSONWebKeySet, kid string) ([]jose.JSONWebKey, error) {
	if kid == "" {
		return keys.Keys, nil
	}
	matched := keys.Key(kid)
	if len(matched) == 0 {
		return nil, &Error{Kind: KindSignatureInvalid, Err: fmt.Errorf("kid %s: %w", kid, ErrUnknownKeyID)}
	}
	return matched, nil
}

func usableForSignature(k jose.JSONWebKey, alg string) bool {
	if k.Use == "enc" || !k.IsPublic() {
		return false
	}
	return k.Algorithm == "" || k.Algorithm == alg
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = io.Discard
	return l
}
