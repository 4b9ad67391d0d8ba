package nblocks

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies why a session could not be authenticated.
type ErrorKind int

const (
	// KindMalformedToken indicates a token could not be decoded as a JWT, or
	// is missing required structure such as a numeric exp claim.
	KindMalformedToken ErrorKind = iota + 1
	// KindSignatureInvalid indicates no key in the current key set verifies
	// the token.
	KindSignatureInvalid
	// KindIssuerMismatch indicates the iss claim is not the trusted issuer.
	KindIssuerMismatch
	// KindTokenExpired indicates the token is outside its validity window.
	KindTokenExpired
	// KindKeyFetch indicates the provider's key set could not be retrieved.
	KindKeyFetch
	// KindRefreshDenied indicates the provider did not issue a new token
	// pair for the refresh token.
	KindRefreshDenied
	// KindMissingSession indicates the request carried no complete token
	// pair.
	KindMissingSession
	// KindMissingCode indicates an OAuth callback arrived without a code.
	KindMissingCode
	// KindExchangeFailed indicates the provider rejected a code exchange.
	KindExchangeFailed
	// KindIDTokenInvalid indicates the id_token returned at login failed
	// verification.
	KindIDTokenInvalid
	// KindSessionStore indicates the session could not be read or written.
	KindSessionStore
)

var kindNames = map[ErrorKind]string{
	KindMalformedToken:   "malformed_token",
	KindSignatureInvalid: "signature_invalid",
	KindIssuerMismatch:   "issuer_mismatch",
	KindTokenExpired:     "token_expired",
	KindKeyFetch:         "key_fetch",
	KindRefreshDenied:    "refresh_denied",
	KindMissingSession:   "missing_session",
	KindMissingCode:      "missing_code",
	KindExchangeFailed:   "exchange_failed",
	KindIDTokenInvalid:   "id_token_invalid",
	KindSessionStore:     "session_store",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Error is returned by every operation in this package that can reject a
// session. Kind is stable and safe to log or count; Err carries the detail.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets the
// Err* sentinels be used with errors.Is regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Sentinels for use with errors.Is.
var (
	ErrMalformedToken   = &Error{Kind: KindMalformedToken}
	ErrSignatureInvalid = &Error{Kind: KindSignatureInvalid}
	ErrIssuerMismatch   = &Error{Kind: KindIssuerMismatch}
	ErrTokenExpired     = &Error{Kind: KindTokenExpired}
	ErrKeyFetch         = &Error{Kind: KindKeyFetch}
	ErrRefreshDenied    = &Error{Kind: KindRefreshDenied}
	ErrMissingSession   = &Error{Kind: KindMissingSession}
	ErrMissingCode      = &Error{Kind: KindMissingCode}
	ErrExchangeFailed   = &Error{Kind: KindExchangeFailed}
	ErrIDTokenInvalid   = &Error{Kind: KindIDTokenInvalid}
	ErrSessionStore     = &Error{Kind: KindSessionStore}
)

// ErrUnknownKeyID is wrapped inside a KindSignatureInvalid error when the
// token names a key id that is not in the key set.
var ErrUnknownKeyID = errors.New("unknown key id")

// KindOf returns the kind of the first *Error in err's chain, or 0 if there
// is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// HTTPError indicates the identity provider answered with a non-success
// status. It exposes details about the returned response for logging; it
// must not be echoed to end users.
type HTTPError struct {
	Response *http.Response
	Body     []byte
	Cause    error
}

func (h *HTTPError) Error() string {
	return fmt.Sprintf("http status %s: %s", h.Response.Status, string(h.Body))
}

func (h *HTTPError) Unwrap() error {
	return h.Cause
}
