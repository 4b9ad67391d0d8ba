package nblocks

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorKinds(t *testing.T) {
	for _, tc := range []struct {
		Name     string
		In       error
		Sentinel error
		Kind     ErrorKind
		Want     string
	}{
		{
			Name:     "Signature",
			In:       newError(KindSignatureInvalid, "no key verified token"),
			Sentinel: ErrSignatureInvalid,
			Kind:     KindSignatureInvalid,
			Want:     "signature_invalid: no key verified token",
		},
		{
			Name:     "Wrapped refresh",
			In:       fmt.Errorf("gate: %w", newError(KindRefreshDenied, "provider said no")),
			Sentinel: ErrRefreshDenied,
			Kind:     KindRefreshDenied,
			Want:     "gate: refresh_denied: provider said no",
		},
		{
			Name:     "Bare kind",
			In:       &Error{Kind: KindMissingSession},
			Sentinel: ErrMissingSession,
			Kind:     KindMissingSession,
			Want:     "missing_session",
		},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			if !errors.Is(tc.In, tc.Sentinel) {
				t.Errorf("want %v to match sentinel %v", tc.In, tc.Sentinel)
			}
			if errors.Is(tc.In, ErrIssuerMismatch) {
				t.Errorf("%v should not match issuer mismatch", tc.In)
			}
			if got := KindOf(tc.In); got != tc.Kind {
				t.Errorf("want kind %s, got %s", tc.Kind, got)
			}
			if tc.In.Error() != tc.Want {
				t.Errorf("want: %s, got: %s", tc.Want, tc.In.Error())
			}
		})
	}
}

func TestUnknownKeyIDUnwraps(t *testing.T) {
	err := &Error{Kind: KindSignatureInvalid, Err: fmt.Errorf("kid abc: %w", ErrUnknownKeyID)}
	if !errors.Is(err, ErrUnknownKeyID) {
		t.Error("want unknown key id to be reachable through the error chain")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != 0 {
		t.Errorf("want no kind, got %s", got)
	}
}

func TestHTTPError(t *testing.T) {
	herr := &HTTPError{
		Response: &http.Response{StatusCode: 500, Status: "500 Internal Server Error"},
		Body:     []byte("Boomtown"),
	}
	if want := "http status 500 Internal Server Error: Boomtown"; herr.Error() != want {
		t.Errorf("want: %s, got: %s", want, herr.Error())
	}
}
