package nblocks

import (
	"errors"
	"testing"
	"time"
)

func TestExpiresAt(t *testing.T) {
	k := mustKey(t, "inspect")

	got, err := ExpiresAt(k.sign(t, claimsFor("user", time.Hour), false))
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(testNow.Add(time.Hour)) {
		t.Errorf("want exp %s, got %s", testNow.Add(time.Hour), got)
	}

	// the signature is not checked: a token from an unknown key still reads
	other := mustKey(t, "unknown")
	if _, err := ExpiresAt(other.sign(t, claimsFor("user", time.Hour), true)); err != nil {
		t.Errorf("want exp readable without a key, got %v", err)
	}
}

func TestExpiresAtMalformed(t *testing.T) {
	k := mustKey(t, "inspect")
	noExp := claimsFor("user", time.Hour)
	delete(noExp, "exp")

	for _, tc := range []struct {
		Name string
		Raw  string
	}{
		{Name: "Empty", Raw: ""},
		{Name: "One segment", Raw: "abc"},
		{Name: "Two segments", Raw: "abc.def"},
		{Name: "Four segments", Raw: "a.b.c.d"},
		{Name: "Garbage segments", Raw: "!!!.???.***"},
		{Name: "Payload not JSON", Raw: "eyJhbGciOiJSUzI1NiJ9.bm90LWpzb24.c2ln"},
		{Name: "No exp claim", Raw: k.sign(t, noExp, false)},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			_, err := ExpiresAt(tc.Raw)
			if !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("want malformed token error, got %v", err)
			}
		})
	}
}

func TestIsExpiringSoon(t *testing.T) {
	k := mustKey(t, "inspect")

	for _, tc := range []struct {
		Name   string
		TTL    time.Duration
		Buffer time.Duration
		Want   bool
	}{
		{Name: "Far from expiry", TTL: time.Hour, Buffer: DefaultRefreshBuffer, Want: false},
		{Name: "Inside buffer", TTL: 60 * time.Second, Buffer: DefaultRefreshBuffer, Want: true},
		{Name: "Exactly at buffer", TTL: 300 * time.Second, Buffer: DefaultRefreshBuffer, Want: false},
		{Name: "One second inside buffer", TTL: 299 * time.Second, Buffer: DefaultRefreshBuffer, Want: true},
		{Name: "Already expired", TTL: -time.Minute, Buffer: DefaultRefreshBuffer, Want: true},
		{Name: "Zero buffer", TTL: time.Second, Buffer: 0, Want: false},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			got, err := IsExpiringSoon(k.sign(t, claimsFor("user", tc.TTL), false), tc.Buffer, testNow)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.Want {
				t.Errorf("want %v, got %v", tc.Want, got)
			}
		})
	}

	if _, err := IsExpiringSoon("not-a-token", DefaultRefreshBuffer, testNow); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("want malformed token error, got %v", err)
	}
}
