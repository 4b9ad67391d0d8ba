package nblocks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

const testIssuer = "https://auth.example.com"

// testNow is a fixed clock. Tokens carry whole-second times, so it is kept
// on a second boundary.
var testNow = time.Unix(1700000000, 0).UTC()

type testKey struct {
	priv *rsa.PrivateKey
	kid  string
}

var (
	testKeysMu sync.Mutex
	testKeys   = map[string]*testKey{}
)

// mustKey returns a 2048 bit RSA key for kid, generating it once per test
// binary.
func mustKey(t *testing.T, kid string) *testKey {
	t.Helper()

	testKeysMu.Lock()
	defer testKeysMu.Unlock()

	if k, ok := testKeys[kid]; ok {
		return k
	}
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	k := &testKey{priv: priv, kid: kid}
	testKeys[kid] = k
	return k
}

func (k *testKey) public() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.priv.Public(),
		KeyID:     k.kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
}

func keySet(keys ...*testKey) jose.JSONWebKeySet {
	ks := jose.JSONWebKeySet{}
	for _, k := range keys {
		ks.Keys = append(ks.Keys, k.public())
	}
	return ks
}

// sign signs claims with k. The kid header is set unless omitKID.
func (k *testKey) sign(t *testing.T, claims map[string]interface{}, omitKID bool) string {
	t.Helper()

	var key interface{} = &jose.JSONWebKey{Key: k.priv, KeyID: k.kid, Algorithm: string(jose.RS256)}
	if omitKID {
		key = k.priv
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// claimsFor returns standard claims for sub, expiring ttl after testNow.
func claimsFor(sub string, ttl time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"iss": testIssuer,
		"sub": sub,
		"iat": testNow.Unix(),
		"exp": testNow.Add(ttl).Unix(),
	}
}

func testClock() time.Time {
	return testNow
}

// fakeKeySource serves one set from Keys and another from Refetch, and
// counts calls to each.
type fakeKeySource struct {
	mu        sync.Mutex
	keys      jose.JSONWebKeySet
	next      *jose.JSONWebKeySet
	err       error
	gets      int
	refetches int
}

func (f *fakeKeySource) Keys(context.Context) (*jose.JSONWebKeySet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	ks := f.keys
	return &ks, nil
}

func (f *fakeKeySource) Refetch(context.Context) (*jose.JSONWebKeySet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refetches++
	if f.err != nil {
		return nil, f.err
	}
	if f.next != nil {
		f.keys = *f.next
	}
	ks := f.keys
	return &ks, nil
}

// memStore is a SessionStore kept in memory, recording every write.
type memStore struct {
	tokens  *TokenPair
	loadErr error
	saveErr error
	saves   int
	clears  int
}

func (m *memStore) Load(*http.Request) (*TokenPair, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.tokens == nil {
		return &TokenPair{}, nil
	}
	tp := *m.tokens
	return &tp, nil
}

func (m *memStore) Save(w http.ResponseWriter, _ *http.Request, tokens *TokenPair) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	tp := *tokens
	m.tokens = &tp
	http.SetCookie(w, &http.Cookie{Name: "access_token", Value: tokens.AccessToken})
	return nil
}

func (m *memStore) Clear(http.ResponseWriter, *http.Request) error {
	m.clears++
	m.tokens = nil
	return nil
}

// fakeProvider implements CodeExchanger and TokenRefresher.
type fakeProvider struct {
	pairs     map[string]*TokenPair
	err       error
	exchanged []string
	refreshed []string
}

func (f *fakeProvider) Exchange(_ context.Context, code string) (*TokenPair, error) {
	f.exchanged = append(f.exchanged, code)
	if f.err != nil {
		return nil, f.err
	}
	tp, ok := f.pairs[code]
	if !ok {
		return nil, errors.New("unknown code")
	}
	return tp, nil
}

func (f *fakeProvider) Refresh(_ context.Context, refreshToken string) (*TokenPair, error) {
	f.refreshed = append(f.refreshed, refreshToken)
	if f.err != nil {
		return nil, f.err
	}
	tp, ok := f.pairs[refreshToken]
	if !ok {
		return nil, errors.New("unknown refresh token")
	}
	return tp, nil
}

func newRequest() (*httptest.ResponseRecorder, *http.Request) {
	return httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/secure", nil)
}
