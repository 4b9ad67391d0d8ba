// Package providertest runs an in-process identity provider for tests. It
// serves the key set, code exchange, refresh and login endpoints, and signs
// real RS256 tokens.
package providertest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
)

const (
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// Provider mocks out just enough of the identity provider for tests.
type Provider struct {
	AppID string

	server *httptest.Server

	mu            sync.Mutex
	issuer        string
	signing       *jose.JSONWebKey
	published     []jose.JSONWebKey
	codes         map[string]string
	refreshTokens map[string]string
	accessTTL     time.Duration
	now           func() time.Time
	refreshStatus int
	exchangeHook  func(subject string) map[string]interface{}

	jwksHits     int32
	exchangeHits int32
	refreshHits  int32
}

// New starts a provider for appID. Its issuer is the server's base URL.
// Callers must Close it.
func New(appID string) (*Provider, error) {
	p := &Provider{
		AppID:         appID,
		codes:         map[string]string{},
		refreshTokens: map[string]string{},
		accessTTL:     defaultAccessTTL,
		now:           time.Now,
	}

	if err := p.RotateKey(); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", p.handleKeys)
	mux.HandleFunc("/token/code/", p.handleCode)
	mux.HandleFunc("/token/refresh/", p.handleRefresh)
	mux.HandleFunc("/url/login/", p.handleLogin)

	p.server = httptest.NewServer(mux)
	p.issuer = p.server.URL

	return p, nil
}

func (p *Provider) Close() {
	p.server.Close()
}

// URL is the provider's base URL, and also its issuer.
func (p *Provider) URL() string {
	return p.server.URL
}

func (p *Provider) Issuer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.issuer
}

// SetIssuer changes the iss claim of tokens issued from now on.
func (p *Provider) SetIssuer(iss string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issuer = iss
}

func (p *Provider) JWKSURL() string {
	return p.server.URL + "/.well-known/jwks.json"
}

// SetAccessTTL changes the lifetime of access tokens issued from now on.
func (p *Provider) SetAccessTTL(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessTTL = d
}

// SetClock overrides time.Now for issued tokens.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// FailRefresh makes the refresh endpoint answer with status. Zero restores
// normal behaviour.
func (p *Provider) FailRefresh(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshStatus = status
}

// SetIDTokenClaims lets a test override id_token claims returned by the
// code exchange.
func (p *Provider) SetIDTokenClaims(fn func(subject string) map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeHook = fn
}

// RotateKey generates a new signing key with a new key id, and publishes it
// alongside the previous keys.
func (p *Provider) RotateKey() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	kid := randString(8)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.signing = &jose.JSONWebKey{
		Key:       key,
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}
	p.published = append(p.published, jose.JSONWebKey{
		Key:       key.Public(),
		KeyID:     kid,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	})
	return nil
}

// PublicKeys returns the currently published key set.
func (p *Provider) PublicKeys() jose.JSONWebKeySet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return jose.JSONWebKeySet{Keys: append([]jose.JSONWebKey(nil), p.published...)}
}

// IssueCode returns an authorization code that exchanges for a token pair
// for subject.
func (p *Provider) IssueCode(subject string) string {
	code := randString(16)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes[code] = subject
	return code
}

// IssueAccessToken signs an access token for subject expiring after ttl.
func (p *Provider) IssueAccessToken(subject string, ttl time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signLocked(p.standardClaimsLocked(subject, ttl))
}

// IssuePair signs an access token with the given ttl and registers a
// refresh token for subject.
func (p *Provider) IssuePair(subject string, accessTTL time.Duration) (access, refresh string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pairLocked(subject, accessTTL)
}

// Sign signs arbitrary claims with the current key.
func (p *Provider) Sign(claims map[string]interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signLocked(claims)
}

// Hits returns how often each endpoint has been called.
func (p *Provider) Hits() (jwks, exchange, refresh int) {
	return int(atomic.LoadInt32(&p.jwksHits)), int(atomic.LoadInt32(&p.exchangeHits)), int(atomic.LoadInt32(&p.refreshHits))
}

func (p *Provider) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "not GET request", http.StatusMethodNotAllowed)
		return
	}
	atomic.AddInt32(&p.jwksHits, 1)

	w.Header().Set("Content-Type", "application/jwk-set+json")
	ks := p.PublicKeys()
	if err := json.NewEncoder(w).Encode(&ks); err != nil {
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
}

func (p *Provider) handleCode(w http.ResponseWriter, r *http.Request) {
	if !p.checkPost(w, r, "/token/code/") {
		return
	}
	atomic.AddInt32(&p.exchangeHits, 1)

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.codes[req.Code]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "unknown code")
		return
	}
	delete(p.codes, req.Code)

	access, refresh, err := p.pairLocked(sub, p.accessTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	idClaims := p.standardClaimsLocked(sub, p.accessTTL)
	idClaims["aud"] = p.AppID
	if p.exchangeHook != nil {
		for k, v := range p.exchangeHook(sub) {
			idClaims[k] = v
		}
	}
	idToken, err := p.signLocked(idClaims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
		"id_token":      idToken,
	})
}

func (p *Provider) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !p.checkPost(w, r, "/token/refresh/") {
		return
	}
	atomic.AddInt32(&p.refreshHits, 1)

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing refreshToken")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refreshStatus != 0 {
		writeError(w, p.refreshStatus, "invalid_grant", "refresh rejected")
		return
	}

	sub, ok := p.refreshTokens[req.RefreshToken]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_grant", "unknown refresh token")
		return
	}
	// refresh tokens are single use
	delete(p.refreshTokens, req.RefreshToken)

	access, refresh, err := p.pairLocked(sub, p.accessTTL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (p *Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/url/login/") != p.AppID {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>login</body></html>"))
}

func (p *Provider) checkPost(w http.ResponseWriter, r *http.Request, prefix string) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "not a POST request", http.StatusMethodNotAllowed)
		return false
	}
	if strings.TrimPrefix(r.URL.Path, prefix) != p.AppID {
		http.NotFound(w, r)
		return false
	}
	return true
}

func (p *Provider) standardClaimsLocked(subject string, ttl time.Duration) map[string]interface{} {
	now := p.now()
	return map[string]interface{}{
		"iss": p.issuer,
		"sub": subject,
		"aud": p.AppID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
}

func (p *Provider) pairLocked(subject string, accessTTL time.Duration) (string, string, error) {
	access, err := p.signLocked(p.standardClaimsLocked(subject, accessTTL))
	if err != nil {
		return "", "", err
	}

	rc := p.standardClaimsLocked(subject, defaultRefreshTTL)
	rc["jti"] = randString(16)
	rc["typ"] = "refresh"
	refresh, err := p.signLocked(rc)
	if err != nil {
		return "", "", err
	}
	p.refreshTokens[refresh] = subject

	return access, refresh, nil
}

func (p *Provider) signLocked(claims map[string]interface{}) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: p.signing}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}
	return jwt.Signed(signer).Claims(claims).CompactSerialize()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func randString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
