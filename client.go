package nblocks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultProviderURL is the hosted Nblocks identity provider.
	DefaultProviderURL = "https://auth.nblocks.cloud"

	defaultHTTPTimeout = 10 * time.Second
	// token responses are a few KB at most
	maxResponseBytes = 1 << 20
)

// CodeExchanger trades an authorization code for a token pair.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (*TokenPair, error)
}

// TokenRefresher trades a refresh token for a new token pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
}

var (
	_ CodeExchanger  = (*Client)(nil)
	_ TokenRefresher = (*Client)(nil)
)

// Client talks to the identity provider's token endpoints on behalf of one
// application.
type Client struct {
	base  url.URL
	appID string

	hc  *http.Client
	log logrus.FieldLogger
}

// ClientOpt can be used to customize the client
// nolint:golint
type ClientOpt func(*Client)

// WithHTTPClient sets the client used for calls to the provider. The
// default has a 10 second timeout.
func WithHTTPClient(hc *http.Client) ClientOpt {
	return func(c *Client) {
		c.hc = hc
	}
}

func WithClientLogger(l logrus.FieldLogger) ClientOpt {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient returns a client for appID at the provider rooted at
// providerURL.
func NewClient(providerURL, appID string, opts ...ClientOpt) (*Client, error) {
	if appID == "" {
		return nil, fmt.Errorf("app id is required")
	}
	u, err := url.Parse(providerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("provider url %q must be absolute", providerURL)
	}

	c := &Client{
		base:  *u,
		appID: appID,
		hc:    &http.Client{Timeout: defaultHTTPTimeout},
		log:   discardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// AppID returns the application this client acts for.
func (c *Client) AppID() string {
	return c.appID
}

// LoginURL is the provider's hosted login page for this application.
func (c *Client) LoginURL() string {
	return c.absURL("url", "login", c.appID)
}

// JWKSURL is where the provider publishes its signing keys.
func (c *Client) JWKSURL() string {
	return c.absURL(".well-known", "jwks.json")
}

type codeResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// Exchange the returned code for a set of tokens. The response must carry
// an access, refresh and id token.
func (c *Client) Exchange(ctx context.Context, code string) (*TokenPair, error) {
	var resp codeResponse
	if err := c.post(ctx, c.absURL("token", "code", c.appID), map[string]string{"code": code}, &resp); err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	if err := requireFields(map[string]string{
		"access_token":  resp.AccessToken,
		"refresh_token": resp.RefreshToken,
		"id_token":      resp.IDToken,
	}); err != nil {
		return nil, fmt.Errorf("exchanging code: %w", err)
	}

	return &TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
	}, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh submits refreshToken for a new pair. The response must carry both
// an access and refresh token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var resp refreshResponse
	if err := c.post(ctx, c.absURL("token", "refresh", c.appID), map[string]string{"refreshToken": refreshToken}, &resp); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if err := requireFields(map[string]string{
		"access_token":  resp.AccessToken,
		"refresh_token": resp.RefreshToken,
	}); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return &TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}, into interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer res.Body.Close()

	rb, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.log.WithField("endpoint", endpoint).WithField("status", res.StatusCode).Debug("provider rejected request")
		return &HTTPError{Response: res, Body: rb}
	}

	if err := json.Unmarshal(rb, into); err != nil {
		return fmt.Errorf("failed decoding response body: %w", err)
	}
	return nil
}

// requireFields fails naming every empty field, so a schema change at the
// provider is obvious in logs.
func requireFields(fields map[string]string) error {
	var missing []string
	for _, name := range []string{"access_token", "refresh_token", "id_token"} {
		v, ok := fields[name]
		if ok && v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("response missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Client) absURL(pathItems ...string) string {
	u := c.base
	paths := make([]string, len(pathItems)+1)
	paths[0] = c.base.Path
	copy(paths[1:], pathItems)
	u.Path = path.Join(paths...)
	if !strings.HasPrefix(u.Path, "/") {
		u.Path = "/" + u.Path
	}
	return u.String()
}
