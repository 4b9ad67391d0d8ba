package nblocks

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// TokenPair is the set of tokens the identity provider issues on code
// exchange and on refresh. A refresh supersedes the whole pair.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// IDToken is only returned by the code exchange.
	IDToken string `json:"id_token,omitempty"`
}

// Valid reports whether both the access and refresh token are present. It
// does not look inside either token.
func (t *TokenPair) Valid() bool {
	return t != nil && t.AccessToken != "" && t.RefreshToken != ""
}

// Type of the access token
func (t *TokenPair) Type() string {
	// only thing we support for now
	return "Bearer"
}

// OAuth2Token converts the pair for use with golang.org/x/oauth2. Expiry is
// taken from the access token's exp claim when it can be read.
func (t *TokenPair) OAuth2Token() *oauth2.Token {
	o2 := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.Type(),
		RefreshToken: t.RefreshToken,
	}
	if exp, err := ExpiresAt(t.AccessToken); err == nil {
		o2.Expiry = exp
	}
	return o2
}

// TokenSource returns a source that always yields this pair's access token.
// It never refreshes; refreshing is the gate's job.
func (t *TokenPair) TokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(t.OAuth2Token())
}

// HTTPClient returns a client that sends the pair's access token as a
// bearer credential, for calling APIs on behalf of the signed-in user.
func HTTPClient(ctx context.Context, t *TokenPair) *http.Client {
	return oauth2.NewClient(ctx, t.TokenSource())
}
