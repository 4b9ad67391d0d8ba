package nblocks

import (
	"net/http"

	"github.com/sirupsen/logrus"
)

// LoginFlow completes the one-time OAuth handshake: it exchanges the
// callback's code, checks the resulting tokens, and creates the session.
type LoginFlow struct {
	exchanger CodeExchanger
	verifier  *Verifier
	idTokens  *IDTokenVerifier
	store     SessionStore
	loginURL  string

	log logrus.FieldLogger
}

type LoginOpt func(*LoginFlow)

// WithIDTokenVerifier enables id_token checks on login. Without it the
// id_token is stored but never inspected.
func WithIDTokenVerifier(v *IDTokenVerifier) LoginOpt {
	return func(l *LoginFlow) {
		l.idTokens = v
	}
}

func WithLoginLogger(lg logrus.FieldLogger) LoginOpt {
	return func(l *LoginFlow) {
		l.log = lg
	}
}

// NewLoginFlow creates a flow that sends users to loginURL to sign in.
func NewLoginFlow(exchanger CodeExchanger, verifier *Verifier, store SessionStore, loginURL string, opts ...LoginOpt) *LoginFlow {
	l := &LoginFlow{
		exchanger: exchanger,
		verifier:  verifier,
		store:     store,
		loginURL:  loginURL,
		log:       discardLogger(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// LoginURL is the provider page users are redirected to in order to sign in.
func (l *LoginFlow) LoginURL() string {
	return l.loginURL
}

// Complete exchanges code for a token pair, validates the access token,
// checks the id_token if configured, and saves the session. The error kind
// distinguishes a missing code, a rejected exchange, and tokens that failed
// validation.
func (l *LoginFlow) Complete(w http.ResponseWriter, r *http.Request, code string) (*Identity, error) {
	if code == "" {
		return nil, &Error{Kind: KindMissingCode}
	}

	ctx := r.Context()

	tokens, err := l.exchanger.Exchange(ctx, code)
	if err != nil {
		l.log.WithError(err).Warn("code exchange failed")
		return nil, &Error{Kind: KindExchangeFailed, Err: err}
	}

	claims, err := l.verifier.Verify(ctx, tokens.AccessToken)
	if err != nil {
		l.log.WithError(err).Warn("access token from code exchange failed validation")
		return nil, err
	}

	if l.idTokens != nil && tokens.IDToken != "" {
		sub, err := l.idTokens.Verify(ctx, tokens.IDToken)
		if err != nil {
			l.log.WithError(err).Warn("id_token failed validation")
			return nil, err
		}
		if sub != claims.Subject() {
			return nil, newError(KindIDTokenInvalid, "id_token subject %q does not match access token subject %q", sub, claims.Subject())
		}
	}

	if err := l.store.Save(w, r, tokens); err != nil {
		return nil, &Error{Kind: KindSessionStore, Err: err}
	}

	l.log.WithField("sub", claims.Subject()).Info("session created")

	return &Identity{Claims: claims, Tokens: *tokens}, nil
}

// Logout destroys the caller's session.
func (l *LoginFlow) Logout(w http.ResponseWriter, r *http.Request) error {
	if err := l.store.Clear(w, r); err != nil {
		return &Error{Kind: KindSessionStore, Err: err}
	}
	return nil
}
