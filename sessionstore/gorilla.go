package sessionstore

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	nblocks "github.com/nebulr-group/nblocks-go"
)

const (
	defaultSessionName = "nblocks-session"

	sessionKeyAccessToken  = "access-token"
	sessionKeyRefreshToken = "refresh-token"
	sessionKeyIDToken      = "id-token"
)

var _ nblocks.SessionStore = (*GorillaStore)(nil)

// GorillaStore keeps the token pair inside a gorilla/sessions session, so
// the tokens are authenticated and optionally encrypted (cookie store) or
// kept server side (filesystem store).
type GorillaStore struct {
	store sessions.Store
	name  string
	opts  Options
}

// NewGorillaStore wraps an existing gorilla store. If name is empty, a
// default session name is used.
func NewGorillaStore(store sessions.Store, name string, opts Options) *GorillaStore {
	if name == "" {
		name = defaultSessionName
	}
	return &GorillaStore{
		store: store,
		name:  name,
		opts:  opts.withDefaults(),
	}
}

// NewSecureCookieStore keeps the session in a cookie authenticated with
// authKey (32 or 64 bytes) and, if encKey is non-nil, encrypted with it (16,
// 24 or 32 bytes).
func NewSecureCookieStore(authKey, encKey []byte, opts Options) *GorillaStore {
	opts = opts.withDefaults()
	cs := sessions.NewCookieStore(authKey, encKey)
	cs.Options = gorillaOptions(opts)
	cs.MaxAge(cs.Options.MaxAge)
	return NewGorillaStore(cs, "", opts)
}

// NewFilesystemStore keeps session data in files under dir; the cookie only
// carries the authenticated session id.
func NewFilesystemStore(dir string, authKey, encKey []byte, opts Options) *GorillaStore {
	opts = opts.withDefaults()
	fs := sessions.NewFilesystemStore(dir, authKey, encKey)
	fs.Options = gorillaOptions(opts)
	fs.MaxAge(fs.Options.MaxAge)
	// token triples can exceed securecookie's default 4096 byte limit
	fs.MaxLength(0)
	return NewGorillaStore(fs, "", opts)
}

func gorillaOptions(o Options) *sessions.Options {
	return &sessions.Options{
		Path:     o.Path,
		Domain:   o.Domain,
		MaxAge:   int(o.RefreshTTL / time.Second),
		Secure:   !o.Insecure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// Load returns an empty pair for a missing or undecodable session.
func (g *GorillaStore) Load(r *http.Request) (*nblocks.TokenPair, error) {
	// A cookie that fails authentication yields a new, empty session and
	// an error; both mean "no session" here.
	session, _ := g.store.Get(r, g.name)
	if session == nil {
		return &nblocks.TokenPair{}, nil
	}

	access, _ := session.Values[sessionKeyAccessToken].(string)
	refresh, _ := session.Values[sessionKeyRefreshToken].(string)
	idt, _ := session.Values[sessionKeyIDToken].(string)

	return &nblocks.TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      idt,
	}, nil
}

func (g *GorillaStore) Save(w http.ResponseWriter, r *http.Request, tokens *nblocks.TokenPair) error {
	session, err := g.session(r)
	if err != nil {
		return err
	}

	session.Values[sessionKeyAccessToken] = tokens.AccessToken
	session.Values[sessionKeyRefreshToken] = tokens.RefreshToken
	if tokens.IDToken != "" {
		session.Values[sessionKeyIDToken] = tokens.IDToken
	}
	session.Options = gorillaOptions(g.opts)

	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (g *GorillaStore) Clear(w http.ResponseWriter, r *http.Request) error {
	session, err := g.session(r)
	if err != nil {
		return err
	}

	delete(session.Values, sessionKeyAccessToken)
	delete(session.Values, sessionKeyRefreshToken)
	delete(session.Values, sessionKeyIDToken)
	session.Options = gorillaOptions(g.opts)
	session.Options.MaxAge = -1

	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	return nil
}

func (g *GorillaStore) session(r *http.Request) (*sessions.Session, error) {
	session, err := g.store.Get(r, g.name)
	if session == nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	// an undecodable cookie still yields a usable new session
	return session, nil
}
