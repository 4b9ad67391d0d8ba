package sessionstore

import (
	"net/http"
	"time"

	nblocks "github.com/nebulr-group/nblocks-go"
)

const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
)

var _ nblocks.SessionStore = (*CookieStore)(nil)

// CookieStore keeps the access and refresh token in the access_token and
// refresh_token cookies. The id_token is not persisted.
type CookieStore struct {
	opts Options
	now  func() time.Time
}

func NewCookieStore(opts Options) *CookieStore {
	return &CookieStore{
		opts: opts.withDefaults(),
		now:  time.Now,
	}
}

func (c *CookieStore) Load(r *http.Request) (*nblocks.TokenPair, error) {
	return &nblocks.TokenPair{
		AccessToken:  cookieValue(r, AccessTokenCookie),
		RefreshToken: cookieValue(r, RefreshTokenCookie),
	}, nil
}

func (c *CookieStore) Save(w http.ResponseWriter, _ *http.Request, tokens *nblocks.TokenPair) error {
	now := c.now()
	http.SetCookie(w, c.opts.cookie(AccessTokenCookie, tokens.AccessToken, c.opts.AccessTTL, now))
	http.SetCookie(w, c.opts.cookie(RefreshTokenCookie, tokens.RefreshToken, c.opts.RefreshTTL, now))
	return nil
}

func (c *CookieStore) Clear(w http.ResponseWriter, _ *http.Request) error {
	http.SetCookie(w, c.opts.expired(AccessTokenCookie))
	http.SetCookie(w, c.opts.expired(RefreshTokenCookie))
	return nil
}
