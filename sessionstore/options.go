// Package sessionstore persists token pairs between requests. CookieStore
// keeps them in two plain cookies, GorillaStore inside a gorilla/sessions
// session, and BoltStore server side in a bbolt database keyed by a session
// id cookie. All of them issue HttpOnly, SameSite=Strict cookies, Secure
// unless Options.Insecure is set.
package sessionstore

import (
	"net/http"
	"time"
)

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Options is the cookie metadata shared by every store.
type Options struct {
	// Insecure drops the Secure attribute from issued cookies, so browsers
	// send them over plain http. Only for local development.
	Insecure bool
	// AccessTTL is the lifetime of the access token cookie. Defaults to 1
	// hour.
	AccessTTL time.Duration
	// RefreshTTL is the lifetime of the refresh token cookie, and of
	// server-side sessions. Defaults to 7 days.
	RefreshTTL time.Duration
	// Path defaults to "/".
	Path   string
	Domain string
}

func (o Options) withDefaults() Options {
	if o.AccessTTL == 0 {
		o.AccessTTL = DefaultAccessTTL
	}
	if o.RefreshTTL == 0 {
		o.RefreshTTL = DefaultRefreshTTL
	}
	if o.Path == "" {
		o.Path = "/"
	}
	return o
}

func (o Options) cookie(name, value string, ttl time.Duration, now time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     o.Path,
		Domain:   o.Domain,
		Expires:  now.Add(ttl).UTC(),
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   !o.Insecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (o Options) expired(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     o.Path,
		Domain:   o.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !o.Insecure,
		SameSite: http.SameSiteStrictMode,
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
