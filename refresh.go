package nblocks

import (
	"net/http"
	"time"

	"github.com/nebulr-group/nblocks-go/metrics"
	"github.com/sirupsen/logrus"
)

// RefreshCoordinator renews a session's token pair when the access token is
// close to expiry, and writes the new pair back through the session store.
type RefreshCoordinator struct {
	provider TokenRefresher
	store    SessionStore

	buffer  time.Duration
	clock   func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

type RefreshOpt func(*RefreshCoordinator)

// WithRefreshBuffer sets how long before expiry an access token is
// refreshed. Defaults to DefaultRefreshBuffer.
func WithRefreshBuffer(d time.Duration) RefreshOpt {
	return func(c *RefreshCoordinator) {
		c.buffer = d
	}
}

func WithRefreshClock(clock func() time.Time) RefreshOpt {
	return func(c *RefreshCoordinator) {
		c.clock = clock
	}
}

func WithRefreshLogger(l logrus.FieldLogger) RefreshOpt {
	return func(c *RefreshCoordinator) {
		c.log = l
	}
}

func WithRefreshMetrics(m *metrics.Metrics) RefreshOpt {
	return func(c *RefreshCoordinator) {
		c.metrics = m
	}
}

func NewRefreshCoordinator(provider TokenRefresher, store SessionStore, opts ...RefreshOpt) *RefreshCoordinator {
	c := &RefreshCoordinator{
		provider: provider,
		store:    store,
		buffer:   DefaultRefreshBuffer,
		clock:    time.Now,
		log:      discardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NeedsRefresh reports whether tokens should be refreshed: either forced,
// or the access token expires within the buffer. A malformed access token is
// an error, not a reason to refresh.
func (c *RefreshCoordinator) NeedsRefresh(tokens *TokenPair, forced bool) (bool, error) {
	soon, err := IsExpiringSoon(tokens.AccessToken, c.buffer, c.clock())
	if err != nil {
		return false, err
	}
	return soon || forced, nil
}

// Refresh exchanges the pair's refresh token for a new pair and saves it to
// the store, which re-issues the session cookies with fresh expiries. Any
// failure to obtain a new pair is KindRefreshDenied: nothing is retried and
// nothing is written, the session is unrecoverable.
func (c *RefreshCoordinator) Refresh(w http.ResponseWriter, r *http.Request, tokens *TokenPair) (*TokenPair, error) {
	c.log.Info("refreshing token")

	next, err := c.provider.Refresh(r.Context(), tokens.RefreshToken)
	c.metrics.Refresh(err == nil)
	if err != nil {
		return nil, &Error{Kind: KindRefreshDenied, Err: err}
	}

	if err := c.store.Save(w, r, next); err != nil {
		return nil, &Error{Kind: KindSessionStore, Err: err}
	}

	return next, nil
}

// MaybeRefresh refreshes tokens if NeedsRefresh says so. It returns the pair
// to use from here on, which is tokens itself when no refresh happened.
func (c *RefreshCoordinator) MaybeRefresh(w http.ResponseWriter, r *http.Request, tokens *TokenPair, forced bool) (*TokenPair, bool, error) {
	need, err := c.NeedsRefresh(tokens, forced)
	if err != nil {
		return nil, false, err
	}
	if !need {
		return tokens, false, nil
	}

	next, err := c.Refresh(w, r, tokens)
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}
