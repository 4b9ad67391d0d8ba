// Package jwks fetches and caches an identity provider's JSON Web Key Set.
package jwks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/nebulr-group/nblocks-go/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// WellKnownPath is where providers publish their key set, relative to the
// provider base URL.
const WellKnownPath = "/.well-known/jwks.json"

const (
	defaultTTL             = 5 * time.Minute
	defaultTimeout         = 10 * time.Second
	defaultRefetchInterval = 30 * time.Second
	// the key set document is small, anything larger is not a key set
	maxBodyBytes = 1 << 20
)

// Resolver serves the key set at a JWKS URL, fetching it on demand and
// caching it for a TTL. Concurrent callers may observe a stale set for up to
// the TTL; Refetch forces a fresh one, at most once per refetch interval.
//
// It should be created via `NewResolver` to ensure it is initialized
// correctly.
type Resolver struct {
	url        string
	hc         *http.Client
	ttl        time.Duration
	minRefetch time.Duration
	now        func() time.Time

	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	keys    *jose.JSONWebKeySet
	fetched time.Time
	// gen is bumped by Invalidate. Fetches started under an older gen are
	// neither joined nor cached.
	gen         uint64
	lastRefetch time.Time

	group singleflight.Group
}

// ResolverOpt is an option that can configure a Resolver
type ResolverOpt func(r *Resolver)

// WithHTTPClient will set a http.Client for key fetching. If not set, a
// client with a 10 second timeout is used.
func WithHTTPClient(hc *http.Client) ResolverOpt {
	return func(r *Resolver) {
		r.hc = hc
	}
}

// WithTTL sets how long a fetched key set is served before it is fetched
// again. Defaults to 5 minutes.
func WithTTL(ttl time.Duration) ResolverOpt {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithMinRefetchInterval limits how often Refetch goes to the network.
// Within the interval it returns the cached set, so tokens naming made-up
// key ids cannot cause a fetch each. Defaults to 30 seconds.
func WithMinRefetchInterval(d time.Duration) ResolverOpt {
	return func(r *Resolver) {
		r.minRefetch = d
	}
}

// WithClock overrides time.Now for cache expiry.
func WithClock(now func() time.Time) ResolverOpt {
	return func(r *Resolver) {
		r.now = now
	}
}

func WithLogger(l logrus.FieldLogger) ResolverOpt {
	return func(r *Resolver) {
		r.log = l
	}
}

func WithMetrics(m *metrics.Metrics) ResolverOpt {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// NewResolver returns a Resolver for the key set document at url. No request
// is made until keys are first asked for.
func NewResolver(url string, opts ...ResolverOpt) *Resolver {
	l := logrus.New()
	l.Out = io.Discard

	r := &Resolver{
		url: url,
		hc:  &http.Client{Timeout: defaultTimeout},
		ttl:        defaultTTL,
		minRefetch: defaultRefetchInterval,
		now:        time.Now,
		log:        l,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Keys returns the cached key set, fetching it if there is none or it is
// older than the TTL.
func (r *Resolver) Keys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	r.mu.RLock()
	keys, fetched := r.keys, r.fetched
	r.mu.RUnlock()

	if keys != nil && r.now().Sub(fetched) < r.ttl {
		return keys, nil
	}

	return r.fetch(ctx)
}

// Refetch drops the cached set and fetches the document again. If the last
// refetch was less than the minimum refetch interval ago, the cached set is
// returned instead.
func (r *Resolver) Refetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	now := r.now()

	r.mu.Lock()
	if r.keys != nil && !r.lastRefetch.IsZero() && now.Sub(r.lastRefetch) < r.minRefetch {
		keys := r.keys
		r.mu.Unlock()
		r.log.WithField("url", r.url).Debug("refetch throttled, serving cached key set")
		return keys, nil
	}
	r.lastRefetch = now
	r.invalidateLocked()
	r.mu.Unlock()

	return r.fetch(ctx)
}

// Invalidate drops the cached key set. The next call to Keys fetches, and
// does not share a fetch that was already in flight.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked()
}

func (r *Resolver) invalidateLocked() {
	r.gen++
	r.keys = nil
	r.fetched = time.Time{}
}

func (r *Resolver) fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	// Callers arriving while a fetch of the same generation is in flight
	// share its result. The fetch itself runs detached from any one
	// caller's cancellation, bounded by the fetch timeout.
	ch := r.group.DoChan(fmt.Sprintf("%s#%d", r.url, gen), func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout())
		defer cancel()

		keys, err := r.get(fctx)
		r.metrics.KeyFetch(err == nil)
		if err != nil {
			r.log.WithError(err).WithField("url", r.url).Warn("fetching key set failed")
			return nil, err
		}

		r.mu.Lock()
		if r.gen == gen {
			r.keys = keys
			r.fetched = r.now()
		}
		r.mu.Unlock()

		r.log.WithField("url", r.url).WithField("keys", len(keys.Keys)).Debug("fetched key set")
		return keys, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jose.JSONWebKeySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for key set: %w", ctx.Err())
	}
}

func (r *Resolver) fetchTimeout() time.Duration {
	if r.hc.Timeout > 0 {
		return r.hc.Timeout
	}
	return defaultTimeout
}

func (r *Resolver) get(ctx context.Context) (*jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating key set request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get keys from %s: %w", r.url, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("key set endpoint %s returned http %d", r.url, res.StatusCode)
	}

	ks := &jose.JSONWebKeySet{}
	if err := json.NewDecoder(io.LimitReader(res.Body, maxBodyBytes)).Decode(ks); err != nil {
		return nil, fmt.Errorf("failed decoding JWKS response: %w", err)
	}

	return signingKeys(ks)
}

// signingKeys drops encryption keys, and rejects a set with nothing left to
// verify signatures with.
func signingKeys(ks *jose.JSONWebKeySet) (*jose.JSONWebKeySet, error) {
	out := &jose.JSONWebKeySet{}
	for _, k := range ks.Keys {
		if k.Use == "enc" || !k.Valid() {
			continue
		}
		out.Keys = append(out.Keys, k)
	}
	if len(out.Keys) == 0 {
		return nil, fmt.Errorf("key set contains no signing keys")
	}
	return out, nil
}
