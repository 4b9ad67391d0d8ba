package nblocks

import (
	"net/http"

	"github.com/nebulr-group/nblocks-go/metrics"
	"github.com/sirupsen/logrus"
)

// Identity is what a protected route learns about a caller that passed the
// gate. It is owned by the request.
type Identity struct {
	Claims Claims
	Tokens TokenPair
	// Refreshed is true if the gate renewed the token pair on this request.
	Refreshed bool
}

type gateState int

const (
	stateNoSession gateState = iota
	stateCheckFreshness
	stateRefreshing
	stateValidating
)

func (s gateState) String() string {
	switch s {
	case stateNoSession:
		return "no_session"
	case stateCheckFreshness:
		return "check_freshness"
	case stateRefreshing:
		return "refreshing"
	case stateValidating:
		return "validating"
	}
	return "unknown"
}

// Gate decides, per request, whether the caller holds a valid session. It
// fails closed: every error it returns means "send the caller to login".
type Gate struct {
	store     SessionStore
	refresher *RefreshCoordinator
	verifier  *Verifier

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

type GateOpt func(*Gate)

func WithGateLogger(l logrus.FieldLogger) GateOpt {
	return func(g *Gate) {
		g.log = l
	}
}

func WithGateMetrics(m *metrics.Metrics) GateOpt {
	return func(g *Gate) {
		g.metrics = m
	}
}

func NewGate(store SessionStore, refresher *RefreshCoordinator, verifier *Verifier, opts ...GateOpt) *Gate {
	g := &Gate{
		store:     store,
		refresher: refresher,
		verifier:  verifier,
		log:       discardLogger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// RequireAuth runs the session state machine for r. On success the caller
// is authenticated and the returned Identity holds the verified claims; if
// the pair was refreshed the new cookies have already been written to w.
// Any error means the caller is not authenticated and must be redirected to
// login; its kind says why, but must not be shown to the user.
//
// The refresh, when needed, always completes before validation begins.
func (g *Gate) RequireAuth(w http.ResponseWriter, r *http.Request, forceRefresh bool) (*Identity, error) {
	id, state, err := g.run(w, r, forceRefresh)
	if err != nil {
		g.metrics.GateDecision(false, KindOf(err).String())
		g.log.WithError(err).WithField("state", state.String()).WithField("reason", KindOf(err).String()).Info("request not authenticated")
		return nil, err
	}

	g.metrics.GateDecision(true, "")
	g.log.WithField("sub", id.Claims.Subject()).WithField("refreshed", id.Refreshed).Debug("request authenticated")
	return id, nil
}

func (g *Gate) run(w http.ResponseWriter, r *http.Request, forceRefresh bool) (*Identity, gateState, error) {
	state := stateNoSession
	tokens, err := g.store.Load(r)
	if err != nil {
		return nil, state, &Error{Kind: KindSessionStore, Err: err}
	}
	if !tokens.Valid() {
		return nil, state, &Error{Kind: KindMissingSession}
	}

	state = stateCheckFreshness
	refresh, err := g.refresher.NeedsRefresh(tokens, forceRefresh)
	if err != nil {
		return nil, state, err
	}

	refreshed := false
	if refresh {
		state = stateRefreshing
		tokens, err = g.refresher.Refresh(w, r, tokens)
		if err != nil {
			return nil, state, err
		}
		refreshed = true
	}

	state = stateValidating
	claims, err := g.verifier.Verify(r.Context(), tokens.AccessToken)
	if err != nil {
		return nil, state, err
	}

	return &Identity{
		Claims:    claims,
		Tokens:    *tokens,
		Refreshed: refreshed,
	}, state, nil
}
