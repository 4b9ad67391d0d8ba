package main

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	nblocks "github.com/nebulr-group/nblocks-go"
	"github.com/nebulr-group/nblocks-go/config"
	"github.com/nebulr-group/nblocks-go/jwks"
	"github.com/nebulr-group/nblocks-go/metrics"
	"github.com/nebulr-group/nblocks-go/middleware"
	"github.com/nebulr-group/nblocks-go/sessionstore"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const securePage = `<!DOCTYPE html>
<html>
	<head>
		<meta charset="UTF-8">
		<title>Secure</title>
	</head>
	<body>
		<h1>Hello {{ .sub }}</h1>
		<p>claims: {{ .claims }}</p>
		<p>refreshed: {{ .refreshed }}</p>
		<p><a href="/secure?forceRefresh">force refresh</a> <a href="/logout">log out</a></p>
	</body>
</html>`

var secureTmpl = template.Must(template.New("securePage").Parse(securePage))

type server struct {
	logger logrus.FieldLogger
	router *mux.Router
	closer io.Closer
}

// newServer wires the provider client, key resolver, session store and gate
// from cfg, and mounts the example routes. The caller must Close it.
func newServer(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger, reg *prometheus.Registry) (*server, error) {
	m, err := metrics.New(reg)
	if err != nil {
		return nil, errors.Wrap(err, "Error registering metrics")
	}

	hc := &http.Client{Timeout: cfg.HTTPTimeout.Duration}

	pc, err := nblocks.NewClient(cfg.ProviderURL, cfg.AppID,
		nblocks.WithHTTPClient(hc),
		nblocks.WithClientLogger(logger.WithField("component", "client")))
	if err != nil {
		return nil, errors.Wrap(err, "Error creating provider client")
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = pc.JWKSURL()
	}
	keys := jwks.NewResolver(jwksURL,
		jwks.WithHTTPClient(hc),
		jwks.WithTTL(cfg.JWKSCacheTTL.Duration),
		jwks.WithLogger(logger.WithField("component", "jwks")),
		jwks.WithMetrics(m))

	verifier := nblocks.NewVerifier(cfg.IssuerURL(), keys,
		nblocks.WithLeeway(cfg.Leeway.Duration),
		nblocks.WithVerifierLogger(logger.WithField("component", "verifier")))

	store, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	refresher := nblocks.NewRefreshCoordinator(pc, store,
		nblocks.WithRefreshBuffer(cfg.RefreshBuffer.Duration),
		nblocks.WithRefreshLogger(logger.WithField("component", "refresh")),
		nblocks.WithRefreshMetrics(m))

	h := &middleware.Handler{
		Gate: nblocks.NewGate(store, refresher, verifier,
			nblocks.WithGateLogger(logger.WithField("component", "gate")),
			nblocks.WithGateMetrics(m)),
		Login: nblocks.NewLoginFlow(pc, verifier, store, pc.LoginURL(),
			nblocks.WithIDTokenVerifier(nblocks.NewIDTokenVerifier(verifier.Issuer(), keys, nil)),
			nblocks.WithLoginLogger(logger.WithField("component", "login"))),
		Logger: logger,
	}

	s := &server{
		logger: logger,
		router: mux.NewRouter(),
		closer: closer,
	}

	handle := func(p, name string, hf http.Handler) {
		s.router.Handle(p, m.InstrumentHandler(name, hf))
	}

	handle("/", "home", http.HandlerFunc(s.home))
	handle("/secure", "secure", h.Wrap(http.HandlerFunc(s.secure)))
	handle("/login", "login", http.HandlerFunc(h.LoginRedirect))
	handle("/auth/oauth-callback", "callback", http.HandlerFunc(h.Callback))
	handle("/logout", "logout", http.HandlerFunc(h.Logout))
	s.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/healthz", s.healthz)

	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (nblocks.SessionStore, io.Closer, error) {
	opts := sessionstore.Options{
		Insecure:   !cfg.Cookies.Secure,
		AccessTTL:  cfg.Cookies.AccessTTL.Duration,
		RefreshTTL: cfg.Cookies.RefreshTTL.Duration,
		Path:       cfg.Cookies.Path,
		Domain:     cfg.Cookies.Domain,
	}

	sc := cfg.SessionStore
	switch sc.Type {
	case config.StoreSecureCookie, config.StoreFilesystem:
		auth, enc, err := sc.Keys()
		if err != nil {
			return nil, nil, err
		}
		if sc.Type == config.StoreFilesystem {
			return sessionstore.NewFilesystemStore(sc.Path, auth, enc, opts), nopCloser{}, nil
		}
		return sessionstore.NewSecureCookieStore(auth, enc, opts), nopCloser{}, nil
	case config.StoreBolt:
		bs, err := sessionstore.OpenBoltStore(sc.Path, opts)
		if err != nil {
			return nil, nil, errors.Wrap(err, "Error opening session database")
		}
		l := logger.WithField("component", "sessions")
		bs.StartGarbageCollection(ctx, sc.GCInterval.Duration, func(n int, err error) {
			if err != nil {
				l.WithError(err).Error("failed to garbage collect sessions")
				return
			}
			if n > 0 {
				l.WithField("removed", n).Info("garbage collected sessions")
			}
		})
		return bs, bs, nil
	default:
		return sessionstore.NewCookieStore(opts), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) Close() error {
	return s.closer.Close()
}

// Handler returns the router with panic recovery and access logging.
func (s *server) Handler(accessLog io.Writer) http.Handler {
	var h http.Handler = s
	h = handlers.CombinedLoggingHandler(accessLog, h)
	h = handlers.RecoveryHandler(handlers.PrintRecoveryStack(true), handlers.RecoveryLogger(s.logger))(h)
	return h
}

func (s *server) home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Hello World\n")
}

func (s *server) secure(w http.ResponseWriter, r *http.Request) {
	id := middleware.IdentityFromContext(r.Context())
	data := map[string]interface{}{
		"sub":       id.Claims.Subject(),
		"claims":    fmt.Sprintf("%v", map[string]interface{}(id.Claims)),
		"refreshed": id.Refreshed,
	}
	if err := secureTmpl.Execute(w, data); err != nil {
		http.Error(w, fmt.Sprintf("failed to render template: %v", err), http.StatusInternalServerError)
		return
	}
}

func (s *server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, fmt.Sprintf("ok %s\n", time.Now().UTC().Format(time.RFC3339)))
}
