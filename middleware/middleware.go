package middleware

import (
	"context"
	"io"
	"net/http"

	nblocks "github.com/nebulr-group/nblocks-go"
	"github.com/sirupsen/logrus"
)

type identityContextKey struct{}

const (
	defaultLoginPath         = "/login"
	defaultAfterLoginPath    = "/"
	defaultForceRefreshParam = "forceRefresh"
)

// Handler protects http.Handlers with an nblocks session, and serves the
// login, callback and logout endpoints that create and destroy it.
type Handler struct {
	// Gate decides whether a request carries a valid session.
	Gate *nblocks.Gate
	// Login completes the code exchange on callback and clears sessions on
	// logout.
	Login *nblocks.LoginFlow

	// LoginPath is where unauthenticated requests are redirected. If empty,
	// /login is used.
	LoginPath string
	// AfterLoginPath is where the callback and logout send the browser when
	// they are done. If empty, / is used.
	AfterLoginPath string
	// ForceRefreshParam names the query parameter that forces a token refresh
	// when present. If empty, forceRefresh is used.
	ForceRefreshParam string

	// Logger is used to report failed callbacks. If nil, nothing is logged.
	Logger logrus.FieldLogger
}

// Wrap returns an http.Handler that only lets requests with a valid session
// through to next. Anything else is redirected to the login path; the reason
// is never written to the response.
func (h *Handler) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, force := r.URL.Query()[h.forceRefreshParam()]

		id, err := h.Gate.RequireAuth(w, r, force)
		if err != nil {
			http.Redirect(w, r, h.loginPath(), http.StatusFound)
			return
		}

		r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, id))
		next.ServeHTTP(w, r)
	})
}

// LoginRedirect sends the browser to the provider's login page.
func (h *Handler) LoginRedirect(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, h.Login.LoginURL(), http.StatusFound)
}

// Callback finishes a login. It answers 400 when the code is missing, 401
// when the provider rejects it, and 403 when the issued tokens fail
// validation; on success the session is saved and the browser redirected.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	_, err := h.Login.Complete(w, r, r.URL.Query().Get("code"))
	if err != nil {
		status := callbackStatus(err)
		h.logger().WithError(err).WithField("status", status).Warn("login callback failed")
		http.Error(w, http.StatusText(status), status)
		return
	}

	http.Redirect(w, r, h.afterLoginPath(), http.StatusFound)
}

// Logout destroys the session and redirects.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Login.Logout(w, r); err != nil {
		h.logger().WithError(err).Error("logout failed")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.afterLoginPath(), http.StatusFound)
}

func callbackStatus(err error) int {
	switch nblocks.KindOf(err) {
	case nblocks.KindMissingCode:
		return http.StatusBadRequest
	case nblocks.KindExchangeFailed:
		return http.StatusUnauthorized
	case nblocks.KindSessionStore:
		return http.StatusInternalServerError
	default:
		return http.StatusForbidden
	}
}

func (h *Handler) loginPath() string {
	if h.LoginPath == "" {
		return defaultLoginPath
	}
	return h.LoginPath
}

func (h *Handler) afterLoginPath() string {
	if h.AfterLoginPath == "" {
		return defaultAfterLoginPath
	}
	return h.AfterLoginPath
}

func (h *Handler) forceRefreshParam() string {
	if h.ForceRefreshParam == "" {
		return defaultForceRefreshParam
	}
	return h.ForceRefreshParam
}

func (h *Handler) logger() logrus.FieldLogger {
	if h.Logger == nil {
		l := logrus.New()
		l.Out = io.Discard
		return l
	}
	return h.Logger
}

// IdentityFromContext returns the identity Wrap stored for the request, or
// nil.
func IdentityFromContext(ctx context.Context) *nblocks.Identity {
	id, _ := ctx.Value(identityContextKey{}).(*nblocks.Identity)
	return id
}

func ClaimFromContext(ctx context.Context, claim string) interface{} {
	id := IdentityFromContext(ctx)
	if id == nil {
		return nil
	}

	return id.Claims[claim]
}

func ClaimsFromContext(ctx context.Context) map[string]interface{} {
	id := IdentityFromContext(ctx)
	if id == nil {
		return nil
	}

	return id.Claims
}
