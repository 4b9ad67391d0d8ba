package middleware

import (
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"

	nblocks "github.com/nebulr-group/nblocks-go"
	"github.com/nebulr-group/nblocks-go/jwks"
	"github.com/nebulr-group/nblocks-go/providertest"
	"github.com/nebulr-group/nblocks-go/sessionstore"
)

type testApp struct {
	provider *providertest.Provider
	baseURL  string
	client   *http.Client
}

// startApp runs the provider and an app protecting /secure, and returns a
// browser-like client that keeps cookies but does not follow redirects.
func startApp(t *testing.T) *testApp {
	t.Helper()

	p, err := providertest.New("test-app")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	pc, err := nblocks.NewClient(p.URL(), p.AppID)
	if err != nil {
		t.Fatal(err)
	}
	keys := jwks.NewResolver(p.JWKSURL())
	verifier := nblocks.NewVerifier(p.Issuer(), keys)
	store := sessionstore.NewCookieStore(sessionstore.Options{Insecure: true})

	handler := &Handler{
		Gate: nblocks.NewGate(store, nblocks.NewRefreshCoordinator(pc, store), verifier),
		Login: nblocks.NewLoginFlow(pc, verifier, store, pc.LoginURL(),
			nblocks.WithIDTokenVerifier(nblocks.NewIDTokenVerifier(verifier.Issuer(), keys, nil))),
	}

	mux := http.NewServeMux()
	mux.Handle("/secure", handler.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fmt.Sprintf("sub: %s", ClaimFromContext(r.Context(), "sub"))))
	})))
	mux.HandleFunc("/login", handler.LoginRedirect)
	mux.HandleFunc("/auth/oauth-callback", handler.Callback)
	mux.HandleFunc("/logout", handler.Logout)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}

	return &testApp{
		provider: p,
		baseURL:  srv.URL,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (a *testApp) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := a.client.Get(a.baseURL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(body)
}

func (a *testApp) login(t *testing.T, subject string) {
	t.Helper()

	resp, _ := a.get(t, "/auth/oauth-callback?code="+url.QueryEscape(a.provider.IssueCode(subject)))
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback: want HTTP 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/" {
		t.Fatalf("callback: want redirect to /, got %q", loc)
	}
}

func checkRedirectToLogin(t *testing.T, resp *http.Response) {
	t.Helper()

	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want HTTP 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/login" {
		t.Fatalf("want redirect to /login, got %q", loc)
	}
}

func TestMiddleware_HappyPath(t *testing.T) {
	app := startApp(t)

	resp, _ := app.get(t, "/secure")
	checkRedirectToLogin(t, resp)

	app.login(t, "valid-subject")

	resp, body := app.get(t, "/secure")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want HTTP 200, got %d: %s", resp.StatusCode, body)
	}
	if body != "sub: valid-subject" {
		t.Fatalf("wanted body %s, got %s", "sub: valid-subject", body)
	}
}

func TestMiddleware_LoginRedirect(t *testing.T) {
	app := startApp(t)

	resp, _ := app.get(t, "/login")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want HTTP 302, got %d", resp.StatusCode)
	}
	want := app.provider.URL() + "/url/login/test-app"
	if loc := resp.Header.Get("Location"); loc != want {
		t.Fatalf("want redirect to %s, got %q", want, loc)
	}
}

func TestMiddleware_CallbackErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		query func(p *providertest.Provider) string
		want  int
	}{
		{
			name:  "missing code",
			query: func(*providertest.Provider) string { return "" },
			want:  http.StatusBadRequest,
		},
		{
			name:  "unknown code",
			query: func(*providertest.Provider) string { return "?code=not-a-code" },
			want:  http.StatusUnauthorized,
		},
		{
			name: "token from another issuer",
			query: func(p *providertest.Provider) string {
				p.SetIssuer("https://elsewhere.example.com")
				return "?code=" + url.QueryEscape(p.IssueCode("valid-subject"))
			},
			want: http.StatusForbidden,
		},
		{
			name: "id_token for another subject",
			query: func(p *providertest.Provider) string {
				p.SetIDTokenClaims(func(string) map[string]interface{} {
					return map[string]interface{}{"sub": "someone-else"}
				})
				return "?code=" + url.QueryEscape(p.IssueCode("valid-subject"))
			},
			want: http.StatusForbidden,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			app := startApp(t)

			resp, _ := app.get(t, "/auth/oauth-callback"+tc.query(app.provider))
			if resp.StatusCode != tc.want {
				t.Fatalf("want HTTP %d, got %d", tc.want, resp.StatusCode)
			}
			if len(resp.Cookies()) != 0 {
				t.Errorf("want no cookies on a failed callback, got %v", resp.Cookies())
			}

			resp, _ = app.get(t, "/secure")
			checkRedirectToLogin(t, resp)
		})
	}
}

func TestMiddleware_ForceRefresh(t *testing.T) {
	app := startApp(t)
	app.login(t, "valid-subject")

	resp, body := app.get(t, "/secure?forceRefresh")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want HTTP 200, got %d: %s", resp.StatusCode, body)
	}
	if _, _, refreshes := app.provider.Hits(); refreshes != 1 {
		t.Fatalf("want 1 refresh, got %d", refreshes)
	}
	if len(resp.Cookies()) == 0 {
		t.Fatal("want refreshed cookies to be written")
	}

	// The old refresh token is spent, so the session must now carry the new
	// pair for a second forced refresh to succeed.
	resp, body = app.get(t, "/secure?forceRefresh")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want HTTP 200, got %d: %s", resp.StatusCode, body)
	}
}

func TestMiddleware_RefreshDenied(t *testing.T) {
	app := startApp(t)
	app.login(t, "valid-subject")
	app.provider.FailRefresh(http.StatusUnauthorized)

	resp, _ := app.get(t, "/secure?forceRefresh")
	checkRedirectToLogin(t, resp)
	if len(resp.Cookies()) != 0 {
		t.Errorf("want no cookies written on refresh failure, got %v", resp.Cookies())
	}
}

func TestMiddleware_Logout(t *testing.T) {
	app := startApp(t)
	app.login(t, "valid-subject")

	resp, _ := app.get(t, "/logout")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("want HTTP 302, got %d", resp.StatusCode)
	}

	resp, _ = app.get(t, "/secure")
	checkRedirectToLogin(t, resp)
}

func TestContextHelpers_NoIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	if id := IdentityFromContext(r.Context()); id != nil {
		t.Errorf("want nil identity, got %+v", id)
	}
	if c := ClaimsFromContext(r.Context()); c != nil {
		t.Errorf("want nil claims, got %v", c)
	}
	if c := ClaimFromContext(r.Context(), "sub"); c != nil {
		t.Errorf("want nil claim, got %v", c)
	}
}
