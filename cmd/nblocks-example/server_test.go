package main

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nebulr-group/nblocks-go/config"
	"github.com/nebulr-group/nblocks-go/providertest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func startServer(t *testing.T, mutate func(cfg *config.Config)) (*providertest.Provider, string, *http.Client) {
	t.Helper()

	p, err := providertest.New("example-app")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	cfg := config.Default()
	cfg.AppID = p.AppID
	cfg.ProviderURL = p.URL()
	cfg.Environment = config.EnvDevelopment
	cfg.Cookies.Secure = false
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	logger := logrus.New()
	logger.Out = ioutil.Discard

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s, err := newServer(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ts := httptest.NewServer(s.Handler(ioutil.Discard))
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return p, ts.URL, client
}

func get(t *testing.T, c *http.Client, u string) (*http.Response, string) {
	t.Helper()

	resp, err := c.Get(u)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(b)
}

func TestServerPublicRoutes(t *testing.T) {
	_, base, c := startServer(t, nil)

	resp, body := get(t, c, base+"/")
	if resp.StatusCode != http.StatusOK || body != "Hello World\n" {
		t.Errorf("/: got HTTP %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, c, base+"/healthz")
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(body, "ok ") {
		t.Errorf("/healthz: got HTTP %d %q", resp.StatusCode, body)
	}

	resp, body = get(t, c, base+"/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics: got HTTP %d", resp.StatusCode)
	}
	if !strings.Contains(body, `nblocks_http_requests_total{code="200",handler="home",method="GET"} 1`) {
		t.Errorf("/metrics: missing home request count in\n%s", body)
	}
}

func TestServerLoginFlow(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(t *testing.T) func(cfg *config.Config)
	}{
		{
			name:   "cookie store",
			mutate: func(*testing.T) func(cfg *config.Config) { return nil },
		},
		{
			name: "bolt store",
			mutate: func(t *testing.T) func(cfg *config.Config) {
				path := filepath.Join(t.TempDir(), "sessions.db")
				return func(cfg *config.Config) {
					cfg.SessionStore.Type = config.StoreBolt
					cfg.SessionStore.Path = path
				}
			},
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p, base, c := startServer(t, tc.mutate(t))

			resp, _ := get(t, c, base+"/secure")
			if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login" {
				t.Fatalf("/secure without session: got HTTP %d to %q", resp.StatusCode, resp.Header.Get("Location"))
			}

			resp, _ = get(t, c, base+"/login")
			if loc := resp.Header.Get("Location"); loc != p.URL()+"/url/login/example-app" {
				t.Fatalf("/login: got redirect to %q", loc)
			}

			resp, _ = get(t, c, base+"/auth/oauth-callback?code="+url.QueryEscape(p.IssueCode("user-42")))
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("callback: got HTTP %d", resp.StatusCode)
			}

			resp, body := get(t, c, base+"/secure")
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/secure with session: got HTTP %d", resp.StatusCode)
			}
			if !strings.Contains(body, "Hello user-42") {
				t.Errorf("/secure: want greeting for user-42, got\n%s", body)
			}

			resp, _ = get(t, c, base+"/logout")
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("/logout: got HTTP %d", resp.StatusCode)
			}

			resp, _ = get(t, c, base+"/secure")
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("/secure after logout: got HTTP %d", resp.StatusCode)
			}
		})
	}
}
