// Package config loads the example application's settings from YAML.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/url"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	StoreCookie       = "cookie"
	StoreSecureCookie = "securecookie"
	StoreFilesystem   = "filesystem"
	StoreBolt         = "bolt"
)

// Duration is a time.Duration that reads from strings like "5m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	pd, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = pd
	return nil
}

// Cookies holds the session cookie attributes.
type Cookies struct {
	// Secure must be true outside development.
	Secure     bool     `json:"secure"`
	AccessTTL  Duration `json:"accessTTL"`
	RefreshTTL Duration `json:"refreshTTL"`
	Path       string   `json:"path"`
	Domain     string   `json:"domain"`
}

// SessionStore selects where token pairs are kept between requests.
type SessionStore struct {
	// Type is one of cookie, securecookie, filesystem or bolt.
	Type string `json:"type"`
	// Path is the directory (filesystem) or database file (bolt).
	Path string `json:"path"`
	// AuthKey is a base64 encoded 32 or 64 byte key, required by the
	// securecookie and filesystem stores.
	AuthKey string `json:"authKey"`
	// EncryptionKey is an optional base64 encoded 16, 24 or 32 byte key.
	EncryptionKey string `json:"encryptionKey"`
	// GCInterval is how often expired bolt sessions are swept.
	GCInterval Duration `json:"gcInterval"`
}

type Config struct {
	// AppID identifies the application to the provider.
	AppID string `json:"appID"`
	// ProviderURL is the identity provider's base URL.
	ProviderURL string `json:"providerURL"`
	// Issuer is the iss value tokens must carry. Defaults to ProviderURL.
	Issuer string `json:"issuer"`
	// JWKSURL defaults to the provider's well-known key set.
	JWKSURL string `json:"jwksURL"`

	ListenAddr  string `json:"listenAddr"`
	Environment string `json:"environment"`

	RefreshBuffer Duration `json:"refreshBuffer"`
	JWKSCacheTTL  Duration `json:"jwksCacheTTL"`
	HTTPTimeout   Duration `json:"httpTimeout"`
	Leeway        Duration `json:"leeway"`

	Cookies      Cookies      `json:"cookies"`
	SessionStore SessionStore `json:"sessionStore"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// Default returns the settings used for anything a config file leaves out.
func Default() *Config {
	return &Config{
		ProviderURL:   "https://auth.nblocks.cloud",
		ListenAddr:    "localhost:8080",
		Environment:   EnvProduction,
		RefreshBuffer: Duration{300 * time.Second},
		JWKSCacheTTL:  Duration{5 * time.Minute},
		HTTPTimeout:   Duration{10 * time.Second},
		Cookies: Cookies{
			Secure:     true,
			AccessTTL:  Duration{time.Hour},
			RefreshTTL: Duration{7 * 24 * time.Hour},
			Path:       "/",
		},
		SessionStore: SessionStore{
			Type:       StoreCookie,
			GCInterval: Duration{time.Hour},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the YAML file at path over the defaults. The result is not
// validated.
func Load(path string) (*Config, error) {
	c := Default()

	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Error reading %s", path)
	}

	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Wrapf(err, "Error parsing %s", path)
	}

	return c, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IssuerURL is the configured issuer, or the provider URL if none is set.
func (c *Config) IssuerURL() string {
	if c.Issuer != "" {
		return c.Issuer
	}
	return c.ProviderURL
}

// Validate reports the first setting that would make the application
// unsafe or unable to start.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return errors.New("appID is required")
	}

	for name, u := range map[string]string{
		"providerURL": c.ProviderURL,
		"issuer":      c.Issuer,
		"jwksURL":     c.JWKSURL,
	} {
		if u == "" && name != "providerURL" {
			continue
		}
		pu, err := url.Parse(u)
		if err != nil {
			return errors.Wrapf(err, "%s is not a valid URL", name)
		}
		if !pu.IsAbs() || pu.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, u)
		}
	}

	switch c.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment must be %s or %s, got %q", EnvDevelopment, EnvProduction, c.Environment)
	}

	if !c.Cookies.Secure && !c.IsDevelopment() {
		return errors.New("cookies.secure may only be disabled in development")
	}

	if c.RefreshBuffer.Duration < 0 {
		return errors.New("refreshBuffer must not be negative")
	}

	for name, d := range map[string]time.Duration{
		"httpTimeout":        c.HTTPTimeout.Duration,
		"jwksCacheTTL":       c.JWKSCacheTTL.Duration,
		"cookies.accessTTL":  c.Cookies.AccessTTL.Duration,
		"cookies.refreshTTL": c.Cookies.RefreshTTL.Duration,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return c.SessionStore.validate()
}

func (s *SessionStore) validate() error {
	switch s.Type {
	case StoreCookie:
		return nil
	case StoreBolt:
		if s.Path == "" {
			return errors.New("sessionStore.path is required for the bolt store")
		}
		if s.GCInterval.Duration <= 0 {
			return errors.New("sessionStore.gcInterval must be positive")
		}
		return nil
	case StoreSecureCookie, StoreFilesystem:
	default:
		return fmt.Errorf("unknown sessionStore.type %q", s.Type)
	}

	if s.Type == StoreFilesystem && s.Path == "" {
		return errors.New("sessionStore.path is required for the filesystem store")
	}

	auth, enc, err := s.Keys()
	if err != nil {
		return err
	}
	if len(auth) != 32 && len(auth) != 64 {
		return fmt.Errorf("sessionStore.authKey must be 32 or 64 bytes, got %d", len(auth))
	}
	if enc != nil && len(enc) != 16 && len(enc) != 24 && len(enc) != 32 {
		return fmt.Errorf("sessionStore.encryptionKey must be 16, 24 or 32 bytes, got %d", len(enc))
	}
	return nil
}

// Keys decodes the session keys. enc is nil when no encryption key is set.
func (s *SessionStore) Keys() (auth, enc []byte, err error) {
	auth, err = base64.StdEncoding.DecodeString(s.AuthKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to base64 decode sessionStore.authKey")
	}
	if s.EncryptionKey == "" {
		return auth, nil, nil
	}
	enc, err = base64.StdEncoding.DecodeString(s.EncryptionKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to base64 decode sessionStore.encryptionKey")
	}
	return auth, enc, nil
}
