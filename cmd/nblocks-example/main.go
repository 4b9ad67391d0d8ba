// Command nblocks-example serves a Hello World page and a /secure page that
// requires an nblocks session.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebulr-group/nblocks-go/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

var cmd = cobra.Command{
	Use:          "nblocks-example",
	Short:        "Example app protected by nblocks sessions",
	SilenceUsage: true,
	RunE:         run,
}

var ( // flags
	configPath string
	addr       string
	appID      string
	dev        bool
)

func init() {
	cmd.Flags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on, overrides listenAddr")
	cmd.Flags().StringVar(&appID, "app-id", os.Getenv("NBLOCKS_APP_ID"), "Application ID registered with the provider")
	cmd.Flags().BoolVar(&dev, "dev", false, "Development mode: allows non-secure cookies over plain HTTP")
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	if addr != "" {
		cfg.ListenAddr = addr
	}
	if appID != "" {
		cfg.AppID = appID
	}
	if dev {
		cfg.Environment = config.EnvDevelopment
		cfg.Cookies.Secure = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid logLevel")
	}
	logger.SetLevel(lvl)

	switch cfg.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
	default:
		return nil, fmt.Errorf("logFormat must be text or json, got %q", cfg.LogFormat)
	}

	return logger, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s, err := newServer(ctx, cfg, logger, reg)
	if err != nil {
		return errors.Wrap(err, "Error creating server")
	}
	defer s.Close()

	accessLog := logger.Writer()
	defer accessLog.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(accessLog),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.WithField("addr", cfg.ListenAddr).WithField("app_id", cfg.AppID).Info("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "Error serving")
	}
	return nil
}
