package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/go-i2p/psnpool/lib/config"
	"github.com/go-i2p/psnpool/lib/psn"
	"github.com/go-i2p/psnpool/lib/session"
	"github.com/go-i2p/psnpool/lib/store"
)

var log = logger.GetGoI2PLogger()

// env is everything a command needs, built from the config file.
type env struct {
	cfg    *config.Config
	store  *store.Store
	auth   *session.Authenticator
	client *psn.Client
}

func (e *env) Close() error {
	var err error
	if e.client != nil {
		err = e.client.Close()
	}
	if e.store != nil {
		err = errors.Join(err, e.store.Close())
	}
	return err
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.Client.DataDir = dir
	}
	return cfg, nil
}

// openEnv loads the configuration, opens the token store and prepares the
// authenticator. The PSN client is built separately by connect.
func openEnv(c *cli.Context) (*env, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg}
	e.auth = session.NewAuthenticator(&http.Client{Timeout: cfg.Client.RequestTimeout.Std()})
	if cfg.Client.UserAgent != "" {
		e.auth.UserAgent = cfg.Client.UserAgent
	}

	if cfg.Store.Enabled {
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		st, err := store.Open(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		e.store = st
	}
	return e, nil
}

// mergeSessions combines the configured accounts with the stored ones.
// A stored session keeps its tokens and picks up a configured npsso; stored
// accounts missing from the config are kept.
func mergeSessions(configured, stored []*session.Session) []*session.Session {
	byKey := make(map[string]*session.Session, len(stored))
	for _, s := range stored {
		byKey[s.Key()] = s
	}

	out := make([]*session.Session, 0, len(configured)+len(stored))
	seen := make(map[string]bool, len(configured))
	for _, s := range configured {
		key := s.Key()
		seen[key] = true
		if saved, ok := byKey[key]; ok {
			if saved.NPSSO == "" {
				saved.NPSSO = s.NPSSO
			}
			if saved.RefreshToken == "" {
				saved.RefreshToken = s.RefreshToken
			}
			out = append(out, saved)
			continue
		}
		out = append(out, s)
	}
	for _, s := range stored {
		if !seen[s.Key()] {
			out = append(out, s)
		}
	}
	return out
}

// sessions returns every known session, authenticating the ones that hold
// no access token yet. Sessions that cannot be authenticated are skipped.
func (e *env) sessions(ctx context.Context) ([]*session.Session, error) {
	var stored []*session.Session
	if e.store != nil {
		var err error
		if stored, err = e.store.Load(ctx); err != nil {
			return nil, err
		}
	}

	var ready []*session.Session
	for _, s := range mergeSessions(e.cfg.SessionList(), stored) {
		if !s.Authenticated() {
			if err := e.auth.Auth(ctx, s); err != nil {
				log.WithField("account", s.Key()).WithError(err).Warn("skipping account that failed to authenticate")
				continue
			}
			e.save(ctx, s)
		}
		ready = append(ready, s)
	}
	return ready, nil
}

func (e *env) save(ctx context.Context, s *session.Session) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveSession(ctx, s); err != nil {
		log.WithField("account", s.Key()).WithError(err).Warn("failed to persist session")
	}
}

// connect builds the PSN client with every usable session and the
// configured proxies.
func (e *env) connect(ctx context.Context) (*psn.Client, error) {
	sessions, err := e.sessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, errors.New("no usable account; add one under [[accounts]] and run psnpool auth")
	}

	pcfg := e.cfg.PSN()
	pcfg.Refresher = e.auth
	if e.store != nil {
		pcfg.TokenSink = e.store
	}

	client, err := psn.New(pcfg, sessions...)
	if err != nil {
		return nil, err
	}
	if len(e.cfg.Proxy) > 0 {
		if err := client.InitProxies(e.cfg.Proxy...); err != nil {
			client.Close()
			return nil, err
		}
	}
	e.client = client
	return client, nil
}

// withClient runs fn against a connected client and closes everything after.
func withClient(c *cli.Context, fn func(ctx context.Context, client *psn.Client) error) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := c.Context
	client, err := e.connect(ctx)
	if err != nil {
		return err
	}

	stop := startMetrics(c, e.cfg)
	defer stop()

	return fn(ctx, client)
}

// startMetrics serves /metrics when a listen address is configured or
// given on the command line. The returned func shuts the server down.
func startMetrics(c *cli.Context, cfg *config.Config) func() {
	addr := c.String("metrics-listen")
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.Listen
	}
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("listen", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
