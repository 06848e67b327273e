// Package psn is the pooled PSN API client. Every call leases one session
// and, when proxies are configured, one proxy, and returns both to their
// pools whether the call succeeds or not.
package psn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/proxy"
	"github.com/go-i2p/psnpool/lib/ratelimit"
	"github.com/go-i2p/psnpool/lib/session"
	"github.com/go-i2p/psnpool/version"
)

// ErrProxiesConfigured is returned by InitProxies when the proxy pool
// already exists; use AddProxies to stage more.
var ErrProxiesConfigured = errors.New("psn: proxy pool already initialized")

// Config configures a Client.
type Config struct {
	// Sessions configures the session pool. MaxSize zero means one slot
	// per session passed to New.
	Sessions pool.Config
	// Proxies configures the proxy pool. MaxSize zero means one slot per
	// descriptor passed to InitProxies.
	Proxies pool.Config
	// Proxy configures probing and the per-proxy breaker.
	Proxy proxy.Config

	// Endpoints overrides the PSN service URLs.
	Endpoints Endpoints
	// HTTP carries calls when no proxy pool is configured.
	// Default: a client with RequestTimeout
	HTTP *http.Client
	// RequestTimeout bounds one API call.
	// Default: 30 seconds
	RequestTimeout time.Duration
	// UserAgent is sent with every request.
	// Default: version.UserAgent()
	UserAgent string

	// Refresher renews stale sessions.
	// Default: a session.Authenticator sharing HTTP
	Refresher session.Refresher
	// TokenSink persists refreshed tokens when set.
	TokenSink session.TokenSink
	// StaleAfter overrides session.StaleAfter when positive.
	StaleAfter time.Duration

	// RequestsPerSecond paces calls per account. Zero disables pacing.
	RequestsPerSecond float64
	// Burst is the pacing bucket size.
	// Default: 1
	Burst int

	// StoreCacheTTL keeps store responses this long. Zero disables caching.
	StoreCacheTTL time.Duration
	// StoreCacheMaxCost bounds the store cache in bytes.
	// Default: 64 MiB
	StoreCacheMaxCost int64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sessions:          session.DefaultPoolConfig(0),
		Proxies:           proxy.DefaultPoolConfig(0),
		Proxy:             proxy.DefaultConfig(),
		Endpoints:         DefaultEndpoints(),
		RequestTimeout:    30 * time.Second,
		Burst:             1,
		StoreCacheTTL:     10 * time.Minute,
		StoreCacheMaxCost: 64 << 20,
	}
}

type proxyPool struct {
	pool    *pool.Pool[*proxy.Client]
	manager *proxy.Manager
}

// Client is the pooled PSN API client. It is safe for concurrent use.
type Client struct {
	config    Config
	endpoints Endpoints
	http      *http.Client

	sessions *pool.Pool[*session.Session]
	manager  *session.Manager

	mu      sync.RWMutex
	proxies *proxyPool

	limiter *ratelimit.KeyedLimiter
	cache   *ristretto.Cache
	flight  singleflight.Group

	closeOnce sync.Once
}

// New creates a Client serving calls from sessions. The sessions should
// already be authenticated; see session.Authenticator.
func New(cfg Config, sessions ...*session.Session) (*Client, error) {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = version.UserAgent()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.StoreCacheMaxCost <= 0 {
		cfg.StoreCacheMaxCost = def.StoreCacheMaxCost
	}
	if cfg.Sessions.Name == "" {
		cfg.Sessions.Name = def.Sessions.Name
	}
	// Stale tokens are only refreshed on checkout, so sessions are always
	// validated whatever the caller set.
	cfg.Sessions.AlwaysCheck = true
	if cfg.Sessions.MaxSize <= 0 {
		cfg.Sessions.MaxSize = len(sessions)
	}
	if cfg.Sessions.MaxSize <= 0 {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "psn: session pool needs at least one slot", apperrors.ErrConfiguration)
	}

	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	refresher := cfg.Refresher
	if refresher == nil {
		auth := session.NewAuthenticator(httpClient)
		auth.UserAgent = cfg.UserAgent
		refresher = auth
	}

	opts := []session.Option{session.WithStaleAfter(cfg.StaleAfter)}
	if cfg.TokenSink != nil {
		opts = append(opts, session.WithTokenSink(cfg.TokenSink))
	}
	mgr := session.NewManager(refresher, opts...)
	mgr.Add(sessions...)

	c := &Client{
		config:    cfg,
		endpoints: cfg.Endpoints.withDefaults(),
		http:      httpClient,
		sessions:  pool.New[*session.Session](mgr, cfg.Sessions),
		manager:   mgr,
	}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = ratelimit.NewKeyed(cfg.RequestsPerSecond, cfg.Burst, 10*time.Minute)
	}

	if cfg.StoreCacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e5,
			MaxCost:     cfg.StoreCacheMaxCost,
			BufferItems: 64,
		})
		if err != nil {
			c.sessions.Close()
			return nil, fmt.Errorf("psn: store cache: %w", err)
		}
		c.cache = cache
	}

	log.WithField("sessions", len(sessions)).WithField("max_size", cfg.Sessions.MaxSize).Info("PSN client ready")
	return c, nil
}

// InitProxies routes every call through a pool of proxies. The pool holds
// one active proxy per descriptor unless Config.Proxies.MaxSize is set, in
// which case the descriptors beyond it wait as backups.
func (c *Client) InitProxies(descriptors ...proxy.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proxies != nil {
		return ErrProxiesConfigured
	}

	cfg := c.config.Proxies
	if cfg.Name == "" {
		cfg.Name = "proxies"
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = len(descriptors)
	}
	if cfg.MaxSize <= 0 {
		return apperrors.Wrap(apperrors.CodeConfiguration, "psn: proxy pool needs at least one descriptor", apperrors.ErrConfiguration)
	}

	mgr := proxy.NewManager(c.config.Proxy, descriptors...)
	c.proxies = &proxyPool{
		pool:    pool.New[*proxy.Client](mgr, cfg),
		manager: mgr,
	}

	log.WithField("proxies", len(descriptors)).WithField("max_size", cfg.MaxSize).Info("proxy pool ready")
	return nil
}

func (c *Client) proxyPool() *proxyPool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxies
}

// AddSessions stages more sessions. A session for an account already known
// replaces the old one.
func (c *Client) AddSessions(sessions ...*session.Session) {
	c.manager.Add(sessions...)
}

// AddProxies stages more descriptors as backups. It does nothing before
// InitProxies.
func (c *Client) AddProxies(descriptors ...proxy.Descriptor) {
	pp := c.proxyPool()
	if pp == nil {
		log.WithField("proxies", len(descriptors)).Warn("ignoring proxies added before InitProxies")
		return
	}
	pp.manager.Add(descriptors...)
}

// SetSessionMax changes how many sessions are used at once.
func (c *Client) SetSessionMax(n int) {
	c.sessions.Resize(n)
}

// PauseSessions holds every new call until ResumeSessions.
func (c *Client) PauseSessions() {
	c.sessions.Pause()
}

// ResumeSessions lets held calls proceed.
func (c *Client) ResumeSessions() {
	c.sessions.Resume()
}

// ClearSessions drops every idle session; leased ones are dropped on release.
func (c *Client) ClearSessions() {
	c.sessions.Clear()
}

// SessionStats returns a snapshot of the session pool.
func (c *Client) SessionStats() pool.Stats {
	return c.sessions.Stats()
}

// StagedSessions returns the number of sessions waiting as backups.
func (c *Client) StagedSessions() int {
	return c.manager.Staged()
}

// ProxyStats returns a snapshot of the proxy pool. ok is false when no
// proxy pool is configured.
func (c *Client) ProxyStats() (stats pool.Stats, ok bool) {
	pp := c.proxyPool()
	if pp == nil {
		return pool.Stats{}, false
	}
	return pp.pool.Stats(), true
}

// StagedProxies returns the number of proxy descriptors waiting as backups.
func (c *Client) StagedProxies() int {
	pp := c.proxyPool()
	if pp == nil {
		return 0
	}
	return pp.manager.Staged()
}

// Close shuts down both pools. Calls in flight finish; new calls fail.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sessions.Close()
		if pp := c.proxyPool(); pp != nil {
			err = errors.Join(err, pp.pool.Close())
		}
		if c.limiter != nil {
			c.limiter.Close()
		}
		if c.cache != nil {
			c.cache.Close()
		}
		log.Info("PSN client closed")
	})
	return err
}

// doer sends a request, directly or through a proxy.
type doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// lease acquires a session and, when configured, a proxy for one call.
// release must be called on every path once the call is done.
func (c *Client) lease(ctx context.Context) (s *session.Session, via doer, release func(), err error) {
	sl, err := c.sessions.Acquire(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	pp := c.proxyPool()
	if pp == nil {
		return sl.Value(), c.http, sl.Release, nil
	}

	pl, err := pp.pool.Acquire(ctx)
	if err != nil {
		sl.Release()
		return nil, nil, nil, err
	}
	return sl.Value(), pl.Value(), func() {
		pl.Release()
		sl.Release()
	}, nil
}

// with runs fn with a leased session and transport, after pacing the
// session's account.
func (c *Client) with(ctx context.Context, op string, fn func(ctx context.Context, s *session.Session, via doer) error) (err error) {
	start := time.Now()
	defer func() {
		observe(op, start, err)
	}()

	s, via, release, err := c.lease(ctx)
	if err != nil {
		log.WithField("op", op).WithError(err).Debug("no resource for call")
		return err
	}
	defer release()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, s.Key()); err != nil {
			return err
		}
	}

	return fn(ctx, s, via)
}
