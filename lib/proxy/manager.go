package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/resilience"
)

// ErrNoProxy is returned by Connect when no staged descriptor is left.
var ErrNoProxy = errors.New("proxy: no staged proxy")

// DefaultMarker is fetched through a proxy to check that it still works.
const DefaultMarker = "https://www.google.com"

// Config configures a Manager.
type Config struct {
	// Marker is the URL probed through the proxy on validation.
	// Default: DefaultMarker
	Marker string
	// ProbeTimeout bounds one validation probe.
	// Default: 10 seconds
	ProbeTimeout time.Duration
	// RequestTimeout bounds requests made through a connected proxy.
	// Zero means no client-level timeout.
	RequestTimeout time.Duration
	// FailureThreshold is how many consecutive request failures retire a
	// proxy. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long a retired proxy's breaker stays open.
	Cooldown time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Marker:       DefaultMarker,
		ProbeTimeout: 10 * time.Second,
	}
}

// Manager stages proxy descriptors and connects them for a pool.
type Manager struct {
	mu       sync.Mutex
	staged   []Descriptor
	config   Config
	breakers *resilience.Group
}

var (
	_ pool.Manager[*Client]   = (*Manager)(nil)
	_ pool.Discarder[*Client] = (*Manager)(nil)
)

// NewManager creates a Manager with the given descriptors staged.
func NewManager(cfg Config, descriptors ...Descriptor) *Manager {
	def := DefaultConfig()
	if cfg.Marker == "" {
		cfg.Marker = def.Marker
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}

	m := &Manager{config: cfg}
	if cfg.FailureThreshold > 0 {
		m.breakers = resilience.NewGroup(resilience.Config{
			FailureThreshold: cfg.FailureThreshold,
			Cooldown:         cfg.Cooldown,
		})
	}
	m.Add(descriptors...)
	return m
}

// Add appends descriptors to the backup queue.
func (m *Manager) Add(descriptors ...Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged = append(m.staged, descriptors...)
	log.WithField("added", len(descriptors)).WithField("staged", len(m.staged)).Debug("proxies staged")
}

// Staged returns the number of descriptors waiting as backups.
func (m *Manager) Staged() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.staged)
}

// Connect builds a client for the most recently staged descriptor. The
// descriptor is consumed even when its address does not parse.
func (m *Manager) Connect(ctx context.Context) (*Client, error) {
	m.mu.Lock()
	n := len(m.staged)
	if n == 0 {
		m.mu.Unlock()
		return nil, ErrNoProxy
	}
	d := m.staged[n-1]
	m.staged = m.staged[:n-1]
	m.mu.Unlock()

	var breaker *resilience.Breaker
	if m.breakers != nil {
		breaker = m.breakers.Get(d.Address)
	}

	c, err := newClient(d, m.config.RequestTimeout, breaker)
	if err != nil {
		log.WithField("proxy", d.String()).WithError(err).Warn("dropping unusable proxy descriptor")
		return nil, err
	}

	log.WithField("proxy", d.String()).WithField("staged", n-1).Debug("proxy connected")
	return c, nil
}

// Validate fetches the marker URL through the proxy. Any transport error,
// or the proxy refusing our credentials, fails validation.
func (m *Manager) Validate(ctx context.Context, c *Client) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.Marker, nil)
	if err != nil {
		return err
	}

	resp, err := c.Do(req)
	if err != nil {
		log.WithField("proxy", c.desc.String()).WithError(err).Debug("proxy probe failed")
		return fmt.Errorf("proxy: probe through %s: %w", c.desc, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusProxyAuthRequired {
		return fmt.Errorf("proxy: probe through %s: %w", c.desc, errProxyAuth)
	}
	return nil
}

// IsClosed reports whether the proxy's breaker tripped.
func (m *Manager) IsClosed(c *Client) bool {
	return c.Tripped()
}

// Discard closes the proxy's idle connections.
func (m *Manager) Discard(c *Client) {
	c.close()
	log.WithField("proxy", c.desc.String()).Debug("proxy discarded")
}

// Breakers returns a snapshot of every proxy breaker, or nil when the
// breaker is disabled.
func (m *Manager) Breakers() []resilience.Stats {
	if m.breakers == nil {
		return nil
	}
	return m.breakers.Stats()
}

// DefaultPoolConfig returns the pool configuration proxies run with.
// Every checkout is probed so a dead proxy is replaced by a backup before
// a caller sees it.
func DefaultPoolConfig(maxSize int) pool.Config {
	cfg := pool.DefaultConfig()
	cfg.Name = "proxies"
	cfg.MaxSize = maxSize
	cfg.AlwaysCheck = true
	return cfg
}
