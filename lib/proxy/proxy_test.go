package proxy

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/resilience"
)

const testMarker = "http://marker.invalid/"

// fakeProxy answers every forwarded request itself and counts them.
type fakeProxy struct {
	*httptest.Server
	hits     atomic.Int32
	wantAuth string
}

func newFakeProxy(t *testing.T) *fakeProxy {
	fp := &fakeProxy{}
	fp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp.hits.Add(1)
		if fp.wantAuth != "" && r.Header.Get("Proxy-Authorization") != fp.wantAuth {
			w.WriteHeader(http.StatusProxyAuthRequired)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(fp.Close)
	return fp
}

func (fp *fakeProxy) descriptor() Descriptor {
	return Descriptor{Address: fp.URL}
}

func testConfig() Config {
	return Config{Marker: testMarker, ProbeTimeout: time.Second}
}

func TestDescriptorURL(t *testing.T) {
	u, err := Descriptor{Address: "http://10.0.0.1:3128", Username: "user", Password: "pass"}.URL()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:3128", u.Host)
	pass, _ := u.User.Password()
	assert.Equal(t, "user", u.User.Username())
	assert.Equal(t, "pass", pass)

	_, err = Descriptor{Address: "10.0.0.1:3128"}.URL()
	assert.Error(t, err)
	_, err = Descriptor{Address: "://bad"}.URL()
	assert.Error(t, err)
}

func TestDescriptorStringHidesCredentials(t *testing.T) {
	d := Descriptor{Address: "http://10.0.0.1:3128", Username: "user", Password: "secret"}
	assert.NotContains(t, d.String(), "secret")
}

func TestManagerConnectOrder(t *testing.T) {
	m := NewManager(testConfig(),
		Descriptor{Address: "http://one:1"},
		Descriptor{Address: "http://two:2"},
	)
	assert.Equal(t, 2, m.Staged())

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://two:2", c.Descriptor().Address)

	c, err = m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://one:1", c.Descriptor().Address)

	_, err = m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestManagerConnectBadAddressConsumed(t *testing.T) {
	m := NewManager(testConfig(), Descriptor{Address: "not a url"})
	_, err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, m.Staged())
}

func TestManagerValidate(t *testing.T) {
	fp := newFakeProxy(t)
	m := NewManager(testConfig(), fp.descriptor())

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.Validate(context.Background(), c))
	assert.Equal(t, int32(1), fp.hits.Load(), "probe must go through the proxy")

	fp.Close()
	assert.Error(t, m.Validate(context.Background(), c))
}

func TestManagerValidateSendsCredentials(t *testing.T) {
	fp := newFakeProxy(t)
	fp.wantAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))

	m := NewManager(testConfig(), Descriptor{Address: fp.URL, Username: "user", Password: "pass"})
	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.NoError(t, m.Validate(context.Background(), c))

	m.Add(Descriptor{Address: fp.URL, Username: "user", Password: "wrong"})
	c, err = m.Connect(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Validate(context.Background(), c), errProxyAuth)
}

func TestClientBreakerRetiresProxy(t *testing.T) {
	fp := newFakeProxy(t)
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.Cooldown = time.Hour
	m := NewManager(cfg, fp.descriptor())

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, m.IsClosed(c))

	fp.Close()
	for range 2 {
		req, err := http.NewRequest(http.MethodGet, testMarker, nil)
		require.NoError(t, err)
		_, err = c.Do(req)
		assert.Error(t, err)
	}
	assert.True(t, m.IsClosed(c))

	stats := m.Breakers()
	require.Len(t, stats, 1)
	assert.Equal(t, fp.URL, stats[0].Name)
}

func markerRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, testMarker, nil)
	require.NoError(t, err)
	return req
}

func TestOpenBreakerSkipsProxy(t *testing.T) {
	fp := newFakeProxy(t)
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.Cooldown = time.Hour
	m := NewManager(cfg, fp.descriptor())

	c, err := m.Connect(context.Background())
	require.NoError(t, err)
	c.breaker.RecordFailure()
	c.breaker.RecordFailure()

	_, err = c.Do(markerRequest(t))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(0), fp.hits.Load())
}

func TestReaddedProxyRetiredAgainAfterCooldown(t *testing.T) {
	fp := newFakeProxy(t)
	cfg := testConfig()
	cfg.FailureThreshold = 2
	cfg.Cooldown = 100 * time.Millisecond
	m := NewManager(cfg, fp.descriptor())

	c, err := m.Connect(context.Background())
	require.NoError(t, err)

	fp.Close()
	for range 2 {
		_, err = c.Do(markerRequest(t))
		assert.Error(t, err)
	}
	require.True(t, m.IsClosed(c))

	time.Sleep(150 * time.Millisecond)
	m.Add(fp.descriptor())
	again, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.False(t, m.IsClosed(again), "cooldown elapsed")

	_, err = again.Do(markerRequest(t))
	assert.Error(t, err)
	assert.True(t, m.IsClosed(again), "failed probe reopens the breaker")

	_, err = again.Do(markerRequest(t))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestBreakerDisabledByDefault(t *testing.T) {
	m := NewManager(testConfig(), Descriptor{Address: "http://127.0.0.1:1"})
	c, err := m.Connect(context.Background())
	require.NoError(t, err)

	for range 5 {
		req, err := http.NewRequest(http.MethodGet, testMarker, nil)
		require.NoError(t, err)
		_, _ = c.Do(req)
	}
	assert.False(t, m.IsClosed(c))
	assert.Nil(t, m.Breakers())
}

func TestProxyPoolBackupTakesOver(t *testing.T) {
	proxies := make([]*fakeProxy, 5)
	descs := make([]Descriptor, 5)
	for i := range proxies {
		proxies[i] = newFakeProxy(t)
		descs[i] = proxies[i].descriptor()
	}

	m := NewManager(testConfig(), descs...)
	p := pool.New[*Client](m, DefaultPoolConfig(2))
	defer p.Close()

	// Two actives come from the top of the stage; three stay as backups.
	first, err := p.Acquire(context.Background())
	require.NoError(t, err)
	second, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, descs[4], first.Value().Descriptor())
	assert.Equal(t, descs[3], second.Value().Descriptor())
	assert.Equal(t, 3, m.Staged())
	first.Release()
	second.Release()

	// The most recently released active dies and fails its probe.
	proxies[3].Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, descs[4], lease.Value().Descriptor())
	assert.Equal(t, uint64(1), p.Stats().ValidationFails)
	assert.Equal(t, 1, p.Stats().NumOpen)

	// The next checkout connects a backup, restoring two actives.
	backup, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, descs[2], backup.Value().Descriptor())
	assert.Equal(t, 2, p.Stats().NumOpen)
	assert.Equal(t, 2, m.Staged())

	lease.Release()
	backup.Release()
}

func TestProxyPoolBackupsIdleWhileActivesHealthy(t *testing.T) {
	proxies := make([]*fakeProxy, 5)
	descs := make([]Descriptor, 5)
	for i := range proxies {
		proxies[i] = newFakeProxy(t)
		descs[i] = proxies[i].descriptor()
	}

	m := NewManager(testConfig(), descs...)
	p := pool.New[*Client](m, DefaultPoolConfig(2))
	defer p.Close()

	for range 20 {
		a, err := p.Acquire(context.Background())
		require.NoError(t, err)
		b, err := p.Acquire(context.Background())
		require.NoError(t, err)
		a.Release()
		b.Release()
	}

	assert.Equal(t, 3, m.Staged())
	for i := range 3 {
		assert.Equal(t, int32(0), proxies[i].hits.Load(), "backup %d must stay unused", i)
	}
}

func TestProxyPoolExhaustedWhenAllDead(t *testing.T) {
	fp := newFakeProxy(t)
	m := NewManager(testConfig(), fp.descriptor())
	p := pool.New[*Client](m, DefaultPoolConfig(1))
	defer p.Close()

	lease, err := p.Acquire(context.Background())
	require.NoError(t, err)
	lease.Release()

	fp.Close()
	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.ErrorIs(t, err, ErrNoProxy)
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig(4)
	assert.Equal(t, "proxies", cfg.Name)
	assert.Equal(t, 4, cfg.MaxSize)
	assert.True(t, cfg.AlwaysCheck)
}
