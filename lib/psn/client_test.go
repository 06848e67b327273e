package psn

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/go-i2p/psnpool/lib/errors"
	"github.com/go-i2p/psnpool/lib/pool"
	"github.com/go-i2p/psnpool/lib/proxy"
	"github.com/go-i2p/psnpool/lib/session"
)

type stubRefresher struct {
	calls atomic.Int32
}

func (r *stubRefresher) Refresh(ctx context.Context, s *session.Session) error {
	r.calls.Add(1)
	s.AccessToken = "refreshed-" + s.OnlineID
	s.LastRefreshAt = time.Now()
	return nil
}

func testSession(onlineID string) *session.Session {
	s := session.New(onlineID)
	s.Region = "us"
	s.AccessToken = "token-" + onlineID
	s.RefreshToken = "refresh-" + onlineID
	s.LastRefreshAt = time.Now()
	return s
}

func testEndpoints(base string) Endpoints {
	return Endpoints{
		Profile:   base + "/{region}/prof",
		Trophy:    base + "/{region}/tpy",
		Messaging: base + "/{region}/gmsg",
		Store:     base + "/store",
	}
}

func newTestClient(t *testing.T, handler http.Handler, mutate func(*Config), sessions ...*session.Session) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Endpoints = testEndpoints(srv.URL)
	cfg.Refresher = &stubRefresher{}
	cfg.UserAgent = "psnpool/test"
	cfg.Sessions.WaitTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := New(cfg, sessions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

// recorder keeps values seen by a handler for the test goroutine.
type recorder struct {
	mu     sync.Mutex
	values map[string]string
	parts  map[string]map[string][]byte
}

func newRecorder() *recorder {
	return &recorder{values: map[string]string{}, parts: map[string]map[string][]byte{}}
}

func (r *recorder) set(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[key] = value
}

func (r *recorder) get(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

func (r *recorder) setParts(key string, parts map[string][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts[key] = parts
}

func (r *recorder) getParts(key string) map[string][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parts[key]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewRequiresSlots(t *testing.T) {
	_, err := New(DefaultConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestNewSizesPoolFromSessions(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler(), nil, testSession("a"), testSession("b"), testSession("c"))
	assert.Equal(t, 3, c.SessionStats().MaxSize)
	assert.Equal(t, 3, c.StagedSessions())
}

func TestGetProfile(t *testing.T) {
	rec := newRecorder()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.set("auth", r.Header.Get("Authorization"))
		rec.set("ua", r.UserAgent())
		if r.URL.Path != "/us/prof/some_player/profile" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"onlineId": "some_player",
			"plus":     1,
			"trophySummary": map[string]any{
				"level":          12,
				"earnedTrophies": map[string]int{"platinum": 1, "gold": 2, "silver": 3, "bronze": 4},
			},
		})
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	profile, err := c.GetProfile(context.Background(), "some_player")
	require.NoError(t, err)
	assert.Equal(t, "some_player", profile.OnlineID)
	assert.Equal(t, 12, profile.TrophySummary.Level)
	assert.Equal(t, 10, profile.TrophySummary.EarnedTrophies.Total())
	assert.Equal(t, "Bearer token-self", rec.get("auth"))
	assert.Equal(t, "psnpool/test", rec.get("ua"))

	stats := c.SessionStats()
	assert.Equal(t, 1, stats.NumIdle, "lease must be returned after the call")
	assert.Equal(t, 0, stats.NumInUse)
}

func TestRemoteErrorReleasesLease(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]any{"code": 2105356, "message": "User not found"},
		})
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	_, err := c.GetProfile(context.Background(), "nobody")
	require.Error(t, err)

	var remote *apperrors.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 2105356, remote.Code)
	assert.Equal(t, "User not found", remote.Message)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, apperrors.ClassRemote, apperrors.Classify(err))

	stats := c.SessionStats()
	assert.Equal(t, 1, stats.NumOpen, "remote errors do not discard the session")
	assert.Equal(t, 1, stats.NumIdle)
}

func TestUndecodableResponse(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	_, err := c.GetMessageThreads(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeRemote, apperrors.CodeOf(err))
}

func TestExhaustedWithoutSessions(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler(), func(cfg *Config) {
		cfg.Sessions.MaxSize = 2
	})

	_, err := c.GetProfile(context.Background(), "player")
	require.Error(t, err)
	assert.ErrorIs(t, err, pool.ErrExhausted)
	assert.ErrorIs(t, err, session.ErrNoSession)
	assert.Equal(t, apperrors.ClassExhausted, apperrors.Classify(err))
}

func TestSessionsNeverShared(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[string]bool{}
	var overlaps atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		mu.Lock()
		if inFlight[token] {
			overlaps.Add(1)
		}
		inFlight[token] = true
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		delete(inFlight, token)
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"trophies": []any{}})
	})
	c, _ := newTestClient(t, handler, func(cfg *Config) {
		cfg.Sessions.WaitTimeout = 5 * time.Second
	}, testSession("a"), testSession("b"))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetTrophySet(context.Background(), "player", "NPWR00001_00")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), overlaps.Load())
	assert.LessOrEqual(t, c.SessionStats().NumOpen, 2)
}

func TestStaleSessionRefreshedBeforeCall(t *testing.T) {
	rec := newRecorder()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.set("auth", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"totalResults": 0, "trophyTitles": []any{}})
	})

	refresher := &stubRefresher{}
	stale := testSession("self")
	stale.LastRefreshAt = time.Now().Add(-2 * session.StaleAfter)

	c, _ := newTestClient(t, handler, func(cfg *Config) {
		cfg.Refresher = refresher
	}, stale)

	_, err := c.GetTitles(context.Background(), "player", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, "Bearer refreshed-self", rec.get("auth"))
}

func TestLeaveMessageThread(t *testing.T) {
	rec := newRecorder()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.set("method", r.Method)
		rec.set("path", r.URL.Path)
		if r.URL.Path == "/us/gmsg/gone/users/me" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	require.NoError(t, c.LeaveMessageThread(context.Background(), "thread-1"))
	assert.Equal(t, http.MethodDelete, rec.get("method"))
	assert.Equal(t, "/us/gmsg/thread-1/users/me", rec.get("path"))

	err := c.LeaveMessageThread(context.Background(), "gone")
	assert.ErrorIs(t, err, apperrors.ErrRemote, "only 204 counts as success")
}

func readParts(r *http.Request) (map[string][]byte, error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}

	parts := map[string][]byte{}
	mr := multipart.NewReader(r.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return parts, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(p)
		if err != nil {
			return nil, err
		}
		parts[p.FormName()] = data
	}
}

func TestSendMessageWithImage(t *testing.T) {
	rec := newRecorder()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		parts, err := readParts(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rec.set("content-type", r.Header.Get("Content-Type"))
		switch r.URL.Path {
		case "/us/gmsg/":
			rec.setParts("thread", parts)
			writeJSON(w, http.StatusOK, map[string]any{"threadId": "thread-9"})
		case "/us/gmsg/thread-9/messages":
			rec.setParts("message", parts)
			writeJSON(w, http.StatusOK, map[string]any{"threadId": "thread-9", "eventIndex": "42"})
		default:
			http.NotFound(w, r)
		}
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	image := []byte("\x89PNG fake image")
	resp, err := c.SendMessageWithBuf(context.Background(), "friend", "hello", image)
	require.NoError(t, err)
	assert.Equal(t, "42", resp.EventIndex)

	assert.True(t, strings.HasPrefix(rec.get("content-type"), "multipart/form-data; boundary="+strings.Repeat("-", 26)))

	var thread newThreadBody
	require.NoError(t, json.Unmarshal(rec.getParts("thread")["threadDetail"], &thread))
	require.Len(t, thread.ThreadDetail.ThreadMembers, 2)
	assert.Equal(t, "friend", thread.ThreadDetail.ThreadMembers[0].OnlineID)
	assert.Equal(t, "self", thread.ThreadDetail.ThreadMembers[1].OnlineID)

	messageParts := rec.getParts("message")
	var msg messageBody
	require.NoError(t, json.Unmarshal(messageParts["messageEventDetail"], &msg))
	assert.Equal(t, categoryImage, msg.MessageEventDetail.EventCategoryCode)
	assert.Equal(t, "hello", msg.MessageEventDetail.MessageDetail.Body)
	assert.Equal(t, image, messageParts["imageData"])
}

func TestSendMessageNeedsContent(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	_, err := c.SendMessage(context.Background(), "friend", "", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = c.SendMessage(context.Background(), "friend", "", "/does/not/exist.png")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, int32(0), hits.Load())
}

func TestSearchStoreItemsCached(t *testing.T) {
	var hits atomic.Int32
	rec := newRecorder()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		rec.set("path", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"included": []any{map[string]any{
				"id":         "UP9000-CUSA07408_00-00000000GODOFWAR",
				"type":       "game",
				"attributes": map[string]any{"name": "God of War", "platforms": []string{"PS4"}},
			}},
		})
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	res, err := c.SearchStoreItems(context.Background(), "en", "US", "21", "god of war")
	require.NoError(t, err)
	require.Len(t, res.Included, 1)
	assert.Equal(t, "God of War", res.Included[0].Attributes.Name)
	assert.Equal(t, "/store/en/US/21/tumbler-search/god+of+war", rec.get("path"))

	c.cache.Wait()

	res, err = c.SearchStoreItems(context.Background(), "en", "US", "21", "god of war")
	require.NoError(t, err)
	require.Len(t, res.Included, 1)
	assert.Equal(t, int32(1), hits.Load(), "second search must be served from cache")
}

func TestStoreFetchesCoalesced(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(w, http.StatusOK, map[string]any{"included": []any{}})
	})
	c, _ := newTestClient(t, handler, func(cfg *Config) {
		cfg.StoreCacheTTL = 0
	}, testSession("self"))
	require.Nil(t, c.cache)

	const callers = 5
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetStoreItem(context.Background(), "en", "US", "21", "CUSA07408")
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
}

func TestPauseResumeAndResize(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	c, _ := newTestClient(t, handler, nil, testSession("a"), testSession("b"))

	c.PauseSessions()
	assert.True(t, c.SessionStats().Paused)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetProfile(ctx, "player")
	assert.ErrorIs(t, err, pool.ErrTimeout)
	assert.Equal(t, apperrors.ClassTimeout, apperrors.Classify(err))

	c.ResumeSessions()
	_, err = c.GetProfile(context.Background(), "player")
	require.NoError(t, err)

	c.SetSessionMax(1)
	assert.Equal(t, 1, c.SessionStats().MaxSize)

	c.ClearSessions()
	assert.Equal(t, 0, c.SessionStats().NumIdle)

	c.AddSessions(testSession("c"))
	assert.Equal(t, 2, c.StagedSessions())
}

func TestRequestsPacedPerAccount(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	c, _ := newTestClient(t, handler, func(cfg *Config) {
		cfg.RequestsPerSecond = 20
		cfg.Burst = 1
	}, testSession("self"))

	start := time.Now()
	for range 3 {
		_, err := c.GetProfile(context.Background(), "player")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCallsRoutedThroughProxy(t *testing.T) {
	var hits atomic.Int32
	// The fake proxy answers forwarded requests itself.
	fakeProxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasPrefix(r.URL.Path, "/us/prof/") {
			writeJSON(w, http.StatusOK, map[string]any{"onlineId": "via_proxy"})
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer fakeProxy.Close()

	direct := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("request bypassed the proxy: %s", r.URL)
	})
	c, _ := newTestClient(t, direct, func(cfg *Config) {
		cfg.Endpoints = testEndpoints("http://psn.invalid")
		cfg.Proxy.Marker = "http://marker.invalid/"
	}, testSession("self"))

	_, ok := c.ProxyStats()
	assert.False(t, ok)

	require.NoError(t, c.InitProxies(proxy.Descriptor{Address: fakeProxy.URL}))
	assert.ErrorIs(t, c.InitProxies(), ErrProxiesConfigured)

	for range 2 {
		profile, err := c.GetProfile(context.Background(), "anyone")
		require.NoError(t, err)
		assert.Equal(t, "via_proxy", profile.OnlineID)
	}
	// Two calls plus one probe on the second checkout.
	assert.Equal(t, int32(3), hits.Load())

	stats, ok := c.ProxyStats()
	require.True(t, ok)
	assert.Equal(t, 1, stats.NumOpen)
	assert.Equal(t, 1, stats.NumIdle)

	c.AddProxies(proxy.Descriptor{Address: "http://backup.invalid:3128"})
	assert.Equal(t, 1, c.StagedProxies())
}

func TestCloseRejectsCalls(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler(), nil, testSession("self"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.GetProfile(context.Background(), "player")
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestGetDecodesIntoCallerType(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"custom": "value", "region": r.URL.Path})
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))

	var out struct {
		Custom string `json:"custom"`
		Region string `json:"region"`
	}
	err := c.Get(context.Background(), func(e Endpoints, s *session.Session) string {
		return e.ProfileURL(s.Region, "someone")
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "value", out.Custom)
	assert.Equal(t, "/us/prof/someone/profile", out.Region)
}

func TestInvalidInputNeverLeases(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{})
	})
	c, _ := newTestClient(t, handler, nil, testSession("self"))
	ctx := context.Background()
	rejectedBefore := testutil.ToFloat64(callsTotal.WithLabelValues("profile", "invalid_input"))

	_, err := c.GetProfile(ctx, "../../admin")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, apperrors.ClassInvalid, apperrors.Classify(err))
	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(callsTotal.WithLabelValues("profile", "invalid_input")))

	_, err = c.GetTrophySet(ctx, "player", "not-a-set")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = c.GetTitles(ctx, "player", -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = c.SearchStoreItems(ctx, "english", "US", "21", "god of war")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	assert.ErrorIs(t, c.LeaveMessageThread(ctx, ""), apperrors.ErrInvalidInput)

	assert.Zero(t, hits.Load())
	assert.Zero(t, c.SessionStats().AcquireCount)
}

func TestIdleSessionRefreshedWithZeroConfig(t *testing.T) {
	rec := newRecorder()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.set("auth", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"totalResults": 0, "trophyTitles": []any{}})
	}))
	t.Cleanup(srv.Close)

	refresher := &stubRefresher{}
	s := testSession("self")
	c, err := New(Config{Endpoints: testEndpoints(srv.URL), Refresher: refresher}, s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.GetTitles(context.Background(), "player", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-self", rec.get("auth"))

	s.LastRefreshAt = time.Now().Add(-2 * session.StaleAfter)

	_, err = c.GetTitles(context.Background(), "player", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, "Bearer refreshed-self", rec.get("auth"))
}
