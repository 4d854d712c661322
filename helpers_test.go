package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testOrigin = url.URL{Scheme: "https", Host: "example.test"}

var errOffline = errors.New("network unreachable")

var testLogger = zerolog.Nop()

// testSite is an in-process origin whose pages can be changed between requests.
type testSite struct {
	mu      sync.Mutex
	pages   map[string]testPage
	hits    map[string]int
	offline bool
	// requests for a path wait until its channel is closed
	gates map[string]chan struct{}
}

type testPage struct {
	status int
	body   string
}

func newTestSite() *testSite {
	return &testSite{
		pages: map[string]testPage{
			"/":             {http.StatusOK, "home"},
			"/app.js":       {http.StatusOK, "app v1"},
			"/style.css":    {http.StatusOK, "style v1"},
			"/offline.html": {http.StatusOK, "you are offline"},
		},
		hits:  make(map[string]int),
		gates: make(map[string]chan struct{}),
	}
}

func (s *testSite) set(path, body string) {
	s.setPage(path, http.StatusOK, body)
}

func (s *testSite) setPage(path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[path] = testPage{status, body}
}

func (s *testSite) setOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

func (s *testSite) isOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// block holds requests for path until the returned function is called.
func (s *testSite) block(path string) func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[path] = gate
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.gates, path)
		s.mu.Unlock()
		close(gate)
	}
}

func (s *testSite) hitCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *testSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	gate := s.gates[r.URL.Path]
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	page, ok := s.pages[r.URL.Path]
	s.mu.Unlock()
	if r.Method != http.MethodGet {
		w.Write([]byte(fmt.Sprintf("So you wanted to %s?", r.Method)))
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(page.status)
	w.Write([]byte(page.body))
}

func (s *testSite) network() Network {
	handler := NewHandlerNetwork(s)
	return NetworkFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		if s.isOffline() {
			return nil, errOffline
		}
		return handler.Fetch(ctx, req)
	})
}

func testConfig(storage cache.Storage, site *testSite, version string) Config {
	return Config{
		Version:        version,
		Storage:        storage,
		Network:        site.network(),
		OriginURL:      testOrigin,
		CriticalAssets: []string{"/", "/app.js", "/style.css"},
		Logger:         &testLogger,
	}
}

func newTestWorker(t *testing.T, config Config) *Worker {
	t.Helper()
	w, err := NewWorker(config)
	require.NoError(t, err)
	return w
}

func newTestRegistration(site *testSite) *Registration {
	return NewRegistration(RegistrationConfig{
		OriginURL: testOrigin,
		Network:   site.network(),
		Logger:    &testLogger,
	})
}

// installed returns a registration with an active worker of the given version.
func installed(t *testing.T, storage cache.Storage, site *testSite, version string) (*Registration, *Worker) {
	t.Helper()
	reg := newTestRegistration(site)
	w := newTestWorker(t, testConfig(storage, site, version))
	require.NoError(t, reg.Register(context.Background(), w))
	require.Equal(t, StateActive, w.State())
	return reg, w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	return serve(h, httptest.NewRequest(http.MethodGet, path, nil))
}

func navigate(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return serve(h, req)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func body(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	b, err := io.ReadAll(rr.Result().Body)
	require.NoError(t, err)
	return string(b)
}

// stored returns the status and body stored for path in the named partition.
func stored(t *testing.T, storage cache.Storage, partition, path string) (int, string, bool) {
	t.Helper()
	ok, err := storage.Has(partition)
	require.NoError(t, err)
	if !ok {
		return 0, "", false
	}
	p, err := storage.Open(partition)
	require.NoError(t, err)
	entry, ok, err := p.Match("GET:" + testOrigin.String() + path)
	require.NoError(t, err)
	if !ok {
		return 0, "", false
	}
	sRes, err := serializer.BytesToStoredResponse(entry.Bytes, nil)
	require.NoError(t, err)
	b, err := io.ReadAll(sRes.Response.Body)
	require.NoError(t, err)
	return sRes.Response.StatusCode, string(b), true
}

func names(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	n, err := storage.Names()
	require.NoError(t, err)
	return n
}

// settle waits for the background work of the registration.
func settle(t *testing.T, reg *Registration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reg.Shutdown(ctx))
}
