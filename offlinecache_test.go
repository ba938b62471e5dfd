package offlinecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/offline-cache/cache"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/snapshot"
)

const testOrigin = "https://blog.example"

type page struct {
	status int
	body   string
	typ    snapshot.Type
}

// network is a scriptable Fetcher.
type network struct {
	mutex    sync.Mutex
	offline  bool
	pages    map[string]page
	fetches  []string
	noStore  []bool
	forwards int
	// fetches of a held path block until the channel is closed
	gates map[string]chan struct{}
}

func newNetwork() *network {
	return &network{pages: map[string]page{}, gates: map[string]chan struct{}{}}
}

// hold blocks all following fetches of path until the returned channel is closed.
func (n *network) hold(path string) chan struct{} {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	gate := make(chan struct{})
	n.gates[path] = gate
	return gate
}

func (n *network) serve(path string, status int, body string) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	typ := snapshot.TypeBasic
	if isRedirect(status) {
		typ = snapshot.TypeOpaqueRedirect
	}
	n.pages[path] = page{status, body, typ}
}

func (n *network) setOffline(offline bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.offline = offline
}

func (n *network) fetchCount() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.fetches)
}

func (n *network) Fetch(ctx context.Context, r *http.Request, opts FetchOptions) (*snapshot.Snapshot, error) {
	n.mutex.Lock()
	n.fetches = append(n.fetches, r.URL.RequestURI())
	n.noStore = append(n.noStore, opts.NoStore)
	gate := n.gates[r.URL.RequestURI()]
	n.mutex.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.CodeTimeout, "fetch cancelled")
		}
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.offline {
		return nil, errors.New(errors.CodeNetwork, "offline")
	}
	p, ok := n.pages[r.URL.RequestURI()]
	if !ok {
		p = page{http.StatusNotFound, "not found", snapshot.TypeBasic}
	}
	return &snapshot.Snapshot{
		URL:        testOrigin + r.URL.RequestURI(),
		StatusCode: p.status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(p.body),
		Type:       p.typ,
	}, nil
}

func (n *network) Forward(w http.ResponseWriter, r *http.Request) {
	n.mutex.Lock()
	n.forwards++
	n.mutex.Unlock()
	w.WriteHeader(http.StatusTeapot)
}

// countingStorage records every access to the wrapped storage.
type countingStorage struct {
	cache.Storage
	mutex    sync.Mutex
	accesses int
}

func (s *countingStorage) touch() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.accesses++
}

func (s *countingStorage) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.accesses
}

func (s *countingStorage) Open(name string) cache.Partition {
	s.touch()
	return s.Storage.Open(name)
}

func (s *countingStorage) Match(key string, names ...string) ([]byte, bool, error) {
	s.touch()
	return s.Storage.Match(key, names...)
}

// failingStorage accepts no writes.
type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(name string) cache.Partition {
	return failingPartition{s.Storage.Open(name)}
}

type failingPartition struct {
	cache.Partition
}

func (failingPartition) Put(string, []byte) error {
	return errors.New(errors.CodeDatabase, "disk full")
}

func (failingPartition) PutAll([]cache.Entry) error {
	return errors.New(errors.CodeDatabase, "disk full")
}

func newTestController(t *testing.T, storage cache.Storage, n *network, modify ...func(*Config)) *Controller {
	t.Helper()
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	logger := zerolog.Nop()
	config := Config{
		Storage: storage,
		Fetcher: n,
		Origin:  *origin,
		Logger:  &logger,
	}
	for _, m := range modify {
		m(&config)
	}
	c, err := CreateController(config)
	require.NoError(t, err)
	return c
}

func serveManifest(n *network) {
	for _, path := range DefaultManifest {
		n.serve(path, http.StatusOK, "static "+path)
	}
}

func navigate(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Sec-Fetch-Dest", "document")
	return r
}

func subresource(path, dest string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	r.Header.Set("Sec-Fetch-Mode", "no-cors")
	r.Header.Set("Sec-Fetch-Dest", dest)
	return r
}

func serve(t *testing.T, h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func settle(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func stored(t *testing.T, storage cache.Storage, partition, path string) (*snapshot.Snapshot, bool) {
	t.Helper()
	b, ok, err := storage.Open(partition).Get("GET " + testOrigin + path)
	require.NoError(t, err)
	if !ok {
		return nil, false
	}
	s, err := snapshot.FromBytes(b)
	require.NoError(t, err)
	return s, true
}

func TestCreateControllerValidatesConfig(t *testing.T) {
	origin, _ := url.Parse(testOrigin)
	_, err := CreateController(Config{Fetcher: newNetwork(), Origin: *origin})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = CreateController(Config{Storage: cache.NewMemStorage(), Origin: *origin})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))

	_, err = CreateController(Config{Storage: cache.NewMemStorage(), Fetcher: newNetwork()})
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestDefaultPartitionNames(t *testing.T) {
	c := newTestController(t, cache.NewMemStorage(), newNetwork())
	assert.Equal(t, Partitions{
		Static: "joey-notes-static-v3",
		Pages:  "joey-notes-pages-v3",
		Assets: "joey-notes-assets-v3",
	}, c.Partitions())
	assert.Equal(t, StateParsed, c.State())
}

func TestPassThroughNeverTouchesStorage(t *testing.T) {
	storage := &countingStorage{Storage: cache.NewMemStorage()}
	n := newNetwork()
	c := newTestController(t, storage, n)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodPost, testOrigin+"/api/comments", nil),
		httptest.NewRequest(http.MethodPut, testOrigin+"/posts/a/", nil),
		subresource("/sw.js", "script"),
		httptest.NewRequest(http.MethodGet, "https://cdn.example/lib.js", nil),
		httptest.NewRequest(http.MethodGet, "http://blog.example/", nil),
	}
	statuses := []string{
		"Offline-Cache; fwd=method",
		"Offline-Cache; fwd=method",
		"Offline-Cache; fwd=bypass",
		"Offline-Cache; fwd=bypass",
		"Offline-Cache; fwd=bypass",
	}
	for i, r := range requests {
		w := serve(t, c, r)
		assert.Equal(t, http.StatusTeapot, w.Code, r.URL.String())
		assert.Equal(t, statuses[i], w.Header().Get(cachestatus.HeaderName), r.URL.String())
	}
	settle(t, c)
	assert.Equal(t, 0, storage.count())
	assert.Equal(t, 0, n.fetchCount())
	assert.Equal(t, len(requests), n.forwards)
}

func TestNavigationStoresOnlyCacheableResponses(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	n.serve("/posts/a/", http.StatusOK, "post a")
	n.serve("/old/", http.StatusMovedPermanently, "")
	c := newTestController(t, storage, n)
	pages := c.Partitions().Pages

	w := serve(t, c, navigate("/posts/a/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "post a", w.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=request; stored", w.Header().Get(cachestatus.HeaderName))

	w = serve(t, c, navigate("/missing/"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Offline-Cache; fwd=request", w.Header().Get(cachestatus.HeaderName))

	w = serve(t, c, navigate("/old/"))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	settle(t, c)

	s, ok := stored(t, storage, pages, "/posts/a/")
	require.True(t, ok)
	assert.Equal(t, "post a", string(s.Body))
	_, ok = stored(t, storage, pages, "/missing/")
	assert.False(t, ok)
	_, ok = stored(t, storage, pages, "/old/")
	assert.False(t, ok)

	n.mutex.Lock()
	assert.Equal(t, []bool{true, true, true}, n.noStore)
	n.mutex.Unlock()
}

func TestOfflineNavigationServedFromCache(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	n.serve("/posts/a/", http.StatusOK, "post a")
	c := newTestController(t, storage, n)

	serve(t, c, navigate("/posts/a/"))
	settle(t, c)

	n.setOffline(true)
	w := serve(t, c, navigate("/posts/a/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "post a", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=network-error", w.Header().Get(cachestatus.HeaderName))
	assert.NotEmpty(t, w.Header().Get("Age"))
}

func TestOfflineNavigationFallsBackToOfflinePage(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	serveManifest(n)
	c := newTestController(t, storage, n)
	require.NoError(t, c.Install(context.Background()))

	n.setOffline(true)
	w := serve(t, c, navigate("/posts/never-visited/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "static /offline/", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=offline-fallback", w.Header().Get(cachestatus.HeaderName))
}

func TestOfflineNavigationWithoutOfflinePage(t *testing.T) {
	n := newNetwork()
	n.setOffline(true)
	c := newTestController(t, cache.NewMemStorage(), n)

	w := serve(t, c, navigate("/posts/a/"))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Header().Get(cachestatus.HeaderName), "fwd=uri-miss")
}

func TestStaleWhileRevalidateHitReturnsCachedBytes(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	n.serve("/style.css", http.StatusOK, "body { color: red }")
	c := newTestController(t, storage, n)

	w := serve(t, c, subresource("/style.css", "style"))
	assert.Equal(t, "body { color: red }", w.Body.String())
	assert.Equal(t, "Offline-Cache; fwd=uri-miss; stored", w.Header().Get(cachestatus.HeaderName))
	settle(t, c)

	n.setOffline(true)
	w = serve(t, c, subresource("/style.css", "style"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body { color: red }", w.Body.String())
	assert.Equal(t, "Offline-Cache; hit; detail=revalidating", w.Header().Get(cachestatus.HeaderName))
	// a failed revalidation leaves the entry alone
	settle(t, c)
	s, ok := stored(t, storage, c.Partitions().Assets, "/style.css")
	require.True(t, ok)
	assert.Equal(t, "body { color: red }", string(s.Body))
}

func TestStaleWhileRevalidateHitDoesNotWaitForNetwork(t *testing.T) {
	n := newNetwork()
	n.serve("/style.css", http.StatusOK, "body { color: red }")
	c := newTestController(t, cache.NewMemStorage(), n)
	serve(t, c, subresource("/style.css", "style"))
	settle(t, c)

	gate := n.hold("/style.css")
	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		c.ServeHTTP(w, subresource("/style.css", "style"))
		done <- w
	}()
	select {
	case w := <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "body { color: red }", w.Body.String())
		assert.Equal(t, "Offline-Cache; hit; detail=revalidating", w.Header().Get(cachestatus.HeaderName))
	case <-time.After(2 * time.Second):
		t.Error("cache hit waited for the network")
	}
	close(gate)
	settle(t, c)
	assert.Equal(t, 2, n.fetchCount())
}

func TestFailedCacheWritesStillServeNetworkResponse(t *testing.T) {
	n := newNetwork()
	n.serve("/posts/a/", http.StatusOK, "post a")
	n.serve("/app.js", http.StatusOK, "B1")
	n.serve("/feed.xml", http.StatusOK, "<rss/>")
	c := newTestController(t, failingStorage{cache.NewMemStorage()}, n)

	w := serve(t, c, navigate("/posts/a/"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "post a", w.Body.String())

	w = serve(t, c, subresource("/app.js", "script"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "B1", w.Body.String())

	w = serve(t, c, subresource("/feed.xml", "empty"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "<rss/>", w.Body.String())
	settle(t, c)
}

func TestStaleWhileRevalidateMissWithoutNetwork(t *testing.T) {
	n := newNetwork()
	n.setOffline(true)
	c := newTestController(t, cache.NewMemStorage(), n)

	w := serve(t, c, subresource("/font.woff2", "font"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Header().Get(cachestatus.HeaderName), "detail=NETWORK_ERROR")
}

func TestStaleWhileRevalidateDoesNotStoreErrors(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	c := newTestController(t, storage, n)

	w := serve(t, c, subresource("/missing.png", "image"))
	assert.Equal(t, http.StatusNotFound, w.Code)
	settle(t, c)
	_, ok := stored(t, storage, c.Partitions().Assets, "/missing.png")
	assert.False(t, ok)
}

func TestNetworkFirstFallsBackToAnyPartition(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	serveManifest(n)
	n.serve("/feed.xml", http.StatusOK, "<rss/>")
	c := newTestController(t, storage, n)
	require.NoError(t, c.Install(context.Background()))

	w := serve(t, c, subresource("/feed.xml", "empty"))
	assert.Equal(t, "<rss/>", w.Body.String())
	settle(t, c)
	_, ok := stored(t, storage, c.Partitions().Assets, "/feed.xml")
	assert.True(t, ok)

	n.setOffline(true)
	w = serve(t, c, subresource("/feed.xml", "empty"))
	assert.Equal(t, "<rss/>", w.Body.String())

	// stored by install in the static partition
	w = serve(t, c, subresource("/manifest.json", "manifest"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "static /manifest.json", w.Body.String())

	w = serve(t, c, subresource("/other.json", "empty"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRepeatedFetchOverwritesEntry(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	c := newTestController(t, storage, n)

	for _, body := range []string{"first", "second"} {
		n.serve("/data.json", http.StatusOK, body)
		serve(t, c, subresource("/data.json", "empty"))
		settle(t, c)
	}
	keys, err := storage.Open(c.Partitions().Assets).Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"GET " + testOrigin + "/data.json"}, keys)
	s, ok := stored(t, storage, c.Partitions().Assets, "/data.json")
	require.True(t, ok)
	assert.Equal(t, "second", string(s.Body))
}

// Scenario C: the page gets the stale copy while the entry is refreshed behind it.
func TestScriptServedStaleThenRefreshed(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	n.serve("/app.js", http.StatusOK, "B1")
	c := newTestController(t, storage, n)
	assets := c.Partitions().Assets

	w := serve(t, c, subresource("/app.js", "script"))
	assert.Equal(t, "B1", w.Body.String())
	settle(t, c)
	s, ok := stored(t, storage, assets, "/app.js")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, s.StatusCode)
	assert.Equal(t, "B1", string(s.Body))

	n.serve("/app.js", http.StatusOK, "B2")
	w = serve(t, c, subresource("/app.js", "script"))
	assert.Equal(t, "B1", w.Body.String())
	settle(t, c)
	s, ok = stored(t, storage, assets, "/app.js")
	require.True(t, ok)
	assert.Equal(t, "B2", string(s.Body))
	assert.Equal(t, 2, n.fetchCount())
}

func TestBackgroundWorkOutlivesClientRequest(t *testing.T) {
	storage := cache.NewMemStorage()
	n := newNetwork()
	n.serve("/app.js", http.StatusOK, "B1")
	c := newTestController(t, storage, n)
	serve(t, c, subresource("/app.js", "script"))
	settle(t, c)

	n.serve("/app.js", http.StatusOK, "B2")
	ctx, cancel := context.WithCancel(context.Background())
	r := subresource("/app.js", "script").WithContext(ctx)
	serve(t, c, r)
	cancel()
	settle(t, c)

	s, ok := stored(t, storage, c.Partitions().Assets, "/app.js")
	require.True(t, ok)
	assert.Equal(t, "B2", string(s.Body))
}

func TestGetRequestSourceIp(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "1.2.3.4:10000"
	assert.Equal(t, "1.2.3.4", getRequestSourceIp(r))
	r.RemoteAddr = "[::1]:10000"
	assert.Equal(t, "[::1]", getRequestSourceIp(r))
	r.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", getRequestSourceIp(r))
}
