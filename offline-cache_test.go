package offlinecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel)

var iconBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d}

// testNetwork is a network that can be switched off and counts fetches.
type testNetwork struct {
	next    network.Fetcher
	offline atomic.Bool
	mutex   sync.Mutex
	fetched []string
}

func (n *testNetwork) Fetch(ctx context.Context, req *http.Request, opts network.Options) (*http.Response, error) {
	n.mutex.Lock()
	n.fetched = append(n.fetched, req.URL.Path)
	n.mutex.Unlock()
	if n.offline.Load() {
		return nil, errors.New("network is offline")
	}
	return n.next.Fetch(ctx, req, opts)
}

func (n *testNetwork) count() int {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return len(n.fetched)
}

type testClients struct {
	claimed []string
}

func (c *testClients) Claim(ctx context.Context, version string) error {
	c.claimed = append(c.claimed, version)
	return nil
}

// startOrigin starts an origin serving the default core assets.
// The page content can be changed through the returned pointer.
func startOrigin(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	page := &atomic.Value{}
	page.Store("page v1")
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, page.Load().(string))
	})
	mux.HandleFunc("/index.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "index")
	})
	mux.HandleFunc("/app.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "app shell")
	})
	mux.HandleFunc("/icon.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(iconBytes)
	})
	mux.HandleFunc("/manifest.webmanifest", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/manifest+json")
		io.WriteString(w, `{"name":"app"}`)
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Cookie") != "" {
			http.Error(w, "credentials sent", http.StatusBadRequest)
			return
		}
		io.WriteString(w, "body{}")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, page
}

func newTestWorker(t *testing.T, version string, storage cache.CacheStorage, origin *httptest.Server) (*Worker, *testNetwork) {
	t.Helper()
	net := &testNetwork{next: network.NewHTTPFetcher(network.Config{})}
	w, err := New(Config{
		Version: version,
		Scope:   origin.URL + "/",
		Storage: storage,
		Network: net,
		Logger:  &testLogger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return w, net
}

func install(t *testing.T, w *Worker) {
	t.Helper()
	ev := &InstallEvent{}
	if err := w.OnInstall(context.Background(), ev); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !ev.SkippedWaiting() {
		t.Fatal("Install did not skip waiting")
	}
}

func fetch(t *testing.T, w *Worker, mode Mode, url string) *Result {
	t.Helper()
	req, _ := http.NewRequest("GET", url, nil)
	result, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: mode})
	if err != nil {
		t.Fatalf("Fetch %s failed: %v", url, err)
	}
	return result
}

func body(t *testing.T, res *http.Response) string {
	t.Helper()
	if res == nil {
		t.Fatal("No response")
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func cacheNames(t *testing.T, storage cache.CacheStorage) []string {
	t.Helper()
	names, err := storage.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	return names
}

func TestInstallStoresCoreAssets(t *testing.T) {
	origin, _ := startOrigin(t)
	storage := cache.NewMemStorage()
	w, _ := newTestWorker(t, "v1", storage, origin)

	install(t, w)

	c, _ := storage.Open(context.Background(), "app-v1")
	keys, _ := c.Keys(context.Background())
	if len(keys) != len(DefaultCoreAssets) {
		t.Fatalf("Cache has %d entries: %v", len(keys), keys)
	}
	for _, path := range DefaultCoreAssets {
		key, _ := w.keyer.PathKey(path)
		res, ok, err := w.match(context.Background(), c, key)
		if err != nil || !ok {
			t.Fatalf("Core asset %s not stored (%v)", path, err)
		}
		if path == "./icon.png" {
			if b := body(t, res); !bytes.Equal([]byte(b), iconBytes) {
				t.Fatalf("Icon stored as %q", b)
			}
		} else {
			res.Body.Close()
		}
	}
}

func TestInstallFailsAtomically(t *testing.T) {
	origin, _ := startOrigin(t)
	storage := cache.NewMemStorage()
	net := &testNetwork{next: network.NewHTTPFetcher(network.Config{})}
	w, err := New(Config{
		Version:    "v1",
		Scope:      origin.URL + "/",
		CoreAssets: []string{"./", "./index.html", "./missing.js"},
		Storage:    storage,
		Network:    net,
		Logger:     &testLogger,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = w.OnInstall(context.Background(), &InstallEvent{})
	if !errors.Is(err, ErrInstallFailed) || !errors.Is(err, ErrBadStatus) {
		t.Fatalf("Install error is %v", err)
	}
	c, _ := storage.Open(context.Background(), "app-v1")
	if keys, _ := c.Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("Partial install committed: %v", keys)
	}
}

func TestInstallFailsOffline(t *testing.T) {
	origin, _ := startOrigin(t)
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	net.offline.Store(true)
	if err := w.OnInstall(context.Background(), &InstallEvent{}); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Install error is %v", err)
	}
}

// TestVersionUpgrade runs two deploys against the same storage.
//
// 1. Install and activate v1, and put something in the runtime cache.
// 2. Install and activate v2.
// 3. Only the v2 cache and the untouched runtime cache remain.
func TestVersionUpgrade(t *testing.T) {
	ctx := context.Background()
	origin, _ := startOrigin(t)
	storage := cache.NewMemStorage()
	clients := &testClients{}

	v1, _ := newTestWorker(t, "v1", storage, origin)
	install(t, v1)
	if err := v1.OnActivate(ctx, &ActivateEvent{Clients: clients}); err != nil {
		t.Fatal(err)
	}
	runtime, _ := storage.Open(ctx, "runtime")
	runtime.Put(ctx, cache.Entry{Key: "GET:https://cdn.example/lib.js", Bytes: []byte("lib")})
	// a leftover from some older deploy
	storage.Open(ctx, "app-v0")

	v2, _ := newTestWorker(t, "v2", storage, origin)
	install(t, v2)
	if err := v2.OnActivate(ctx, &ActivateEvent{Clients: clients}); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"app-v2", "runtime"}, cacheNames(t, storage)); diff != "" {
		t.Fatalf("Caches after activation (-want +got):\n%s", diff)
	}
	c, _ := storage.Open(ctx, "app-v2")
	if keys, _ := c.Keys(ctx); len(keys) != 5 {
		t.Fatalf("app-v2 has %d entries", len(keys))
	}
	if _, ok, _ := runtime.Match(ctx, "GET:https://cdn.example/lib.js"); !ok {
		t.Fatal("Runtime cache entry was evicted")
	}
	if diff := cmp.Diff([]string{"v1", "v2"}, clients.claimed); diff != "" {
		t.Fatalf("Claims (-want +got):\n%s", diff)
	}
}

func TestNavigationNetworkFirst(t *testing.T) {
	origin, page := startOrigin(t)
	w, _ := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	install(t, w)

	page.Store("page v2")
	result := fetch(t, w, ModeNavigate, origin.URL+"/")
	if result.Outcome != OutcomeFresh || result.Strategy != StrategyNetworkFirst {
		t.Fatalf("Result is %s/%s", result.Strategy, result.Outcome)
	}
	if b := body(t, result.Response); b != "page v2" {
		t.Fatalf("Body is %s", b)
	}

	// the background write updates the stored page
	w.Wait()
	result = fetch(t, w, ModeNoCORS, origin.URL+"/")
	if result.Outcome != OutcomeCached {
		t.Fatalf("Outcome is %s", result.Outcome)
	}
	if b := body(t, result.Response); b != "page v2" {
		t.Fatalf("Stored body is %s", b)
	}
}

func TestNavigationFallbacks(t *testing.T) {
	ctx := context.Background()
	origin, _ := startOrigin(t)
	storage := cache.NewMemStorage()
	w, net := newTestWorker(t, "v1", storage, origin)
	install(t, w)
	net.offline.Store(true)
	c, _ := storage.Open(ctx, "app-v1")

	// both cached: app shell wins
	result := fetch(t, w, ModeNavigate, origin.URL+"/some/page")
	if result.Outcome != OutcomeFallback {
		t.Fatalf("Outcome is %s", result.Outcome)
	}
	if b := body(t, result.Response); b != "app shell" {
		t.Fatalf("Fallback body is %s", b)
	}

	// only the index left
	appKey, _ := w.keyer.PathKey("./app.html")
	c.Delete(ctx, appKey)
	result = fetch(t, w, ModeNavigate, origin.URL+"/some/page")
	if b := body(t, result.Response); b != "index" {
		t.Fatalf("Fallback body is %s", b)
	}

	// nothing left
	indexKey, _ := w.keyer.PathKey("./index.html")
	c.Delete(ctx, indexKey)
	result = fetch(t, w, ModeNavigate, origin.URL+"/some/page")
	if result.Outcome != OutcomeError || result.Response != nil {
		t.Fatalf("Result is %+v", result)
	}
}

func TestStaticAssetServedFromCache(t *testing.T) {
	origin, _ := startOrigin(t)
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	install(t, w)
	before := net.count()

	result := fetch(t, w, ModeNoCORS, origin.URL+"/icon.png")
	if result.Outcome != OutcomeCached || result.Strategy != StrategyCacheFirst {
		t.Fatalf("Result is %s/%s", result.Strategy, result.Outcome)
	}
	if b := body(t, result.Response); !bytes.Equal([]byte(b), iconBytes) {
		t.Fatalf("Body is %q", b)
	}
	if ct := result.Response.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("Content-Type is %s", ct)
	}
	if net.count() != before {
		t.Fatalf("Network fetched %d times", net.count()-before)
	}
}

func TestStaticAssetMissIsStored(t *testing.T) {
	origin, _ := startOrigin(t)
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	install(t, w)

	req, _ := http.NewRequest("GET", origin.URL+"/style.css", nil)
	req.Header.Set("Cookie", "session=1")
	result, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: ModeNoCORS})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != OutcomeFresh {
		t.Fatalf("Outcome is %s", result.Outcome)
	}
	if b := body(t, result.Response); b != "body{}" {
		t.Fatalf("Body is %s (credentials not omitted?)", b)
	}

	net.offline.Store(true)
	result = fetch(t, w, ModeNoCORS, origin.URL+"/style.css")
	if result.Outcome != OutcomeCached {
		t.Fatalf("Outcome is %s", result.Outcome)
	}
	if b := body(t, result.Response); b != "body{}" {
		t.Fatalf("Stored body is %s", b)
	}
}

func TestConditionalMissStoresFullResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"a"`)
		if r.Header.Get("If-None-Match") == `"a"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if r.Header.Get("Range") != "" {
			w.Header().Set("Content-Range", "bytes 0-1/6")
			w.WriteHeader(http.StatusPartialContent)
			io.WriteString(w, "bo")
			return
		}
		io.WriteString(w, "body{}")
	}))
	defer origin.Close()

	tests := []struct {
		header string
		value  string
		mode   Mode
	}{
		{"If-None-Match", `"a"`, ModeNoCORS},
		{"If-None-Match", `"a"`, ModeNavigate},
		{"Range", "bytes=0-1", ModeNoCORS},
	}
	for _, test := range tests {
		t.Run(test.header+"/"+string(test.mode), func(t *testing.T) {
			w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
			req, _ := http.NewRequest("GET", origin.URL+"/style.css", nil)
			req.Header.Set(test.header, test.value)
			result, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: test.mode})
			if err != nil {
				t.Fatal(err)
			}
			if result.Response.StatusCode != http.StatusOK {
				t.Fatalf("First response has status %d", result.Response.StatusCode)
			}
			result.Response.Body.Close()
			w.Wait()

			net.offline.Store(true)
			result = fetch(t, w, ModeNoCORS, origin.URL+"/style.css")
			if result.Outcome != OutcomeCached || result.Response.StatusCode != http.StatusOK {
				t.Fatalf("Stored %s response has status %d", result.Outcome, result.Response.StatusCode)
			}
			if b := body(t, result.Response); b != "body{}" {
				t.Fatalf("Stored body is %q", b)
			}
		})
	}
}

func TestStoredResponseNotEncodedForRequester(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Accept-Encoding"), "br") {
			w.Header().Set("Content-Encoding", "br")
			io.WriteString(w, "\x1b\x05")
			return
		}
		io.WriteString(w, "plain")
	}))
	defer origin.Close()
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)

	req, _ := http.NewRequest("GET", origin.URL+"/app.js", nil)
	req.Header.Set("Accept-Encoding", "br")
	result, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: ModeNoCORS})
	if err != nil {
		t.Fatal(err)
	}
	result.Response.Body.Close()

	net.offline.Store(true)
	result = fetch(t, w, ModeNoCORS, origin.URL+"/app.js")
	if ce := result.Response.Header.Get("Content-Encoding"); ce != "" {
		t.Fatalf("Stored response has Content-Encoding %s", ce)
	}
	if b := body(t, result.Response); b != "plain" {
		t.Fatalf("Stored body is %q", b)
	}
}

func TestCrossOriginStoredWhateverStatus(t *testing.T) {
	origin, _ := startOrigin(t)
	var cdnCount atomic.Int32
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cdnCount.Add(1)
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer cdn.Close()
	w, _ := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	install(t, w)

	first := fetch(t, w, ModeNoCORS, cdn.URL+"/lib.js")
	first.Response.Body.Close()
	second := fetch(t, w, ModeNoCORS, cdn.URL+"/lib.js")
	if second.Outcome != OutcomeCached || second.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("Second result is %s with status %d", second.Outcome, second.Response.StatusCode)
	}
	second.Response.Body.Close()
	if cdnCount.Load() != 1 {
		t.Fatalf("CDN called %d times", cdnCount.Load())
	}
}

func TestStaticAssetOffline(t *testing.T) {
	origin, _ := startOrigin(t)
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)
	install(t, w)
	net.offline.Store(true)

	result := fetch(t, w, ModeNoCORS, origin.URL+"/never-seen.js")
	if result.Outcome != OutcomeError || result.Response != nil {
		t.Fatalf("Result is %+v", result)
	}
}

func TestNonGetNotStored(t *testing.T) {
	var posts atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		fmt.Fprintf(w, "So you wanted to %s?", r.Method)
	}))
	defer origin.Close()
	w, _ := newTestWorker(t, "v1", cache.NewMemStorage(), origin)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("POST", origin.URL+"/api", nil)
		result, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: ModeCORS})
		if err != nil {
			t.Fatal(err)
		}
		if b := body(t, result.Response); b != "So you wanted to POST?" {
			t.Fatalf("Body is %s", b)
		}
	}
	if posts.Load() != 2 {
		t.Fatalf("Origin called %d times", posts.Load())
	}
}

// TestConcurrentMissesBothFetch checks that there is no request collapsing:
// the origin only answers once two requests for the same asset are in flight.
func TestConcurrentMissesBothFetch(t *testing.T) {
	arrived := sync.WaitGroup{}
	arrived.Add(2)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		arrived.Wait()
		io.WriteString(w, "asset")
	}))
	defer origin.Close()
	w, net := newTestWorker(t, "v1", cache.NewMemStorage(), origin)

	done := make(chan *Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req, _ := http.NewRequest("GET", origin.URL+"/asset.js", nil)
			result, _ := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: ModeNoCORS})
			done <- result
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case result := <-done:
			if result == nil || result.Outcome != OutcomeFresh {
				t.Fatalf("Result is %+v", result)
			}
			result.Response.Body.Close()
		case <-time.After(5 * time.Second):
			t.Fatal("Requests were not fetched concurrently")
		}
	}
	if net.count() != 2 {
		t.Fatalf("Network fetched %d times", net.count())
	}
}

type brokenStorage struct {
	cache.CacheStorage
}

func (brokenStorage) Open(ctx context.Context, name string) (cache.Cache, error) {
	return nil, errors.New("quota exceeded")
}

func TestStorageFailureSurfaces(t *testing.T) {
	origin, _ := startOrigin(t)
	w, _ := newTestWorker(t, "v1", brokenStorage{cache.NewMemStorage()}, origin)
	req, _ := http.NewRequest("GET", origin.URL+"/icon.png", nil)
	if _, err := w.OnFetch(context.Background(), &FetchEvent{Request: req, Mode: ModeNoCORS}); err == nil {
		t.Fatal("Expected storage error")
	}
	if err := w.OnInstall(context.Background(), &InstallEvent{}); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Install error is %v", err)
	}
}

func TestCorruptedEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	origin, _ := startOrigin(t)
	storage := cache.NewMemStorage()
	w, _ := newTestWorker(t, "v1", storage, origin)
	c, _ := storage.Open(ctx, "app-v1")
	key, _ := w.keyer.PathKey("./icon.png")
	c.Put(ctx, cache.Entry{Key: key, Bytes: []byte("garbage")})

	result := fetch(t, w, ModeNoCORS, origin.URL+"/icon.png")
	if result.Outcome != OutcomeFresh {
		t.Fatalf("Outcome is %s", result.Outcome)
	}
	if b := body(t, result.Response); !bytes.Equal([]byte(b), iconBytes) {
		t.Fatalf("Body is %q", b)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("Empty config accepted")
	}
	_, err := New(Config{
		Version:          "v1",
		CachePrefix:      "runtime-",
		RuntimeCacheName: "runtime-v1",
		Scope:            "http://localhost/",
		Storage:          cache.NewMemStorage(),
		Network:          network.NewHTTPFetcher(network.Config{}),
	})
	if err == nil {
		t.Fatal("Colliding cache names accepted")
	}
}
