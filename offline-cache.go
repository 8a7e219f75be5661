package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrInstallFailed is returned when the core assets could not be stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrBadStatus is returned when a core asset is fetched with a non-2xx status.
	ErrBadStatus = errors.New("bad response status")
)

// Worker is the cache interception layer.
// It owns one versioned cache, keeps its hands off the runtime cache,
// and answers intercepted requests from the cache or the network.
type Worker struct {
	version          string
	cacheName        string
	runtimeCacheName string
	coreAssets       []string
	fallbacks        []string
	storage          cache.CacheStorage
	network          network.Fetcher
	keyer            cachekey.CacheKeyer
	log              zerolog.Logger
	// background cache writes, see Wait
	background conc.WaitGroup
}

var _ Handler = (*Worker)(nil)

// New creates a worker for the given configuration.
func New(config Config) (*Worker, error) {
	if config.CachePrefix == "" {
		config.CachePrefix = DefaultCachePrefix
	}
	if config.RuntimeCacheName == "" {
		config.RuntimeCacheName = DefaultRuntimeCacheName
	}
	if config.CoreAssets == nil {
		config.CoreAssets = DefaultCoreAssets
	}
	if config.Fallbacks == nil {
		config.Fallbacks = DefaultFallbacks
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	keyer, err := cachekey.NewCacheKeyer(config.Scope)
	if err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	return &Worker{
		version:          config.Version,
		cacheName:        config.CacheName(),
		runtimeCacheName: config.RuntimeCacheName,
		coreAssets:       append([]string(nil), config.CoreAssets...),
		fallbacks:        append([]string(nil), config.Fallbacks...),
		storage:          config.Storage,
		network:          config.Network,
		keyer:            keyer,
		log:              logger,
	}, nil
}

func (w *Worker) Version() string {
	return w.version
}

// CacheName returns the name of the versioned cache.
func (w *Worker) CacheName() string {
	return w.cacheName
}

func (w *Worker) RuntimeCacheName() string {
	return w.runtimeCacheName
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.background.Wait()
}

// OnInstall stores all core assets in the versioned cache.
// Either all of them are stored or none are.
func (w *Worker) OnInstall(ctx context.Context, ev *InstallEvent) error {
	ev.SkipWaiting()
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrInstallFailed, w.cacheName, err)
	}
	if err := w.addAll(ctx, c, w.coreAssets); err != nil {
		w.log.Error().Err(err).Str("cache", w.cacheName).Msg("Could not store core assets")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.log.Info().Str("cache", w.cacheName).Int("assets", len(w.coreAssets)).Msg("Installed")
	return nil
}

// addAll fetches all paths concurrently and stores them in one write.
// Nothing is written if any fetch fails.
func (w *Worker) addAll(ctx context.Context, c cache.Cache, paths []string) error {
	p := pool.NewWithResults[cache.Entry]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, path := range paths {
		p.Go(func(ctx context.Context) (cache.Entry, error) {
			return w.fetchEntry(ctx, path)
		})
	}
	entries, err := p.Wait()
	if err != nil {
		return err
	}
	return c.PutAll(ctx, entries)
}

func (w *Worker) fetchEntry(ctx context.Context, path string) (cache.Entry, error) {
	key, err := w.keyer.PathKey(path)
	if err != nil {
		return cache.Entry{}, err
	}
	req, err := w.keyer.GetRequestFromKey(key)
	if err != nil {
		return cache.Entry{}, err
	}
	req = req.WithContext(ctx)
	w.log.Trace().Str("url", req.URL.String()).Msg("Fetching core asset")
	res, err := w.network.Fetch(ctx, req, network.Options{})
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w: %d", path, ErrBadStatus, res.StatusCode)
	}
	res.Request = req
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", path, err)
	}
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts}, nil
}

// OnActivate deletes every cache other than the current versioned cache and
// the runtime cache, then claims all open clients.
func (w *Worker) OnActivate(ctx context.Context, ev *ActivateEvent) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	p := pool.New().WithContext(ctx).WithFirstError()
	for _, name := range names {
		if name == w.cacheName || name == w.runtimeCacheName {
			continue
		}
		p.Go(func(ctx context.Context) error {
			if _, err := w.storage.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			w.log.Info().Str("cache", name).Msg("Deleted old cache")
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}
	if ev.Clients != nil {
		if err := ev.Clients.Claim(ctx, w.version); err != nil {
			return fmt.Errorf("claim clients: %w", err)
		}
	}
	w.log.Info().Str("cache", w.cacheName).Msg("Activated")
	return nil
}

// OnFetch answers an intercepted request.
// Navigations go to the network first, everything else to the cache first.
// An error is returned only if the cache storage fails.
func (w *Worker) OnFetch(ctx context.Context, ev *FetchEvent) (*Result, error) {
	if ev.Mode == ModeNavigate {
		return w.networkFirst(ctx, ev)
	}
	return w.cacheFirst(ctx, ev)
}

func (w *Worker) networkFirst(ctx context.Context, ev *FetchEvent) (*Result, error) {
	result := &Result{Strategy: StrategyNetworkFirst}
	logger := w.log.With().Str("url", ev.Request.URL.String()).Str("strategy", string(result.Strategy)).Logger()

	res, err := w.network.Fetch(ctx, networkRequest(ctx, ev.Request), network.Options{
		Credentials: network.CredentialsInclude,
		Redirect:    network.RedirectManual,
	})
	var stored *http.Response
	if err == nil {
		// reading the body is part of fetching it
		if stored, err = serializer.Clone(res); err != nil {
			res.Body.Close()
		}
	}

	c, cerr := w.storage.Open(ctx, w.cacheName)
	if cerr != nil {
		if err == nil {
			res.Body.Close()
		}
		return nil, fmt.Errorf("open %s: %w", w.cacheName, cerr)
	}

	if err == nil {
		stored.Request = ev.Request
		// update cache in background, do not slow down the response
		w.background.Go(func() {
			if err := w.put(context.WithoutCancel(ctx), c, stored); err != nil {
				w.logPutError(logger, err)
			}
		})
		result.Response = res
		result.Outcome = OutcomeFresh
		logger.Trace().Int("status", res.StatusCode).Msg("Network response")
		return result, nil
	}

	logger.Debug().Err(err).Msg("Network failed, falling back to cache")
	for _, path := range w.fallbacks {
		key, err := w.keyer.PathKey(path)
		if err != nil {
			return nil, err
		}
		res, ok, err := w.match(ctx, c, key)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Trace().Str("fallback", path).Msg("Serving fallback")
			result.Response = res
			result.Outcome = OutcomeFallback
			return result, nil
		}
	}
	result.Outcome = OutcomeError
	return result, nil
}

func (w *Worker) cacheFirst(ctx context.Context, ev *FetchEvent) (*Result, error) {
	result := &Result{Strategy: StrategyCacheFirst}
	logger := w.log.With().Str("url", ev.Request.URL.String()).Str("strategy", string(result.Strategy)).Logger()

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", w.cacheName, err)
	}
	// requests without a key (non-GET) never match
	if key, err := w.keyer.RequestKey(ev.Request); err == nil {
		res, ok, err := w.match(ctx, c, key)
		if err != nil {
			return nil, err
		}
		if ok {
			logger.Trace().Str("key", key).Msg("Cache hit")
			result.Response = res
			result.Outcome = OutcomeCached
			return result, nil
		}
	}

	res, err := w.network.Fetch(ctx, networkRequest(ctx, ev.Request), network.Options{
		Credentials: network.CredentialsOmit,
		Redirect:    network.RedirectFollow,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("Network failed, nothing cached")
		result.Outcome = OutcomeError
		return result, nil
	}
	stored, err := serializer.Clone(res)
	if err != nil {
		res.Body.Close()
		logger.Debug().Err(err).Msg("Could not read network response")
		result.Outcome = OutcomeError
		return result, nil
	}
	// cross-origin responses are stored as they are, whatever their status
	stored.Request = ev.Request
	if err := w.put(ctx, c, stored); err != nil {
		w.logPutError(logger, err)
	}
	logger.Trace().
		Int("status", res.StatusCode).
		Bool("opaque", !w.keyer.SameOrigin(ev.Request.URL)).
		Msg("Network response")
	result.Response = res
	result.Outcome = OutcomeFresh
	return result, nil
}

// requesterHeaders belong to the requester's own HTTP cache and content negotiation.
// A response to a request carrying them is not the full resource.
var requesterHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
	// the transport negotiates and decodes the encoding itself
	"Accept-Encoding",
}

// networkRequest returns the request to send to the network for an intercepted request.
func networkRequest(ctx context.Context, r *http.Request) *http.Request {
	req := r.Clone(ctx)
	for _, h := range requesterHeaders {
		req.Header.Del(h)
	}
	return req
}

// put stores a response under the key of its request.
func (w *Worker) put(ctx context.Context, c cache.Cache, res *http.Response) error {
	key, err := w.keyer.RequestKey(res.Request)
	if err != nil {
		return err
	}
	bts, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	return c.Put(ctx, cache.Entry{Key: key, StoredAt: time.Now(), Bytes: bts})
}

func (w *Worker) logPutError(logger zerolog.Logger, err error) {
	if errors.Is(err, cachekey.ErrorMethodNotSupported) {
		logger.Trace().Err(err).Msg("Response not storable")
		return
	}
	logger.Warn().Err(err).Msg("Could not write to cache")
}

// match returns the stored response for key.
// Corrupted entries are deleted and reported as a miss.
func (w *Worker) match(ctx context.Context, c cache.Cache, key string) (*http.Response, bool, error) {
	entry, ok, err := c.Match(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	res, err := serializer.BytesToResponse(entry.Bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read from cache")
		if _, err := c.Delete(ctx, key); err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not delete corrupted entry")
		}
		return nil, false, nil
	}
	return res, true, nil
}
