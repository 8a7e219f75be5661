package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ErrActivateFailed is returned when an installed worker could not be activated.
var ErrActivateFailed = errors.New("activate failed")

const (
	DefaultInstallRetries = 3
	DefaultClientTTL      = 24 * time.Hour
)

// Worker is a cache interception layer the host can run.
type Worker interface {
	offlinecache.Handler
	Version() string
	CacheName() string
	// Wait blocks until background work of the worker is done.
	Wait()
}

type Options struct {
	// Storage shared by all workers.
	Storage cache.CacheStorage
	// Network used for requests that are not intercepted.
	Network network.Fetcher
	// URL of the origin server. Origins with paths are not supported.
	Origin *url.URL
	// File the registration state is kept in. Nothing is persisted if empty.
	StateFile string
	// Number of install attempts before a registration fails.
	InstallRetries uint
	// Initial wait between install attempts.
	RetryInterval time.Duration
	// Clients not seen for this long are considered closed.
	ClientTTL time.Duration
	// Hosts other than the origin that absolute-form requests may target,
	// e.g. the CDNs whose assets end up in the runtime cache.
	// Entries are matched against the host, with or without port.
	CrossOriginHosts []string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type registered struct {
	worker Worker
}

// Host runs workers in front of an origin the way a browser runs a service worker:
// it installs and activates them and routes requests through the active one.
type Host struct {
	storage       cache.CacheStorage
	network       network.Fetcher
	origin        *url.URL
	stateFile     string
	retries       uint
	retryInterval time.Duration
	clients       *Clients
	crossOrigin   []string
	log           zerolog.Logger

	// serializes registrations and activations
	mutex   sync.Mutex
	active  atomic.Pointer[registered]
	waiting atomic.Pointer[registered]
	retired []Worker
}

func New(opts Options) (*Host, error) {
	if opts.Storage == nil || opts.Network == nil {
		return nil, errors.New("storage and network must be set")
	}
	if opts.Origin == nil || !opts.Origin.IsAbs() {
		return nil, errors.New("origin must be an absolute URL")
	}
	if opts.InstallRetries == 0 {
		opts.InstallRetries = DefaultInstallRetries
	}
	if opts.ClientTTL == 0 {
		opts.ClientTTL = DefaultClientTTL
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if opts.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *opts.Logger
	}
	logger = logger.With().
		Str("origin", opts.Origin.String()).
		Logger()

	return &Host{
		storage:       opts.Storage,
		network:       opts.Network,
		origin:        opts.Origin,
		stateFile:     opts.StateFile,
		retries:       opts.InstallRetries,
		retryInterval: opts.RetryInterval,
		clients:       NewClients(opts.ClientTTL),
		crossOrigin:   append([]string(nil), opts.CrossOriginHosts...),
		log:           logger,
	}, nil
}

// Active returns the active worker, nil if there is none.
func (h *Host) Active() Worker {
	if r := h.active.Load(); r != nil {
		return r.worker
	}
	return nil
}

// Waiting returns the installed worker waiting for activation, nil if there is none.
func (h *Host) Waiting() Worker {
	if r := h.waiting.Load(); r != nil {
		return r.worker
	}
	return nil
}

func (h *Host) Clients() *Clients {
	return h.clients
}

// Register installs and, when possible, activates the worker.
// A worker whose version is already active is ignored.
// If the install fails the previous worker stays in charge.
func (h *Host) Register(ctx context.Context, w Worker) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	logger := h.log.With().Str("version", w.Version()).Logger()
	prev := h.Active()
	if prev != nil && prev.Version() == w.Version() {
		logger.Debug().Msg("Version already active")
		return nil
	}
	if prev == nil {
		adopted, err := h.adopt(ctx, w)
		if err != nil {
			return err
		}
		if adopted {
			logger.Info().Msg("Adopted installed version")
			return nil
		}
	}

	ev, err := h.install(ctx, w, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Install failed")
		return err
	}
	if ev.SkippedWaiting() || prev == nil || h.clients.Controlled(prev.Version()) == 0 {
		return h.activate(ctx, w, logger)
	}
	if old := h.waiting.Swap(&registered{w}); old != nil {
		h.retired = append(h.retired, old.worker)
	}
	logger.Info().Str("active", prev.Version()).Msg("Waiting for clients to close")
	return nil
}

// adopt makes w active without installing it
// if the persisted state says it is already installed.
func (h *Host) adopt(ctx context.Context, w Worker) (bool, error) {
	reg, ok, err := loadRegistration(h.stateFile)
	if err != nil {
		h.log.Warn().Err(err).Msg("Ignoring registration state")
		return false, nil
	}
	if !ok || reg.Version != w.Version() || reg.Cache != w.CacheName() {
		return false, nil
	}
	exists, err := h.storage.Has(ctx, reg.Cache)
	if err != nil || !exists {
		return false, err
	}
	h.active.Store(&registered{w})
	return true, nil
}

func (h *Host) install(ctx context.Context, w Worker, logger zerolog.Logger) (*offlinecache.InstallEvent, error) {
	b := backoff.NewExponentialBackOff()
	if h.retryInterval != 0 {
		b.InitialInterval = h.retryInterval
	}
	return backoff.Retry(ctx, func() (*offlinecache.InstallEvent, error) {
		ev := &offlinecache.InstallEvent{}
		if err := w.OnInstall(ctx, ev); err != nil {
			return nil, err
		}
		return ev, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.retries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Dur("retry_in", next).Msg("Install attempt failed")
		}),
	)
}

// must hold mutex
func (h *Host) activate(ctx context.Context, w Worker, logger zerolog.Logger) error {
	if err := w.OnActivate(ctx, &offlinecache.ActivateEvent{Clients: h.clients}); err != nil {
		logger.Error().Err(err).Msg("Activation failed")
		return fmt.Errorf("%w: %w", ErrActivateFailed, err)
	}
	if old := h.active.Swap(&registered{w}); old != nil {
		h.retired = append(h.retired, old.worker)
	}
	if waiting := h.waiting.Load(); waiting != nil && waiting.worker == w {
		h.waiting.Store(nil)
	}
	err := saveRegistration(h.stateFile, registration{
		Version:     w.Version(),
		Cache:       w.CacheName(),
		ActivatedAt: time.Now(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Could not persist registration")
	}
	logger.Info().Msg("Active")
	return nil
}

// ReleaseClient forgets a closed client. The waiting worker is activated
// once no client is controlled by the active one anymore.
func (h *Host) ReleaseClient(ctx context.Context, id string) error {
	h.clients.Release(id)

	h.mutex.Lock()
	defer h.mutex.Unlock()
	waiting, active := h.Waiting(), h.Active()
	if waiting == nil || (active != nil && h.clients.Controlled(active.Version()) > 0) {
		return nil
	}
	return h.activate(ctx, waiting, h.log.With().Str("version", waiting.Version()).Logger())
}

// Wait blocks until background work of all workers is done.
func (h *Host) Wait() {
	h.mutex.Lock()
	workers := append([]Worker(nil), h.retired...)
	h.mutex.Unlock()
	if w := h.Active(); w != nil {
		workers = append(workers, w)
	}
	if w := h.Waiting(); w != nil {
		workers = append(workers, w)
	}
	for _, w := range workers {
		w.Wait()
	}
}

type Status struct {
	Active  string   `json:"active"`
	Waiting string   `json:"waiting,omitempty"`
	Caches  []string `json:"caches"`
	Clients int      `json:"clients"`
}

// Status returns a snapshot of the host state.
func (h *Host) Status(ctx context.Context) (Status, error) {
	names, err := h.storage.Keys(ctx)
	if err != nil {
		return Status{}, err
	}
	s := Status{Caches: names, Clients: h.clients.Count()}
	if w := h.Active(); w != nil {
		s.Active = w.Version()
	}
	if w := h.Waiting(); w != nil {
		s.Waiting = w.Version()
	}
	return s, nil
}

// ServeHTTP implements the http.Handler interface.
// Requests are routed through the active worker if it controls the client
// or the request is a navigation, and go to the network otherwise.
// A network error is reported to the requester by aborting the connection.
// Absolute-form requests for hosts that are not allowed are rejected.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.IsAbs() && !h.allowedTarget(r.URL) {
		h.requestLogger(r).Warn().Str("url", r.URL.String()).Msg("Rejected request for foreign host")
		http.Error(w, "Target host not allowed", http.StatusBadRequest)
		return
	}
	id := h.clients.Identify(w, r)
	mode := offlinecache.RequestMode(r)
	req := h.eventRequest(r)
	logger := h.requestLogger(r).With().Str("url", req.URL.String()).Str("mode", string(mode)).Logger()

	worker := h.Active()
	if worker != nil && mode == offlinecache.ModeNavigate {
		h.clients.Control(id, worker.Version())
	}
	if worker == nil || h.clients.Controller(id) == "" {
		h.bypass(w, req, logger)
		return
	}

	result, err := worker.OnFetch(r.Context(), &offlinecache.FetchEvent{
		Request:  req,
		Mode:     mode,
		ClientID: id,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Fetch handler failed")
		panic(http.ErrAbortHandler)
	}
	if result.Outcome == offlinecache.OutcomeError {
		logger.Debug().Str("strategy", string(result.Strategy)).Msg("Network error")
		panic(http.ErrAbortHandler)
	}
	logger.Debug().
		Str("strategy", string(result.Strategy)).
		Str("outcome", string(result.Outcome)).
		Int("status", result.Response.StatusCode).
		Msg("Served")
	writeResponse(w, result.Response, result.CacheStatus())
}

// requestLogger returns the request logger set up by the router, if any.
func (h *Host) requestLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &h.log
	}
	return logger
}

func (h *Host) bypass(w http.ResponseWriter, req *http.Request, logger zerolog.Logger) {
	res, err := h.network.Fetch(req.Context(), req, network.Options{
		Credentials: network.CredentialsInclude,
		Redirect:    network.RedirectManual,
	})
	if err != nil {
		logger.Debug().Err(err).Msg("Network error")
		panic(http.ErrAbortHandler)
	}
	cs := offlinecache.CacheStatus{}
	cs.Forward(offlinecache.CacheStatusFwdBypass)
	logger.Trace().Int("status", res.StatusCode).Msg("Bypassed")
	writeResponse(w, res, cs)
}

// allowedTarget reports whether an absolute-form request may be sent to u.
func (h *Host) allowedTarget(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if strings.EqualFold(u.Host, h.origin.Host) {
		return true
	}
	for _, host := range h.crossOrigin {
		if strings.EqualFold(u.Host, host) || strings.EqualFold(u.Hostname(), host) {
			return true
		}
	}
	return false
}

// eventRequest returns the request as seen by the worker:
// with an absolute URL and without the client cookie.
// Absolute-form request URIs are kept as they are (see allowedTarget), anything else is on the origin.
func (h *Host) eventRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	if !r.URL.IsAbs() {
		u := *h.origin
		u.Path = r.URL.Path
		u.RawPath = r.URL.RawPath
		u.RawQuery = r.URL.RawQuery
		u.Fragment = ""
		req.URL = &u
	}
	req.Host = req.URL.Host

	req.Header.Del("Cookie")
	for _, c := range r.Cookies() {
		if c.Name != ClientCookie {
			req.AddCookie(c)
		}
	}
	return req
}

func writeResponse(w http.ResponseWriter, res *http.Response, cs offlinecache.CacheStatus) {
	defer res.Body.Close()
	for k, vv := range res.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Add("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}
