package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/host"
	"github.com/always-cache/offline-cache/pkg/network"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	flags := newFlagSet()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fmt.Fprint(os.Stderr, flags.FlagUsages())
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	setupLogging(flags)

	config, err := loadConfig(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin")
	}

	storage, closeStorage, err := openStorage(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}
	defer closeStorage()

	fetcher := network.NewHTTPFetcher(network.Config{
		Origin:     originURL,
		OriginHost: config.Host,
	})
	h, err := host.New(host.Options{
		Storage:          storage,
		Network:          fetcher,
		Origin:           originURL,
		StateFile:        config.StateFile,
		CrossOriginHosts: config.CrossOriginHosts,
		Logger:           &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create host")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// register the configured version, then every version configured later
	register := func(ctx context.Context, config Config) error {
		w, err := newWorker(config, originURL, storage, fetcher)
		if err != nil {
			return err
		}
		return h.Register(ctx, w)
	}
	reload := func(ctx context.Context) error {
		config, err := loadConfig(flags)
		if err != nil {
			return err
		}
		return register(ctx, config)
	}
	if err := register(ctx, config); err != nil {
		// keep serving, requests go to the network until an update succeeds
		log.Error().Err(err).Msg("Could not register worker")
	}

	configFile, _ := flags.GetString("config")
	if watch, _ := flags.GetBool("watch"); watch && configFile != "" {
		if err := watchConfig(ctx, configFile, reload); err != nil {
			log.Fatal().Err(err).Msg("Could not watch config file")
		}
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(h, reload),
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), config.Host)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	h.Wait()
}

func setupLogging(flags *flag.FlagSet) {
	// set log level
	logLevel := zerolog.DebugLevel
	if trace, _ := flags.GetBool("vv"); trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename, _ := flags.GetString("log-file"); logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("build", version).Logger()
}

func openStorage(config Config) (cache.CacheStorage, func() error, error) {
	if config.Provider == "memory" {
		return cache.NewMemStorage(), func() error { return nil }, nil
	}
	s, err := cache.NewSQLiteStorage(config.DB)
	if err != nil {
		return nil, nil, err
	}
	return s, s.Close, nil
}

func newWorker(config Config, origin *url.URL, storage cache.CacheStorage, fetcher network.Fetcher) (*offlinecache.Worker, error) {
	scope := config.Scope
	if scope == "" {
		scope = origin.ResolveReference(&url.URL{Path: "/"}).String()
	}
	return offlinecache.New(offlinecache.Config{
		Version:          config.Version,
		CoreAssets:       config.CoreAssets,
		Fallbacks:        config.Fallbacks,
		CachePrefix:      config.CachePrefix,
		RuntimeCacheName: config.RuntimeCache,
		Scope:            scope,
		Storage:          storage,
		Network:          fetcher,
		Logger:           &log.Logger,
	})
}

// newRouter routes the admin endpoints and hands everything else to the host.
func newRouter(h *host.Host, reload func(context.Context) error) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))

	r.Get("/.offline-cache/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := h.Status(r.Context())
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not get status")
			http.Error(w, "Could not get status", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	r.Post("/.offline-cache/update", func(w http.ResponseWriter, r *http.Request) {
		if err := reload(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not update")
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/*", h)

	return r
}
