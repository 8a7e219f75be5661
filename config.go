package offlinecache

import (
	"errors"
	"fmt"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"

	"github.com/rs/zerolog"
)

const (
	DefaultCachePrefix      = "app-"
	DefaultRuntimeCacheName = "runtime"
)

var (
	// DefaultCoreAssets is the application shell of a typical deployment:
	// the root document, the offline shell, the icon and the manifest.
	DefaultCoreAssets = []string{
		"./",
		"./index.html",
		"./app.html",
		"./icon.png",
		"./manifest.webmanifest",
	}
	// DefaultFallbacks are tried in order when a navigation fails.
	// The app shell is preferred over the generic index.
	DefaultFallbacks = []string{
		"./app.html",
		"./index.html",
	}
)

type Config struct {
	// Version tag of the deployed application shell.
	// It must change whenever CoreAssets changes.
	Version string
	// Resource paths that must be stored before the worker is installed.
	// Relative paths are resolved against Scope.
	CoreAssets []string
	// Documents to serve, in order of preference, when a navigation fails.
	Fallbacks []string
	// Prefix of the versioned cache name.
	CachePrefix string
	// Name of the cache for third-party assets, which is never evicted.
	RuntimeCacheName string
	// Absolute URL all resource paths are relative to.
	Scope string
	// Storage for the caches.
	Storage cache.CacheStorage
	// Network to fetch from.
	Network network.Fetcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// CacheName returns the name of the versioned cache for the config.
func (c Config) CacheName() string {
	prefix := c.CachePrefix
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	return prefix + c.Version
}

func (c Config) validate() error {
	var errs []error
	if c.Version == "" {
		errs = append(errs, errors.New("version must be set"))
	}
	if c.Scope == "" {
		errs = append(errs, errors.New("scope must be set"))
	}
	if c.Storage == nil {
		errs = append(errs, errors.New("storage must be set"))
	}
	if c.Network == nil {
		errs = append(errs, errors.New("network must be set"))
	}
	if c.RuntimeCacheName != "" && c.RuntimeCacheName == c.CacheName() {
		errs = append(errs, fmt.Errorf("runtime cache name %q collides with versioned cache", c.RuntimeCacheName))
	}
	return errors.Join(errs...)
}
