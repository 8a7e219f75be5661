package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ErrorMethodNotSupported is returned for requests that can not be stored.
// Only GET requests have a cache key.
var ErrorMethodNotSupported = errors.New("method not supported")

const methodSeparator = ":"

// CacheKeyer builds request identities for a scope.
// Relative resource paths (e.g. "./app.html") are resolved against the scope URL.
type CacheKeyer struct {
	// Absolute URL the resource paths are relative to.
	Scope *url.URL
}

// NewCacheKeyer returns a keyer for the given absolute scope URL.
// A scope without a trailing slash is treated as a directory.
func NewCacheKeyer(scope string) (CacheKeyer, error) {
	u, err := url.Parse(scope)
	if err != nil {
		return CacheKeyer{}, fmt.Errorf("parse scope: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return CacheKeyer{}, fmt.Errorf("scope must be an absolute URL: %s", scope)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	u.RawQuery = ""
	u.Fragment = ""
	return CacheKeyer{Scope: u}, nil
}

// Resolve returns the absolute URL of a resource path.
func (c CacheKeyer) Resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	u := c.Scope.ResolveReference(ref)
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Key returns the cache key for a method and absolute URL.
func (c CacheKeyer) Key(method string, u *url.URL) (string, error) {
	if method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	return method + methodSeparator + normalized.String(), nil
}

// RequestKey returns the cache key for a request.
// The request URL must be absolute.
func (c CacheKeyer) RequestKey(r *http.Request) (string, error) {
	if !r.URL.IsAbs() {
		return "", fmt.Errorf("request url not absolute: %s", r.URL)
	}
	return c.Key(r.Method, r.URL)
}

// PathKey returns the cache key for a GET of a resource path.
func (c CacheKeyer) PathKey(path string) (string, error) {
	u, err := c.Resolve(path)
	if err != nil {
		return "", err
	}
	return c.Key(http.MethodGet, u)
}

// GetRequestFromKey generates a request equal to the one that produced the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}

// SameOrigin reports whether u has the scheme and host of the scope.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.Scope.Scheme) && strings.EqualFold(u.Host, c.Scope.Host)
}
