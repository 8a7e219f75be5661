package offlinecache

import (
	"context"
	"net/http"
	"strings"
)

// Handler is the interface a host runtime drives.
// Returning from a handler tells the host the phase is complete,
// so an install is not finished until OnInstall has returned.
type Handler interface {
	OnInstall(ctx context.Context, ev *InstallEvent) error
	OnActivate(ctx context.Context, ev *ActivateEvent) error
	OnFetch(ctx context.Context, ev *FetchEvent) (*Result, error)
}

// Clients is the host capability for taking control of open clients.
type Clients interface {
	// Claim makes every open client controlled by the given version.
	Claim(ctx context.Context, version string) error
}

// InstallEvent is raised when a worker is first registered or updated.
type InstallEvent struct {
	skipWaiting bool
}

// SkipWaiting asks the host to activate the worker as soon as it is installed,
// instead of waiting for clients of the previous worker to go away.
func (ev *InstallEvent) SkipWaiting() {
	ev.skipWaiting = true
}

// SkippedWaiting reports whether SkipWaiting was called.
func (ev *InstallEvent) SkippedWaiting() bool {
	return ev.skipWaiting
}

// ActivateEvent is raised when the host switches over to an installed worker.
type ActivateEvent struct {
	Clients Clients
}

// Mode is the request mode as reported by the requester.
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// RequestMode determines the mode of an incoming request.
// The Sec-Fetch-Mode header is used when present. Without it, a GET that
// accepts HTML is taken to be a navigation.
func RequestMode(r *http.Request) Mode {
	switch mode := Mode(strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))); mode {
	case ModeNavigate, ModeSameOrigin, ModeNoCORS, ModeCORS:
		return mode
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return ModeNavigate
	}
	return ModeNoCORS
}

// FetchEvent is raised for every intercepted request.
type FetchEvent struct {
	// The request, with an absolute URL.
	Request *http.Request
	Mode    Mode
	// Identifier of the client that made the request, if known.
	ClientID string
}

// Strategy is the routing decision taken for a request.
type Strategy string

const (
	StrategyNetworkFirst Strategy = "network-first"
	StrategyCacheFirst   Strategy = "cache-first"
)

// Outcome is the terminal state of an intercepted request.
type Outcome string

const (
	// A live network response.
	OutcomeFresh Outcome = "fresh"
	// The stored response for the request.
	OutcomeCached Outcome = "cached"
	// A stored fallback document served in place of a failed navigation.
	OutcomeFallback Outcome = "fallback"
	// A network error; there is no response.
	OutcomeError Outcome = "error"
)

// Result is what an intercepted request was answered with.
type Result struct {
	// The response to send, nil if Outcome is OutcomeError.
	Response *http.Response
	Strategy Strategy
	Outcome  Outcome
}

// CacheStatus describes the result as a Cache-Status header value.
func (r *Result) CacheStatus() CacheStatus {
	cs := CacheStatus{}
	switch r.Outcome {
	case OutcomeCached:
		cs.Hit()
	case OutcomeFallback:
		cs.Hit()
		cs.Detail("fallback")
	case OutcomeFresh:
		if r.Strategy == StrategyNetworkFirst {
			cs.Forward(CacheStatusFwdRequest)
		} else {
			cs.Forward(CacheStatusFwdUriMiss)
		}
		cs.Stored = true
	case OutcomeError:
		cs.Forward(CacheStatusFwdMiss)
		cs.Detail("network-error")
	}
	return cs
}
