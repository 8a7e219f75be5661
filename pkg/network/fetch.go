package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Credentials controls whether credentials are sent with a fetch.
type Credentials int

const (
	// CredentialsInclude sends cookies and authorization with the request.
	CredentialsInclude Credentials = iota
	// CredentialsOmit strips cookies and authorization from the request.
	CredentialsOmit
)

// Redirect controls how redirect responses are handled.
type Redirect int

const (
	// RedirectFollow follows redirects and returns the final response.
	RedirectFollow Redirect = iota
	// RedirectManual returns redirect responses as they are.
	RedirectManual
)

type Options struct {
	Credentials Credentials
	Redirect    Redirect
}

// Fetcher performs network fetches.
// A returned error means the network could not be reached;
// any HTTP response, whatever its status, is a successful fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request, opts Options) (*http.Response, error)
}

type Config struct {
	// URL of the origin server.
	Origin *url.URL
	// Hostname to use for HTTP requests and TLS negotiation with the origin.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Transport to use, http.DefaultTransport if nil.
	Transport http.RoundTripper
}

// HTTPFetcher is a Fetcher backed by net/http clients.
type HTTPFetcher struct {
	origin     *url.URL
	originHost string
	follow     *http.Client
	manual     *http.Client
}

func NewHTTPFetcher(config Config) *HTTPFetcher {
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
		if config.OriginHost != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}
	return &HTTPFetcher{
		origin:     config.Origin,
		originHost: config.OriginHost,
		follow:     &http.Client{Transport: transport},
		manual: &http.Client{
			Transport: transport,
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch sends the request to the network.
// The request URL must be absolute.
func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request, opts Options) (*http.Response, error) {
	if !r.URL.IsAbs() {
		return nil, fmt.Errorf("fetch: url not absolute: %s", r.URL)
	}
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = r.ContentLength
	copyHeader(req.Header, r.Header)
	if opts.Credentials == CredentialsOmit {
		req.Header.Del("Cookie")
		req.Header.Del("Authorization")
	}
	if f.originHost != "" && f.origin != nil && strings.EqualFold(req.URL.Host, f.origin.Host) {
		req.Host = f.originHost
	}

	client := f.follow
	if opts.Redirect == RedirectManual {
		client = f.manual
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}
