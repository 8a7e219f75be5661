package offlinecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The cache was configured to not handle this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	CacheStatusFwdMiss CacheStatusFwdReason = "miss"

	// The request's semantics required it to be forwarded. Used for
	// navigations, which always go to the network first.
	CacheStatusFwdRequest CacheStatusFwdReason = "request"
)

// CacheName is the cache identifier used in Cache-Status headers.
const CacheName = "Offline-Cache"

// CacheStatus is an RFC 9211 Cache-Status header value.
type CacheStatus struct {
	Status    CacheStatusStatus
	FwdReason CacheStatusFwdReason
	Stored    bool
	detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = CacheStatusHit
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.Status = CacheStatusFwd
	cs.FwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", CacheName, cs.Status)
	if cs.Status == CacheStatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
