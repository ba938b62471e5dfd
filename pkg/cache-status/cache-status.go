package cachestatus

import "fmt"

const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdUriMiss FwdReason = "uri-miss"

	// The cache was able to select a fresh response for the
	// request, but the request's semantics did not allow its use.
	FwdRequest FwdReason = "request"
)

// Details explaining which fallback produced a cached response.
const (
	DetailNetworkError    = "network-error"
	DetailOfflineFallback = "offline-fallback"
	DetailRevalidating    = "revalidating"
)

// CacheStatus describes how a single request was handled.
// It is rendered as a Cache-Status header value (RFC 9211).
type CacheStatus struct {
	Name      string
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func New(name string) CacheStatus {
	return CacheStatus{Name: name}
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cs.Name, cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.Detail != "" {
		status = status + "; detail=" + cs.Detail
	}
	return status
}
