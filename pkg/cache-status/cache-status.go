// Package cachestatus renders the Cache-Status response header (RFC 9211).
package cachestatus

import "fmt"

const cacheName = "Offline-Cache"

type Status string

const (
	Hit Status = "hit"
	Fwd Status = "fwd"
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

	// The cache contained a response, but the strategy asked the network first.
	FwdRequest FwdReason = "request"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	Detail    string
}

func (cs *CacheStatus) Hit() {
	cs.Status = Hit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = Fwd
	cs.FwdReason = reason
}

func (cs CacheStatus) IsHit() bool {
	return cs.Status == Hit
}

func (cs CacheStatus) String() string {
	status := fmt.Sprintf("%s; %s", cacheName, cs.Status)
	if cs.Status == Fwd && cs.FwdReason != "" {
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
