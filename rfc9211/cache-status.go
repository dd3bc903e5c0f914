// Package rfc9211 implements the Cache-Status HTTP response header field.
package rfc9211

import (
	"fmt"
	"strings"
)

// CacheName identifies this cache in Cache-Status field values.
const CacheName = "CachingProxy"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// The request method's semantics require the request to be forwarded.
	FwdReasonMethod FwdReason = "method"
	// The cache did not contain any responses that matched the request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// The cache did not contain any responses that could be used to satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus is one member of the Cache-Status field.
// The zero value is a forward without a reason.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// FwdStatus is the status code the origin answered a forwarded request with.
	FwdStatus int
	// Collapsed is set when the forwarded request was shared with other requests.
	Collapsed bool
	// Stored is set when the forwarded response was stored.
	Stored bool
	// Detail is free-form implementation specific information.
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response was served from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

// String formats the status as a Cache-Status field member, e.g.
//
//	CachingProxy; fwd=uri-miss; fwd-status=200; collapsed; stored
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	if cs.Status == StatusHit {
		b.WriteString("; hit")
	} else {
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		fmt.Fprintf(&b, "; fwd=%s", reason)
		if cs.FwdStatus != 0 {
			fmt.Fprintf(&b, "; fwd-status=%d", cs.FwdStatus)
		}
		if cs.Collapsed {
			b.WriteString("; collapsed")
		}
		if cs.Stored {
			b.WriteString("; stored")
		}
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + cs.Detail)
	}
	return b.String()
}
