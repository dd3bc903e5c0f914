package cache

import (
	"net/http"
	"time"
)

// Unlimited is the remaining-hits sentinel for entries that never expire on hits.
const Unlimited = -1

// Response is a snapshot of an origin response.
// Values handed out by the Store are copies and may be modified freely.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of the response.
func (r Response) Clone() Response {
	c := Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
	}
	if r.Body != nil {
		c.Body = make([]byte, len(r.Body))
		copy(c.Body, r.Body)
	}
	return c
}

// entry is the stored form of a cached response.
// Only the Store touches entries, always with its mutex held.
type entry struct {
	key      string
	response Response
	// remainingHits counts down on every served hit; negative means unlimited.
	remainingHits int
	// seq is the logical access clock value of the last access.
	seq      uint64
	storedAt time.Time
}

func (e *entry) unlimited() bool {
	return e.remainingHits < 0
}

// consume accounts for one served hit.
// It returns true if this was the last hit the entry may serve.
func (e *entry) consume() bool {
	if e.unlimited() {
		return false
	}
	e.remainingHits--
	return e.remainingHits <= 0
}

// EntryInfo describes a stored entry without its payload.
type EntryInfo struct {
	Key           string    `json:"key"`
	StatusCode    int       `json:"status"`
	RemainingHits int       `json:"remainingHits"`
	BodyBytes     int       `json:"bodyBytes"`
	StoredAt      time.Time `json:"storedAt"`
	LastAccess    uint64    `json:"lastAccess"`
}

func (e *entry) info() EntryInfo {
	return EntryInfo{
		Key:           e.key,
		StatusCode:    e.response.StatusCode,
		RemainingHits: e.remainingHits,
		BodyBytes:     len(e.response.Body),
		StoredAt:      e.storedAt,
		LastAccess:    e.seq,
	}
}
