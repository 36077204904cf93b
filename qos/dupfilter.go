package qos

import (
	"hash/fnv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dupFilterWindow caps the number of remembered payload hashes.
const dupFilterWindow = 2048

// DuplicateFilter suppresses duplicate request payloads across a
// reconnect, a case the id-based seen window cannot catch because ids are
// scoped to a socket. It remembers a hash of each payload for the
// configured TTL, bounded to dupFilterWindow entries. A filter is not
// carried across rebinds; the session replaces it with a fresh one.
//
// The hash is 64-bit FNV-1a over the raw payload bytes; a collision can
// falsely suppress a distinct request within the window.
type DuplicateFilter struct {
	seen *expirable.LRU[uint64, struct{}]
}

// NewDuplicateFilter creates a filter with the given suppression window.
func NewDuplicateFilter(ttl time.Duration) *DuplicateFilter {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &DuplicateFilter{
		seen: expirable.NewLRU[uint64, struct{}](dupFilterWindow, nil, ttl),
	}
}

// Accept reports whether payload has not been seen within the window,
// recording it as seen when fresh.
func (f *DuplicateFilter) Accept(payload []byte) bool {
	h := fnv.New64a()
	h.Write(payload)
	key := h.Sum64()

	if _, ok := f.seen.Get(key); ok {
		return false
	}
	f.seen.Add(key, struct{}{})
	return true
}
