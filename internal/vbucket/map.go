package vbucket

import (
	"github.com/cespare/xxhash/v2"
	"github.com/harbordb/kvengine/internal/errors"
)

// Map is the fixed-size array of vbuckets making up one bucket. Keys
// route to a vbucket by hash, so the mapping is stable for the life of
// the bucket.
type Map struct {
	vbuckets []*VBucket
}

// NewMap builds a map of n vbuckets using the factory for each id.
func NewMap(n int, factory func(id uint16) *VBucket) *Map {
	m := &Map{vbuckets: make([]*VBucket, n)}
	for i := range m.vbuckets {
		m.vbuckets[i] = factory(uint16(i))
	}
	return m
}

// VBucketForKey routes a key to its owning vbucket.
func (m *Map) VBucketForKey(key string) *VBucket {
	return m.vbuckets[xxhash.Sum64String(key)%uint64(len(m.vbuckets))]
}

// Get returns the vbucket with the given id.
func (m *Map) Get(id uint16) (*VBucket, error) {
	if int(id) >= len(m.vbuckets) {
		return nil, errors.InvalidArgumentf("vbucket id %d out of range (have %d)",
			id, len(m.vbuckets))
	}
	return m.vbuckets[id], nil
}

// Len returns the number of vbuckets.
func (m *Map) Len() int {
	return len(m.vbuckets)
}

// ForEach applies fn to every vbucket in id order.
func (m *Map) ForEach(fn func(vb *VBucket)) {
	for _, vb := range m.vbuckets {
		fn(vb)
	}
}
