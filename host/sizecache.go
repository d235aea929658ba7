package host

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// A sizecache remembers what HEAD requests told us about remote objects, so
// knownOnly presence checks need no network I/O. Entries expire; misses
// expire sooner than hits.
type sizecache struct {
	clock clock.Clock

	m         sync.Mutex      // protects everything below
	cache     map[string]head // keyed by object key
	sweeptime time.Time       // next time to age everything
}

type head struct {
	expire time.Time
	size   int64 // size of the object, or sizeMissing
}

const (
	// the object is known not to exist
	sizeMissing int64 = -1

	defaultMissTTL = 10 * time.Minute
	defaultHitTTL  = 24 * time.Hour
)

func newSizeCache(c clock.Clock) *sizecache {
	if c == nil {
		c = clock.New()
	}
	return &sizecache{clock: c, cache: make(map[string]head)}
}

// Get returns the remembered size for key and whether there is an entry.
func (s *sizecache) Get(key string) (int64, bool) {
	s.m.Lock()
	defer s.m.Unlock()
	now := s.clock.Now()
	if now.After(s.sweeptime) {
		s.age(now)
	}
	entry, ok := s.cache[key]
	if !ok || now.After(entry.expire) {
		return 0, false
	}
	return entry.size, true
}

// Set remembers a size for key. Use sizeMissing for an absent object.
func (s *sizecache) Set(key string, size int64) {
	ttl := defaultHitTTL
	if size < 0 {
		ttl = defaultMissTTL
	}
	s.m.Lock()
	s.cache[key] = head{expire: s.clock.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// age removes expired entries. The caller holds s.m.
func (s *sizecache) age(now time.Time) {
	s.sweeptime = now.Add(time.Hour)
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
