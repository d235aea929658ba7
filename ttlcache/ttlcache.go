// Package ttlcache keeps open resources, such as network connections or zip
// archives, for a fixed length of time after they are added.
//
// Entries expire TTL after their Put. A single background goroutine sweeps
// expired entries. It is started by the first Put and exits on its own once
// the cache is empty, so an idle cache has no goroutine. Values implementing
// io.Closer are closed when they are evicted, replaced, or the cache is
// closed.
package ttlcache

import (
	"io"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"go.uber.org/zap"
)

const (
	// DefaultTTL is how long an entry lives after it is put.
	DefaultTTL = 30 * time.Second

	// DefaultSweepInterval is how often the reaper wakes.
	DefaultSweepInterval = 10 * time.Second
)

// Cache is a time-to-live cache. Create one with New.
type Cache struct {
	name     string
	ttl      time.Duration
	interval time.Duration
	clock    clock.Clock
	log      *zap.Logger

	m sync.Mutex // protects everything below

	items   map[string]entry
	running bool          // is the reaper goroutine alive
	done    chan struct{} // closed by Close to stop the reaper
	closed  bool
}

type entry struct {
	value   interface{}
	expires time.Time
}

// An Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock. Tests pass a *clock.Mock.
func WithClock(c clock.Clock) Option {
	return func(tc *Cache) { tc.clock = c }
}

// WithSweepInterval sets how often the reaper looks for expired entries.
func WithSweepInterval(d time.Duration) Option {
	return func(tc *Cache) { tc.interval = d }
}

// WithLogger sets the logger used to report eviction problems.
func WithLogger(l *zap.Logger) Option {
	return func(tc *Cache) { tc.log = l }
}

// New returns an empty cache whose entries live for ttl. A ttl of zero means
// DefaultTTL. The name is only used in log messages.
func New(name string, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		name:     name,
		ttl:      ttl,
		interval: DefaultSweepInterval,
		clock:    clock.New(),
		log:      zap.NewNop(),
		items:    make(map[string]entry),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("cache", name))
	return c
}

// Get returns the value stored under key. An expired entry that has not
// been swept yet is reported as missing.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.items[key]
	if !ok || c.clock.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

// Take removes and returns the value stored under key. The value is not
// closed; the caller now owns it.
func (c *Cache) Take(key string) (interface{}, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	delete(c.items, key)
	if c.clock.Now().After(e.expires) {
		// it is ours to close now
		go c.release(key, e.value)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key, replacing and closing any previous value. The
// reaper is started if it is not running. Putting into a closed cache closes
// the value immediately.
func (c *Cache) Put(key string, value interface{}) {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		c.release(key, value)
		return
	}
	old, had := c.items[key]
	c.items[key] = entry{value: value, expires: c.clock.Now().Add(c.ttl)}
	if !c.running {
		c.running = true
		go c.reaper()
	}
	c.m.Unlock()
	if had && old.value != value {
		c.release(key, old.value)
	}
}

// Remove deletes and closes the value under key.
func (c *Cache) Remove(key string) {
	c.m.Lock()
	e, ok := c.items[key]
	delete(c.items, key)
	c.m.Unlock()
	if ok {
		c.release(key, e.value)
	}
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.items)
}

// Running is true while the reaper goroutine is alive.
func (c *Cache) Running() bool {
	c.m.Lock()
	defer c.m.Unlock()
	return c.running
}

// Sweep evicts every expired entry and returns how many were evicted.
// The reaper calls this. It is exported so callers can force a collection.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	var evicted []struct {
		key   string
		value interface{}
	}
	c.m.Lock()
	for k, e := range c.items {
		if now.After(e.expires) {
			evicted = append(evicted, struct {
				key   string
				value interface{}
			}{k, e.value})
			delete(c.items, k)
		}
	}
	c.m.Unlock()
	for _, e := range evicted {
		c.release(e.key, e.value)
	}
	return len(evicted)
}

// Close stops the reaper and closes every value still in the cache.
func (c *Cache) Close() error {
	c.m.Lock()
	if c.closed {
		c.m.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	items := c.items
	c.items = make(map[string]entry)
	c.m.Unlock()
	for k, e := range items {
		c.release(k, e.value)
	}
	return nil
}

// reaper is the background goroutine. It exits when the cache is empty
// after a sweep, or when the cache is closed.
func (c *Cache) reaper() {
	for {
		select {
		case <-c.done:
			c.m.Lock()
			c.running = false
			c.m.Unlock()
			return
		case <-c.clock.After(c.interval):
		}
		c.Sweep()
		c.m.Lock()
		if len(c.items) == 0 {
			c.running = false
			c.m.Unlock()
			c.log.Debug("reaper exiting, cache empty")
			return
		}
		c.m.Unlock()
	}
}

// release closes value if it is an io.Closer. Failures and panics are
// logged and reported but never stop the caller.
func (c *Cache) release(key string, value interface{}) {
	closer, ok := value.(io.Closer)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic closing cache entry", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	if err := closer.Close(); err != nil {
		c.log.Warn("closing cache entry", zap.String("key", key), zap.Error(err))
		raven.CaptureError(err, map[string]string{"cache": c.name, "key": key})
	}
}
