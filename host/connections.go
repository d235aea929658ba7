package host

import (
	"net/http"
	"time"

	"github.com/dpml/transit/artifact"
	"github.com/dpml/transit/ttlcache"
)

// A ConnectionCache keeps the open response of a successful presence check
// so the download that usually follows can reuse it instead of making a
// second request. Responses not claimed within the TTL are closed.
type ConnectionCache struct {
	c *ttlcache.Cache
}

// pending wraps a response so the cache can close its body.
type pending struct {
	resp *http.Response
}

func (p pending) Close() error { return p.resp.Body.Close() }

// NewConnectionCache returns an empty cache. A ttl of zero uses
// ttlcache.DefaultTTL.
func NewConnectionCache(ttl time.Duration, opts ...ttlcache.Option) *ConnectionCache {
	return &ConnectionCache{c: ttlcache.New("connections", ttl, opts...)}
}

// Put keeps resp for a. Any response already kept for a is closed.
func (cc *ConnectionCache) Put(a artifact.Artifact, resp *http.Response) {
	cc.c.Put(a.String(), pending{resp})
}

// Take removes and returns the response kept for a, or nil. The caller
// must close its body.
func (cc *ConnectionCache) Take(a artifact.Artifact) *http.Response {
	v, ok := cc.c.Take(a.String())
	if !ok {
		return nil
	}
	return v.(pending).resp
}

// Len returns the number of kept responses.
func (cc *ConnectionCache) Len() int { return cc.c.Len() }

// Close closes every kept response.
func (cc *ConnectionCache) Close() error { return cc.c.Close() }
