// Package respcache holds the narrow, monotonic response cache: only the
// two idempotent method names the proxy is allowed to serve from memory
// when the upstream is unreachable ("initialize" and "tools/list"),
// with no TTL and no eviction. A failed refresh must never evict what is
// already cached — the cache only ever grows more current, never empty.
package respcache

import (
	"encoding/json"
	"sync"

	"github.com/vaizcom/vaiz-mcp-proxy/internal/protocol"
)

// cacheable lists the only method names the cache will store or serve.
// For any other key Get always misses and Put does nothing.
var cacheable = map[string]bool{
	protocol.MethodInitialize: true,
	protocol.MethodToolsList:  true,
}

// Cache holds at most one entry per cacheable method. It has no TTL and
// no eviction: an entry lives until Put overwrites it with a fresher
// result, for the lifetime of the process.
type Cache struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

// New builds an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[string]json.RawMessage)}
}

// Get returns the cached result for method, and whether one exists.
// method must be one of the cacheable keys; an unrecognized method
// always misses.
func (c *Cache) Get(method string) (json.RawMessage, bool) {
	if !cacheable[method] {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[method]
	return v, ok
}

// Put stores result under method, overwriting whatever was cached
// before. It is a no-op for a non-cacheable method or an empty result — callers
// are expected to only call Put after a successful response to one of
// the two cacheable methods, but Put stays defensive rather than
// panicking on a caller mistake, since it runs on the hot success path.
func (c *Cache) Put(method string, result json.RawMessage) {
	if !cacheable[method] || len(result) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[method] = result
}

// PutFromResponse caches resp.Result under method, and is a no-op if
// resp carries an error instead of a result: cache insertion is
// success-only, so a failed initialize/tools-list attempt never
// clobbers a previously cached good response.
func (c *Cache) PutFromResponse(method string, resp *protocol.Response) {
	if resp == nil || resp.Error != nil || len(resp.Result) == 0 {
		return
	}
	c.Put(method, resp.Result)
}

// IsCacheable reports whether method is one of the two keys this cache
// will ever store.
func IsCacheable(method string) bool {
	return cacheable[method]
}
