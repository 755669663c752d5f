package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memEntry struct {
	data    []byte
	expires time.Time // zero means no expiry
}

// Memory is an in-process Cache. Values are stored JSON-encoded so callers
// observe the same copy semantics as with Redis.
type Memory struct {
	mu  sync.Mutex
	m   map[string]memEntry
	now func() time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{m: make(map[string]memEntry), now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string, result any) (bool, error) {
	c.mu.Lock()
	e, ok := c.m[key]
	if ok && !e.expires.IsZero() && !c.now().Before(e.expires) {
		delete(c.m, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, result); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	e := memEntry{data: data}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.m[key] = e
	c.mu.Unlock()
	return nil
}

func (c *Memory) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
	return nil
}
