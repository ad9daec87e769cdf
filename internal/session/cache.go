package session

import (
	"sync"

	"github.com/trustline/server/internal/model"
)

// Cache is a best-effort read-through mirror of recently seen sessions.
// Contract: populated on reads, invalidated or refreshed on every write
// path, and never consulted for the security-critical decisions (rate
// limit counting, code consumption, downgrade detection) -- those always
// go to the store.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.Session
}

// NewCache creates an empty session cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]model.Session)}
}

// Get returns the cached session for the phone number, if present.
func (c *Cache) Get(phone string) (model.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.entries[phone]
	return sess, ok
}

// Put stores a copy of the session.
func (c *Cache) Put(sess model.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[sess.PhoneNumber] = sess
}

// Invalidate drops the entry for the phone number.
func (c *Cache) Invalidate(phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, phone)
}
