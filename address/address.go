// Package address derives canonical topic keys from mailbox addresses.
//
// A mailbox address is a URL whose scheme picks the provider and whose
// remainder identifies the mailbox. Providers partition their internal state
// by the canonical form, which strips the scheme and keeps authority plus
// path, so the opaque spelling "mem:user@host/inbox" and the hierarchical
// spelling "mem://user@host/inbox" land in the same mailbox.
package address

import (
	"fmt"
	"net/url"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the Cache capacity used when none is given.
const DefaultCacheSize = 256

// Canonical returns the canonical identifier for a mailbox address. The
// result is deterministic: one spelling always yields one key. Query and
// fragment parts are dropped.
func Canonical(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", raw, err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("address %q has no scheme", raw)
	}

	// Opaque form ("mem:user@host/inbox"): everything after the scheme
	// already is the identifier.
	if u.Opaque != "" {
		return u.Opaque, nil
	}

	// Hierarchical form ("mem://user@host/inbox"): rebuild the authority so
	// userinfo survives, then append the path.
	authority := u.Host
	if u.User != nil {
		authority = u.User.String() + "@" + u.Host
	}
	key := authority + u.Path
	if key == "" {
		return "", fmt.Errorf("address %q has no mailbox identifier", raw)
	}
	return key, nil
}

// Cache memoizes Canonical. Send and fetch hot paths resolve the same few
// addresses over and over; parsing them once is enough.
type Cache struct {
	entries *lru.Cache[string, string]
}

// NewCache creates a Cache holding up to size resolved addresses. Sizes of
// zero or below fall back to DefaultCacheSize.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for non-positive sizes, which the guard above rules out.
	entries, _ := lru.New[string, string](size)
	return &Cache{entries: entries}
}

// Canonical resolves raw through the cache, falling through to the parser on
// a miss. Unparseable addresses are not cached.
func (c *Cache) Canonical(raw string) (string, error) {
	if key, ok := c.entries.Get(raw); ok {
		return key, nil
	}
	key, err := Canonical(raw)
	if err != nil {
		return "", err
	}
	c.entries.Add(raw, key)
	return key, nil
}

// Len reports how many resolved addresses the cache currently holds.
func (c *Cache) Len() int {
	return c.entries.Len()
}
