package credentials

import (
	"context"
	"strings"
	"time"

	"github.com/alphadose/haxmap"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

type CacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

type entry struct {
	secret    string
	expiresAt time.Time
}

// Cache holds decrypted credentials keyed by "<user>:<provider>".
type Cache struct {
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	entries  *haxmap.Map[string, entry]
}

func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		ttl:      cfg.TTL,
		interval: cfg.SweepInterval,
		now:      cfg.Now,
		entries:  haxmap.New[string, entry](),
	}
}

func cacheKey(userID, provider string) string {
	return userID + ":" + provider
}

// Get returns the secret, evicting the entry if it has expired.
func (c *Cache) Get(userID, provider string) (string, bool) {
	key := cacheKey(userID, provider)
	e, ok := c.entries.Get(key)
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Del(key)
		return "", false
	}
	return e.secret, true
}

// Set stores secret for ttl; a non-positive ttl uses the cache default.
func (c *Cache) Set(userID, provider, secret string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries.Set(cacheKey(userID, provider), entry{secret: secret, expiresAt: c.now().Add(ttl)})
}

// Invalidate drops one entry, or every entry of the user when provider is empty.
func (c *Cache) Invalidate(userID, provider string) {
	if provider != "" {
		c.entries.Del(cacheKey(userID, provider))
		return
	}
	prefix := userID + ":"
	var keys []string
	c.entries.ForEach(func(k string, _ entry) bool {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return true
	})
	if len(keys) > 0 {
		c.entries.Del(keys...)
	}
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.now()
	var expired []string
	c.entries.ForEach(func(k string, e entry) bool {
		if !now.Before(e.expiresAt) {
			expired = append(expired, k)
		}
		return true
	})
	if len(expired) > 0 {
		c.entries.Del(expired...)
	}
	return len(expired)
}

func (c *Cache) Len() int {
	return int(c.entries.Len())
}

// Run sweeps on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
