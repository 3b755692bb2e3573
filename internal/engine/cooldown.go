package engine

import (
	"sync"
	"time"
)

// Cooldown rate-limits repeated log lines, keyed by device and sensor.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) Allow(deviceID, field string, cooldown time.Duration) bool {
	return c.AllowKey(deviceID+"|"+field, cooldown)
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		for k, ts := range c.last {
			if now.Sub(ts) >= cooldown {
				delete(c.last, k)
			}
		}
	}
	return true
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}
