// Package linkaddr resolves network addresses to link addresses for the
// virtual hosts. Entries come from the static neighbor table and from
// frames seen on the wire; Resolve waits for one to show up.
package linkaddr

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/netstack/tcpip"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

const (
	DefaultAgeLimit          = 60 * time.Second
	DefaultResolutionTimeout = time.Second
)

var ErrResolutionTimeout = errors.New("link address resolution timed out")

type Cache struct {
	entries           *ttlcache.Cache[netip.Addr, tcpip.LinkAddress]
	resolutionTimeout time.Duration

	mu      sync.Mutex
	waiters map[netip.Addr][]chan struct{}
}

// New returns a cache whose learned entries live for ageLimit. Resolve gives
// up after resolutionTimeout.
func New(ageLimit, resolutionTimeout time.Duration) *Cache {
	if ageLimit <= 0 {
		ageLimit = DefaultAgeLimit
	}
	if resolutionTimeout <= 0 {
		resolutionTimeout = DefaultResolutionTimeout
	}
	return &Cache{
		entries: ttlcache.New(
			ttlcache.WithTTL[netip.Addr, tcpip.LinkAddress](ageLimit),
			ttlcache.WithDisableTouchOnHit[netip.Addr, tcpip.LinkAddress](),
		),
		resolutionTimeout: resolutionTimeout,
		waiters:           make(map[netip.Addr][]chan struct{}),
	}
}

// Start runs the expiry loop until Stop is called.
func (c *Cache) Start() { c.entries.Start() }

func (c *Cache) Stop() { c.entries.Stop() }

// Add records a learned mapping that expires after the age limit.
func (c *Cache) Add(addr netip.Addr, linkAddr tcpip.LinkAddress) {
	c.entries.Set(addr, linkAddr, ttlcache.DefaultTTL)
	c.notify(addr)
}

// AddStatic records a mapping that never expires.
func (c *Cache) AddStatic(addr netip.Addr, linkAddr tcpip.LinkAddress) {
	c.entries.Set(addr, linkAddr, ttlcache.NoTTL)
	c.notify(addr)
}

// Remove forgets addr.
func (c *Cache) Remove(addr netip.Addr) {
	c.entries.Delete(addr)
}

func (c *Cache) lookup(addr netip.Addr) (tcpip.LinkAddress, bool) {
	item := c.entries.Get(addr)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (c *Cache) notify(addr netip.Addr) {
	c.mu.Lock()
	ws := c.waiters[addr]
	delete(c.waiters, addr)
	c.mu.Unlock()
	for _, ch := range ws {
		close(ch)
	}
}

// Resolve returns the link address for addr, waiting up to the resolution
// timeout for it to be learned.
func (c *Cache) Resolve(ctx context.Context, addr netip.Addr) (tcpip.LinkAddress, error) {
	timer := time.NewTimer(c.resolutionTimeout)
	defer timer.Stop()
	for {
		c.mu.Lock()
		if linkAddr, ok := c.lookup(addr); ok {
			c.mu.Unlock()
			return linkAddr, nil
		}
		ch := make(chan struct{})
		c.waiters[addr] = append(c.waiters[addr], ch)
		c.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			c.dropWaiter(addr, ch)
			return "", errors.Wrapf(ErrResolutionTimeout, "%v", addr)
		case <-ctx.Done():
			c.dropWaiter(addr, ch)
			return "", ctx.Err()
		}
	}
}

func (c *Cache) dropWaiter(addr netip.Addr, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[addr]
	for i, w := range ws {
		if w == ch {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.waiters, addr)
	} else {
		c.waiters[addr] = ws
	}
}
