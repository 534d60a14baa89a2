// Package health tracks per-provider "unreachable" marks shared across
// requests. The mark only needs to be reasonably fresh: a mutex guards
// the read-modify-write, and the cache backend decides whether the mark
// is process-wide (memory) or deployment-wide (redis).
package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/LoganSeven/publik-famille-demo-sub018/internal/audit"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/cache"
	"github.com/LoganSeven/publik-famille-demo-sub018/internal/observability/logger"
)

const (
	// coolDown: a provider down for longer than this escalates to an
	// error log entry.
	coolDown = 5 * time.Minute
	// markTTL: how long a down mark survives without renewal.
	markTTL = 10 * time.Minute
)

// Cache is the provider-health service. Construct once per process and
// inject everywhere; never reach for a bare global.
type Cache struct {
	store   cache.Client
	journal audit.Journal
	now     func() time.Time
	mu      sync.Mutex
}

// New builds a health cache over a cache client.
func New(store cache.Client, journal audit.Journal) *Cache {
	if journal == nil {
		journal = audit.Nop()
	}
	return &Cache{store: store, journal: journal, now: time.Now}
}

// NewWithClock is New with a fixed clock, for tests.
func NewWithClock(store cache.Client, journal audit.Journal, now func() time.Time) *Cache {
	c := New(store, journal)
	c.now = now
	return c
}

func key(providerID string) string {
	return "health:down:" + providerID
}

// ReportUnreachable records a failed exchange with the provider. The
// first report sets the mark; a report after the cool-down escalates
// the log severity and renews the mark.
func (c *Cache) ReportUnreachable(ctx context.Context, providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := logger.From(ctx).With(logger.Component("provider.health"), logger.Provider(providerID))
	now := c.now()

	downSince, marked := c.downSince(ctx, providerID)
	overCoolDown := marked && now.Sub(downSince) > coolDown

	if overCoolDown {
		log.Error("provider is down for more than the cool-down window",
			logger.Duration(now.Sub(downSince)),
		)
		c.journal.Record(ctx, audit.EventProviderDown, map[string]any{
			"provider":   providerID,
			"down_since": downSince.UTC().Format(time.RFC3339),
		})
	}
	if !marked || overCoolDown {
		_ = c.store.Set(ctx, key(providerID), strconv.FormatInt(now.Unix(), 10), markTTL)
	}
	if !marked {
		log.Warn("provider marked unreachable")
	}
}

// IsDown reports whether the provider currently has a down mark, so
// error reporting can show "provider down" instead of a generic error.
func (c *Cache) IsDown(ctx context.Context, providerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, marked := c.downSince(ctx, providerID)
	return marked
}

// Clear removes the down mark after the first successful callback.
func (c *Cache) Clear(ctx context.Context, providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.store.Delete(ctx, key(providerID))
}

func (c *Cache) downSince(ctx context.Context, providerID string) (time.Time, bool) {
	raw, err := c.store.Get(ctx, key(providerID))
	if err != nil {
		return time.Time{}, false
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(ts, 0), true
}
