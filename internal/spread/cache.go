package spread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-sniper/internal/binance/rest"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DepthSource fetches a top-of-book snapshot for one symbol.
type DepthSource interface {
	Depth(ctx context.Context, symbol string, limit int) (rest.Depth, error)
}

// Counter counts successful refreshes.
type Counter interface {
	Inc()
}

// MarkSource supplies the latest mark price, used as the spread's reference
// price when known.
type MarkSource interface {
	MarkPrice(symbol string) (float64, bool)
}

type entry struct {
	spread    float64
	updatedAt time.Time
}

// Cache holds per-symbol spread estimates with a freshness TTL. Get never
// blocks and never errors: an absent entry yields the conservative default.
// Refreshes are targeted and rate limited to respect venue budgets.
type Cache struct {
	depth         DepthSource
	marks         MarkSource
	defaultSpread float64
	ttl           time.Duration
	limiter       *rate.Limiter
	refreshes     Counter
	log           *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

func NewCache(depth DepthSource, marks MarkSource, defaultSpread float64, ttl time.Duration, refreshPerSec float64, refreshes Counter, log *zap.Logger) *Cache {
	if refreshPerSec <= 0 {
		refreshPerSec = 1
	}
	return &Cache{
		depth:         depth,
		marks:         marks,
		defaultSpread: defaultSpread,
		ttl:           ttl,
		limiter:       rate.NewLimiter(rate.Limit(refreshPerSec), 1),
		refreshes:     refreshes,
		log:           log,
		entries:       make(map[string]entry),
	}
}

// Get returns the cached spread or the default. Stale entries stay valid
// until replaced; staleness only makes them eligible for refresh.
func (c *Cache) Get(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[symbol]; ok {
		return e.spread
	}
	return c.defaultSpread
}

// ShouldRefresh reports whether a symbol has no entry or its entry has aged
// past the TTL.
func (c *Cache) ShouldRefresh(symbol string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[symbol]
	if !ok {
		return true
	}
	return now.Sub(e.updatedAt) >= c.ttl
}

// Refresh fetches the book for one symbol and replaces its entry. A refresh
// denied by the rate limiter is skipped silently; the stale value keeps
// serving until budget frees up.
func (c *Cache) Refresh(ctx context.Context, symbol string, now time.Time) error {
	if !c.limiter.Allow() {
		return nil
	}
	book, err := c.depth.Depth(ctx, symbol, 5)
	if err != nil {
		return fmt.Errorf("depth fetch for %s: %w", symbol, err)
	}
	if book.BestBid <= 0 || book.BestAsk <= 0 || book.BestAsk < book.BestBid {
		return fmt.Errorf("degenerate book for %s: bid=%f ask=%f", symbol, book.BestBid, book.BestAsk)
	}
	reference, ok := c.marks.MarkPrice(symbol)
	if !ok || reference <= 0 {
		reference = (book.BestBid + book.BestAsk) / 2
	}
	spreadPct := (book.BestAsk - book.BestBid) / reference
	c.mu.Lock()
	c.entries[symbol] = entry{spread: spreadPct, updatedAt: now}
	c.mu.Unlock()
	if c.refreshes != nil {
		c.refreshes.Inc()
	}
	c.log.Debug("spread refreshed",
		zap.String("symbol", symbol),
		zap.Float64("spread_pct", spreadPct),
	)
	return nil
}

// Len reports how many symbols currently have cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
