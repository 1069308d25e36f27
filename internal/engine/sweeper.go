package engine

import (
	"context"
	"log"
	"time"

	"github.com/satbid/auctionhouse/internal/pricing"
)

// CheckExpiredAuctions finds active items whose deadline has passed and
// drives each through the close path. Per-item failures are logged and the
// sweep continues; the next run retries them.
func (e *Engine) CheckExpiredAuctions(ctx context.Context) {
	items, err := e.store.GetActiveItems(ctx)
	if err != nil {
		log.Printf("failed to load active auction items: %v", err)
		return
	}
	for _, item := range items {
		if pricing.TimeLeft(item.ExpiresAt, time.Now()) > 0 {
			continue
		}
		if err := e.CloseItem(ctx, item.ID); err != nil {
			log.Printf("error closing auction item %s: %v", item.ID, err)
		}
	}
}

// RunSweeper runs the expiry sweep on a fixed interval until the context is
// cancelled. Auctions nobody re-triggers still get closed.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CheckExpiredAuctions(ctx)
		}
	}
}
