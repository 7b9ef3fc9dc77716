package cache

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

func (c *Cache) cleanup(quit <-chan struct{}) {
	if c.cleanupInterval == 0 {
		return
	}
	ticker := time.NewTicker(c.cleanupInterval)
	for {
		select {
		case <-ticker.C:
			c.sweep(context.Background())
		case <-quit:
			ticker.Stop()
			return
		}
	}
}

// sweep removes expired images from memory and expired or unreadable
// prefixed entries from the persisted store. It returns the number of
// persisted entries removed.
func (c *Cache) sweep(ctx context.Context) int {
	log.Debug("Started sweeping expired images")

	for key, item := range c.mem.Items() {
		img := item.Object.(*Image)
		if c.expired(img.Fetched) {
			log.Debugf("memory entry %s has expired", key)
			c.mem.Delete(key)
			evictions.WithLabelValues("expired").Inc()
		}
	}
	memoryItems.Set(float64(c.mem.ItemCount()))

	keys, err := prefixKeys(ctx, c.store, c.prefix)
	if err != nil {
		log.Errorf("Failed to list persisted images: %s", err)
		return 0
	}
	removed := 0
	for _, key := range keys {
		data, err := c.store.Get(ctx, key)
		if err != nil {
			continue
		}
		r, err := unmarshalRecord(data)
		switch {
		case err != nil:
			log.Warnf("deleting corrupted cache entry %s: %s", key, err)
			c.deleteStored(ctx, key, "corrupt")
		case c.expired(r.Created.Time()):
			log.Debugf("persisted entry %s has expired", key)
			c.deleteStored(ctx, key, "expired")
		default:
			continue
		}
		removed++
	}

	log.Debug("Finished sweeping expired images")
	return removed
}
