package ws

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const priceChannel = "pool_price"

// PriceCache holds the last streamed pool price. Readers only see it while it
// is younger than maxAge.
type PriceCache struct {
	pool   string
	maxAge time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	price float64
	at    time.Time
}

func NewPriceCache(pool string, maxAge time.Duration) *PriceCache {
	return &PriceCache{pool: pool, maxAge: maxAge, now: time.Now}
}

// Handle consumes one stream message; anything that is not a valid price for
// the cached pool is ignored.
func (p *PriceCache) Handle(msg []byte) {
	if !gjson.ValidBytes(msg) {
		return
	}
	res := gjson.ParseBytes(msg)
	if ch := res.Get("channel").String(); ch != "" && ch != priceChannel {
		return
	}
	data := res.Get("data")
	if !data.Exists() {
		data = res
	}
	if pool := data.Get("pool_address").String(); pool != "" && p.pool != "" && !strings.EqualFold(pool, p.pool) {
		return
	}
	price := data.Get("price").Float()
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return
	}
	at := p.now()
	if ts := data.Get("timestamp").Int(); ts > 0 {
		if ts > 1e12 {
			at = time.UnixMilli(ts)
		} else {
			at = time.Unix(ts, 0)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if at.Before(p.at) {
		return
	}
	p.price = price
	p.at = at
}

// Latest returns the cached pool price if it is still fresh.
func (p *PriceCache) Latest() (float64, time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.price <= 0 {
		return 0, time.Time{}, false
	}
	if p.maxAge > 0 && p.now().Sub(p.at) > p.maxAge {
		return 0, time.Time{}, false
	}
	return p.price, p.at, true
}

// Stream subscribes to the pool price channel and feeds the cache.
func Stream(ctx context.Context, client *Client, cache *PriceCache) error {
	if err := client.Subscribe(ctx, Subscription{Method: "subscribe", Channel: priceChannel, Pool: cache.pool}); err != nil {
		return err
	}
	return client.Run(ctx, cache.Handle)
}
