package spotprice

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Cache holds the latest metal spot prices (USD per troy ounce) fetched from
// an external metals API. Prices are refreshed lazily when older than the
// TTL; if a refresh fails the stale cache is served, and an empty map only
// when nothing was ever fetched.
type Cache struct {
	apiURL string
	apiKey string
	client *resty.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	prices    map[string]float64
	fetchedAt time.Time
}

type metalsResponse struct {
	Status   string             `json:"status"`
	Currency string             `json:"currency"`
	Metals   map[string]float64 `json:"metals"`
}

func New(apiURL, apiKey string, ttl time.Duration) *Cache {
	client := resty.New()
	client.SetTimeout(10 * time.Second)

	return &Cache{
		apiURL: apiURL,
		apiKey: apiKey,
		client: client,
		ttl:    ttl,
		now:    time.Now,
		prices: map[string]float64{},
	}
}

// SetClock replaces the cache's time source. Used by tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// SpotPrices returns the current price map, refreshing first when the cache
// is stale. The returned map is a copy and safe to hold.
func (c *Cache) SpotPrices() map[string]float64 {
	if c.stale() {
		c.Refresh()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.prices))
	for metal, price := range c.prices {
		out[metal] = price
	}
	return out
}

// SpotPrice returns the price for one metal and whether it is known.
func (c *Cache) SpotPrice(metal string) (float64, bool) {
	prices := c.SpotPrices()
	price, ok := prices[metal]
	return price, ok
}

// Refresh fetches fresh prices from the metals API. On failure the existing
// cache is kept and false is returned.
func (c *Cache) Refresh() bool {
	prices, err := c.fetch()
	if err != nil {
		log.Printf("Spot price refresh failed, keeping cached prices: %v", err)
		return false
	}

	c.mu.Lock()
	c.prices = prices
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return true
}

func (c *Cache) fetch() (map[string]float64, error) {
	req := c.client.R()
	if c.apiKey != "" {
		req.SetQueryParam("api_key", c.apiKey)
	}
	req.SetQueryParam("currency", "USD")
	req.SetQueryParam("unit", "toz")

	resp, err := req.Get(c.apiURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("metals API returned status %d", resp.StatusCode())
	}

	var parsed metalsResponse
	if err := json.Unmarshal(resp.Body(), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse metals API response: %w", err)
	}
	if len(parsed.Metals) == 0 {
		return nil, fmt.Errorf("metals API response contained no prices")
	}
	return parsed.Metals, nil
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt.IsZero() || c.now().Sub(c.fetchedAt) > c.ttl
}
