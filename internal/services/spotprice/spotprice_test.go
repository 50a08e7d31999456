package spotprice

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpotPricesFetchAndCache(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, `{"status":"success","currency":"USD","metals":{"gold":2000,"silver":25.5}}`)
	}))
	defer server.Close()

	cache := New(server.URL, "", 5*time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	prices := cache.SpotPrices()
	assert.Equal(t, 2000.0, prices["gold"])
	assert.Equal(t, 25.5, prices["silver"])
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	// Within the TTL the cache is served without another fetch.
	now = now.Add(4 * time.Minute)
	price, found := cache.SpotPrice("gold")
	require.True(t, found)
	assert.Equal(t, 2000.0, price)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))

	// Past the TTL a fresh fetch happens.
	now = now.Add(2 * time.Minute)
	cache.SpotPrices()
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestSpotPricesStaleFallbackOnFetchFailure(t *testing.T) {
	var fail atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"status":"success","metals":{"gold":2000}}`)
	}))
	defer server.Close()

	cache := New(server.URL, "", 5*time.Minute)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cache.SetClock(func() time.Time { return now })

	require.Equal(t, 2000.0, cache.SpotPrices()["gold"])

	// API goes down after the TTL lapses: the stale cache is kept.
	fail.Store(true)
	now = now.Add(10 * time.Minute)
	prices := cache.SpotPrices()
	assert.Equal(t, 2000.0, prices["gold"])
}

func TestSpotPricesEmptyWhenNeverFetched(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cache := New(server.URL, "", 5*time.Minute)
	assert.Empty(t, cache.SpotPrices())

	_, found := cache.SpotPrice("gold")
	assert.False(t, found)
}

func TestRefreshRejectsEmptyPriceMap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"success","metals":{}}`)
	}))
	defer server.Close()

	cache := New(server.URL, "", 5*time.Minute)
	assert.False(t, cache.Refresh())
}
