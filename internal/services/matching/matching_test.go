package matching

import (
	"context"
	"testing"
	"time"

	"bullion-market/internal/models"
	"bullion-market/internal/services/pricelock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubSpots map[string]float64

func (s stubSpots) SpotPrices() map[string]float64 { return s }

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func seedBucket(t *testing.T, db *gorm.DB) models.Bucket {
	t.Helper()
	bucket := models.Bucket{Metal: "gold", ProductLine: "Maple Leaf", Weight: "1 oz", Year: 2024}
	require.NoError(t, db.Create(&bucket).Error)
	return bucket
}

func seedListing(t *testing.T, db *gorm.DB, bucketID, sellerID uint, qty int, price float64) models.Listing {
	t.Helper()
	listing := models.Listing{
		SellerID:    sellerID,
		BucketID:    bucketID,
		Quantity:    qty,
		PricingMode: models.PricingModeStatic,
		Price:       price,
		Active:      true,
	}
	require.NoError(t, db.Create(&listing).Error)
	return listing
}

func seedBid(t *testing.T, db *gorm.DB, bucketID, buyerID uint, qty int, price float64) models.Bid {
	t.Helper()
	bid := models.Bid{
		BuyerID:           buyerID,
		BucketID:          bucketID,
		Quantity:          qty,
		RemainingQuantity: qty,
		PricingMode:       models.PricingModeStatic,
		Price:             price,
		Status:            models.BidStatusOpen,
		Active:            true,
	}
	require.NoError(t, db.Create(&bid).Error)
	return bid
}

func TestFillBidGreedyCheapestFirst(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	// Bid wants 10 units at <= 50; listings A:5@40, B:10@45, C:5@60.
	a := seedListing(t, db, bucket.ID, 2, 5, 40)
	b := seedListing(t, db, bucket.ID, 3, 10, 45)
	c := seedListing(t, db, bucket.ID, 4, 5, 60)
	bid := seedBid(t, db, bucket.ID, 1, 10, 50)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBid(bid.ID)
	require.NoError(t, err)

	assert.Equal(t, 10, outcome.Filled)
	assert.Equal(t, 0, outcome.Remaining)
	require.Len(t, outcome.Fills, 2)
	assert.Equal(t, Fill{ListingID: a.ID, SellerID: 2, Quantity: 5, PriceEach: 40}, outcome.Fills[0])
	assert.Equal(t, Fill{ListingID: b.ID, SellerID: 3, Quantity: 5, PriceEach: 45}, outcome.Fills[1])

	// One order per seller, priced from the fills.
	require.Len(t, outcome.Orders, 2)
	assert.Equal(t, 200.0, outcome.Orders[0].Total)
	assert.Equal(t, 225.0, outcome.Orders[1].Total)

	// Inventory decremented by exactly the fill amounts.
	var reloaded models.Listing
	require.NoError(t, db.First(&reloaded, a.ID).Error)
	assert.Equal(t, 0, reloaded.Quantity)
	assert.False(t, reloaded.Active)

	reloaded = models.Listing{}
	require.NoError(t, db.First(&reloaded, b.ID).Error)
	assert.Equal(t, 5, reloaded.Quantity)
	assert.True(t, reloaded.Active)

	reloaded = models.Listing{}
	require.NoError(t, db.First(&reloaded, c.ID).Error)
	assert.Equal(t, 5, reloaded.Quantity)

	// Bid is fully filled and closed.
	var reloadedBid models.Bid
	require.NoError(t, db.First(&reloadedBid, bid.ID).Error)
	assert.Equal(t, 0, reloadedBid.RemainingQuantity)
	assert.Equal(t, models.BidStatusFilled, reloadedBid.Status)
	assert.False(t, reloadedBid.Active)
}

func TestFillBidSelfTradeExcluded(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	// The only listing belongs to the bid's own buyer.
	seedListing(t, db, bucket.ID, 1, 10, 30)
	bid := seedBid(t, db, bucket.ID, 1, 10, 50)

	engine := NewEngine(db, stubSpots{}, nil)
	_, err := engine.FillBid(bid.ID)
	assert.ErrorIs(t, err, ErrNoEligibleListings)

	var reloadedBid models.Bid
	require.NoError(t, db.First(&reloadedBid, bid.ID).Error)
	assert.Equal(t, 10, reloadedBid.RemainingQuantity)
	assert.Equal(t, models.BidStatusOpen, reloadedBid.Status)
}

func TestFillBidNothingAffordable(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	seedListing(t, db, bucket.ID, 2, 10, 60)
	bid := seedBid(t, db, bucket.ID, 1, 10, 50)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBid(bid.ID)
	require.NoError(t, err)

	// Priced-out listings make for a zero fill, not an error.
	assert.Equal(t, 0, outcome.Filled)
	assert.Equal(t, 10, outcome.Remaining)
	assert.Empty(t, outcome.Orders)

	var reloadedBid models.Bid
	require.NoError(t, db.First(&reloadedBid, bid.ID).Error)
	assert.Equal(t, models.BidStatusOpen, reloadedBid.Status)
}

func TestFillBidPartialFill(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	seedListing(t, db, bucket.ID, 2, 4, 40)
	bid := seedBid(t, db, bucket.ID, 1, 10, 50)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBid(bid.ID)
	require.NoError(t, err)

	assert.Equal(t, 4, outcome.Filled)
	assert.Equal(t, 6, outcome.Remaining)

	var reloadedBid models.Bid
	require.NoError(t, db.First(&reloadedBid, bid.ID).Error)
	assert.Equal(t, 6, reloadedBid.RemainingQuantity)
	assert.Equal(t, models.BidStatusPartiallyFilled, reloadedBid.Status)
	assert.True(t, reloadedBid.Active)
}

func TestFillBuyOrderSplitsPerSeller(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	seedListing(t, db, bucket.ID, 2, 3, 100)
	seedListing(t, db, bucket.ID, 3, 3, 101)
	seedListing(t, db, bucket.ID, 2, 3, 102)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 8)
	require.NoError(t, err)

	assert.Equal(t, 8, outcome.Filled)
	require.Len(t, outcome.Fills, 3)

	// Two distinct sellers means two orders, even across three listings.
	require.Len(t, outcome.Orders, 2)
	totalQty := 0
	for _, order := range outcome.Orders {
		var items []models.OrderItem
		require.NoError(t, db.Where("order_id = ?", order.ID).Find(&items).Error)
		for _, item := range items {
			totalQty += item.Quantity
		}
	}
	assert.Equal(t, 8, totalQty)
}

func TestFillBuyOrderInsufficientInventory(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	seedListing(t, db, bucket.ID, 2, 6, 100)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 10)
	require.NoError(t, err)

	// Short inventory is reported as data, not an error.
	assert.Equal(t, 6, outcome.Filled)
	assert.Equal(t, 4, outcome.Remaining)
}

func TestFillBuyOrderNoEligibleListings(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	// Buyer 1 is the only seller in the bucket.
	seedListing(t, db, bucket.ID, 1, 10, 100)

	engine := NewEngine(db, stubSpots{}, nil)
	_, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 5)
	assert.ErrorIs(t, err, ErrNoEligibleListings)
}

func TestFillBuyOrderInvalidQuantity(t *testing.T) {
	db := setupDB(t)
	engine := NewEngine(db, stubSpots{}, nil)

	_, err := engine.FillBuyOrder(1, []uint{1}, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = engine.FillBuyOrder(1, []uint{1}, -3)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestFillBuyOrderHonorsPriceLock(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)
	listing := seedListing(t, db, bucket.ID, 2, 5, 100)

	// Buyer 1 holds an unexpired lock at a lower price than the live one.
	lock := models.PriceLock{
		ListingID:   listing.ID,
		UserID:      1,
		LockedPrice: 95,
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	require.NoError(t, db.Create(&lock).Error)

	locks := pricelock.NewManager(db, stubSpots{}, 30*time.Second)
	engine := NewEngine(db, stubSpots{}, locks)

	outcome, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 2)
	require.NoError(t, err)
	require.Len(t, outcome.Fills, 1)
	assert.Equal(t, 95.0, outcome.Fills[0].PriceEach)
	assert.Equal(t, 190.0, outcome.Orders[0].Total)
}

func TestFillBuyOrderAcrossYears(t *testing.T) {
	db := setupDB(t)

	b2023 := models.Bucket{Metal: "gold", ProductLine: "Maple Leaf", Weight: "1 oz", Year: 2023}
	b2024 := models.Bucket{Metal: "gold", ProductLine: "Maple Leaf", Weight: "1 oz", Year: 2024}
	other := models.Bucket{Metal: "silver", ProductLine: "Eagle", Weight: "1 oz", Year: 2024}
	require.NoError(t, db.Create(&b2023).Error)
	require.NoError(t, db.Create(&b2024).Error)
	require.NoError(t, db.Create(&other).Error)

	seedListing(t, db, b2023.ID, 2, 3, 100)
	seedListing(t, db, b2024.ID, 3, 3, 99)
	seedListing(t, db, other.ID, 4, 3, 25)

	ids, err := ExpandAnyYear(db, b2024.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{b2023.ID, b2024.ID}, ids)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBuyOrder(1, ids, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, outcome.Filled)
	// Cheapest year first.
	assert.Equal(t, 99.0, outcome.Fills[0].PriceEach)
	assert.Equal(t, 100.0, outcome.Fills[1].PriceEach)
}

// bumpVersionBeforeUpdate registers an update hook that simulates a
// concurrent fill: right before the engine's decrement statement runs, the
// listing's version is bumped on the same connection. maxFires < 0 means
// fire on every update.
func bumpVersionBeforeUpdate(t *testing.T, db *gorm.DB, listingID uint, maxFires int) {
	t.Helper()
	fires := 0
	err := db.Callback().Update().Before("gorm:update").Register("simulate_concurrent_fill", func(tx *gorm.DB) {
		if tx.Statement.Table != "listings" {
			return
		}
		if maxFires >= 0 && fires >= maxFires {
			return
		}
		fires++
		_, execErr := tx.Statement.ConnPool.ExecContext(context.Background(),
			"UPDATE listings SET version = version + 1 WHERE id = ?", listingID)
		require.NoError(t, execErr)
	})
	require.NoError(t, err)
}

func TestConsumeAbortsOnStaleVersion(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)
	listing := seedListing(t, db, bucket.ID, 2, 5, 100)

	// Another fill committed between the candidate load and the decrement.
	require.NoError(t, db.Exec("UPDATE listings SET version = version + 1 WHERE id = ?", listing.ID).Error)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome := &Outcome{Requested: 2, Remaining: 2}
	err := db.Transaction(func(tx *gorm.DB) error {
		return engine.consume(tx, 1, 2, []candidate{{listing: listing, price: 100}}, outcome)
	})
	assert.ErrorIs(t, err, errVersionConflict)

	// The rolled-back attempt left nothing behind.
	var reloaded models.Listing
	require.NoError(t, db.First(&reloaded, listing.ID).Error)
	assert.Equal(t, 5, reloaded.Quantity)

	var orderCount int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orderCount).Error)
	assert.Zero(t, orderCount)
}

func TestFillBuyOrderRerunsAfterConflict(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)
	a := seedListing(t, db, bucket.ID, 2, 3, 100)
	b := seedListing(t, db, bucket.ID, 3, 3, 101)

	// First attempt fills A, then hits a bumped version on B and rolls the
	// whole match back; the re-run must start from fresh reads and a clean
	// outcome.
	bumpVersionBeforeUpdate(t, db, b.ID, 1)

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 5)
	require.NoError(t, err)

	assert.Equal(t, 5, outcome.Filled)
	require.Len(t, outcome.Fills, 2) // not 3: the aborted attempt's fill was discarded
	assert.Equal(t, Fill{ListingID: a.ID, SellerID: 2, Quantity: 3, PriceEach: 100}, outcome.Fills[0])
	assert.Equal(t, Fill{ListingID: b.ID, SellerID: 3, Quantity: 2, PriceEach: 101}, outcome.Fills[1])

	// No oversell, no double decrement.
	var reloaded models.Listing
	require.NoError(t, db.First(&reloaded, a.ID).Error)
	assert.Equal(t, 0, reloaded.Quantity)
	assert.Equal(t, 1, reloaded.Version)

	reloaded = models.Listing{}
	require.NoError(t, db.First(&reloaded, b.ID).Error)
	assert.Equal(t, 1, reloaded.Quantity)
	assert.Equal(t, 1, reloaded.Version)

	var orderCount int64
	require.NoError(t, db.Model(&models.Order{}).Count(&orderCount).Error)
	assert.EqualValues(t, 2, orderCount)
}

func TestFillBuyOrderAbortsAfterRepeatedConflicts(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)
	listing := seedListing(t, db, bucket.ID, 2, 5, 100)

	// A writer that wins every race: all three attempts conflict.
	bumpVersionBeforeUpdate(t, db, listing.ID, -1)

	engine := NewEngine(db, stubSpots{}, nil)
	_, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errVersionConflict)
	assert.Contains(t, err.Error(), "concurrent-fill conflicts")

	// Every attempt rolled back cleanly.
	var reloaded models.Listing
	require.NoError(t, db.First(&reloaded, listing.ID).Error)
	assert.Equal(t, 5, reloaded.Quantity)
	assert.Equal(t, 0, reloaded.Version)
}

func TestFillConservesQuantity(t *testing.T) {
	db := setupDB(t)
	bucket := seedBucket(t, db)

	before := []models.Listing{
		seedListing(t, db, bucket.ID, 2, 7, 50),
		seedListing(t, db, bucket.ID, 3, 2, 48),
		seedListing(t, db, bucket.ID, 4, 4, 52),
	}

	engine := NewEngine(db, stubSpots{}, nil)
	outcome, err := engine.FillBuyOrder(1, []uint{bucket.ID}, 9)
	require.NoError(t, err)

	total := 0
	for _, fill := range outcome.Fills {
		total += fill.Quantity
	}
	assert.Equal(t, outcome.Filled, total)
	assert.LessOrEqual(t, total, 9)

	// Every listing decreased by exactly its fill amount.
	for _, original := range before {
		filled := 0
		for _, fill := range outcome.Fills {
			if fill.ListingID == original.ID {
				filled = fill.Quantity
			}
		}
		var reloaded models.Listing
		require.NoError(t, db.First(&reloaded, original.ID).Error)
		assert.Equal(t, original.Quantity-filled, reloaded.Quantity)
	}
}
