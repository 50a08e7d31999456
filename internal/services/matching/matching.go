package matching

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"

	"bullion-market/internal/database"
	"bullion-market/internal/models"
	"bullion-market/internal/services/pricing"

	"gorm.io/gorm"
)

var (
	// ErrNoEligibleListings means the candidate pool is empty once the
	// buyer's own listings are excluded: either nothing is for sale, or the
	// buyer is the only seller. Distinct from a partial fill, which is a
	// normal outcome reported as data.
	ErrNoEligibleListings = errors.New("no eligible listings")

	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrBidUnavailable  = errors.New("bid is not open")

	errVersionConflict = errors.New("listing changed concurrently")
)

// conflictRetries bounds re-runs of a whole match when a concurrent fill
// bumps a listing version mid-transaction.
const conflictRetries = 3

// SpotSource supplies current metal spot prices.
type SpotSource interface {
	SpotPrices() map[string]float64
}

// LockSource looks up a buyer's active price lock on a listing.
type LockSource interface {
	ActiveLock(listingID, userID uint) (*models.PriceLock, error)
}

// Fill records one slice of a match: quantity taken from one listing at one
// unit price.
type Fill struct {
	ListingID uint    `json:"listing_id"`
	SellerID  uint    `json:"seller_id"`
	Quantity  int     `json:"quantity"`
	PriceEach float64 `json:"price_each"`
}

// Outcome is the full result of a match. Filled < Requested is insufficient
// inventory, not an error; the caller decides how to message it.
type Outcome struct {
	Requested int            `json:"requested"`
	Filled    int            `json:"filled"`
	Remaining int            `json:"remaining"`
	Fills     []Fill         `json:"fills"`
	Orders    []models.Order `json:"orders"`
}

// Engine matches buy requests and bids against listings, cheapest first.
// All inventory mutation happens here, inside one transaction per match,
// with an optimistic version check on every quantity decrement.
type Engine struct {
	db    *gorm.DB
	spots SpotSource
	locks LockSource
}

func NewEngine(db *gorm.DB, spots SpotSource, locks LockSource) *Engine {
	return &Engine{db: db, spots: spots, locks: locks}
}

// candidate pairs a listing with its resolved unit price for this match.
type candidate struct {
	listing models.Listing
	price   float64
}

// FillBuyOrder satisfies a direct buy of qty units from the given buckets
// (several buckets express "any year" aggregation). Listings are consumed
// cheapest first, the buyer's own listings are skipped, and an active price
// lock held by the buyer on a listing overrides its live effective price.
// One order is created per distinct seller.
func (e *Engine) FillBuyOrder(buyerID uint, bucketIDs []uint, qty int) (*Outcome, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if len(bucketIDs) == 0 {
		return nil, ErrNoEligibleListings
	}

	var outcome *Outcome
	err := withConflictRetry(func() error {
		listings, err := e.loadListings(bucketIDs, buyerID)
		if err != nil {
			return err
		}
		if len(listings) == 0 {
			return ErrNoEligibleListings
		}

		candidates, err := e.priceForBuyer(listings, buyerID)
		if err != nil {
			return err
		}

		outcome, err = e.fillTx(buyerID, qty, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// FillBid satisfies an open bid from current listings in its bucket.
// Listings priced above the bid's effective price are skipped; a partial
// fill moves the bid to partially_filled, a complete fill closes it.
func (e *Engine) FillBid(bidID uint) (*Outcome, error) {
	var outcome *Outcome
	err := withConflictRetry(func() error {
		// Reload inside the retry so a conflict-driven re-run sees the
		// bid's current remaining quantity.
		var bid models.Bid
		if err := e.db.Preload("Bucket").First(&bid, bidID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBidUnavailable
			}
			return fmt.Errorf("failed to load bid %d: %w", bidID, err)
		}
		if !bid.Active || bid.RemainingQuantity <= 0 {
			return ErrBidUnavailable
		}

		bidPrice := pricing.EffectiveBidPrice(&bid, e.spots.SpotPrices())

		listings, err := e.loadListings([]uint{bid.BucketID}, bid.BuyerID)
		if err != nil {
			return err
		}
		if len(listings) == 0 {
			return ErrNoEligibleListings
		}

		spots := e.spots.SpotPrices()
		candidates := make([]candidate, 0, len(listings))
		for i := range listings {
			ask := pricing.EffectiveAskPrice(&listings[i], spots)
			if ask.Price > bidPrice.Price {
				continue
			}
			candidates = append(candidates, candidate{listing: listings[i], price: ask.Price})
		}

		outcome, err = e.fillTxWithBid(&bid, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// loadListings returns active, in-stock listings in the given buckets,
// excluding the buyer's own (no self-trade).
func (e *Engine) loadListings(bucketIDs []uint, excludeUserID uint) ([]models.Listing, error) {
	var listings []models.Listing
	err := e.db.Preload("Bucket").
		Where("bucket_id IN ? AND active = ? AND quantity > 0 AND seller_id <> ?",
			bucketIDs, true, excludeUserID).
		Find(&listings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load candidate listings: %w", err)
	}
	return listings, nil
}

// priceForBuyer resolves each listing's unit price for a direct buy,
// honoring any active price lock the buyer holds on it.
func (e *Engine) priceForBuyer(listings []models.Listing, buyerID uint) ([]candidate, error) {
	spots := e.spots.SpotPrices()
	candidates := make([]candidate, 0, len(listings))
	for i := range listings {
		price := pricing.EffectiveAskPrice(&listings[i], spots).Price
		if e.locks != nil {
			lock, err := e.locks.ActiveLock(listings[i].ID, buyerID)
			if err != nil {
				return nil, err
			}
			if lock != nil {
				price = lock.LockedPrice
			}
		}
		candidates = append(candidates, candidate{listing: listings[i], price: price})
	}
	return candidates, nil
}

// fillTx runs the greedy fill for a direct buy in one transaction.
func (e *Engine) fillTx(buyerID uint, qty int, candidates []candidate) (*Outcome, error) {
	outcome := &Outcome{Requested: qty, Remaining: qty}
	err := database.WithRetry(func() error {
		return e.db.Transaction(func(tx *gorm.DB) error {
			return e.consume(tx, buyerID, qty, candidates, outcome)
		})
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// fillTxWithBid runs the greedy fill for a bid and updates the bid's
// remaining quantity and status in the same transaction.
func (e *Engine) fillTxWithBid(bid *models.Bid, candidates []candidate) (*Outcome, error) {
	outcome := &Outcome{Requested: bid.RemainingQuantity, Remaining: bid.RemainingQuantity}
	err := database.WithRetry(func() error {
		return e.db.Transaction(func(tx *gorm.DB) error {
			if err := e.consume(tx, bid.BuyerID, bid.RemainingQuantity, candidates, outcome); err != nil {
				return err
			}
			if outcome.Filled == 0 {
				return nil
			}

			remaining := bid.RemainingQuantity - outcome.Filled
			status := models.BidStatusPartiallyFilled
			active := true
			if remaining == 0 {
				status = models.BidStatusFilled
				active = false
			}
			res := tx.Model(&models.Bid{}).
				Where("id = ? AND remaining_quantity = ?", bid.ID, bid.RemainingQuantity).
				Updates(map[string]interface{}{
					"remaining_quantity": remaining,
					"status":             status,
					"active":             active,
				})
			if res.Error != nil {
				return fmt.Errorf("failed to update bid %d: %w", bid.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// consume is the greedy core: walk candidates cheapest first, decrement
// inventory with an optimistic version check, and create one order per
// distinct seller. Runs inside a transaction; any failure rolls back the
// whole match.
func (e *Engine) consume(tx *gorm.DB, buyerID uint, qty int, candidates []candidate, outcome *Outcome) error {
	// Reset so a conflict-driven re-run starts clean.
	outcome.Filled = 0
	outcome.Remaining = qty
	outcome.Fills = nil
	outcome.Orders = nil

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].price != candidates[j].price {
			return candidates[i].price < candidates[j].price
		}
		return candidates[i].listing.ID < candidates[j].listing.ID
	})

	need := qty
	for _, c := range candidates {
		if need == 0 {
			break
		}
		take := need
		if c.listing.Quantity < take {
			take = c.listing.Quantity
		}

		stillActive := c.listing.Quantity-take > 0
		res := tx.Model(&models.Listing{}).
			Where("id = ? AND version = ? AND quantity >= ?", c.listing.ID, c.listing.Version, take).
			Updates(map[string]interface{}{
				"quantity": gorm.Expr("quantity - ?", take),
				"version":  c.listing.Version + 1,
				"active":   stillActive,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to decrement listing %d: %w", c.listing.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		outcome.Fills = append(outcome.Fills, Fill{
			ListingID: c.listing.ID,
			SellerID:  c.listing.SellerID,
			Quantity:  take,
			PriceEach: c.price,
		})
		need -= take
	}

	outcome.Filled = qty - need
	outcome.Remaining = need

	if len(outcome.Fills) == 0 {
		return nil
	}
	return e.createOrders(tx, buyerID, outcome)
}

// createOrders groups fills by seller and persists one order per seller,
// preserving cheapest-first ordering.
func (e *Engine) createOrders(tx *gorm.DB, buyerID uint, outcome *Outcome) error {
	bySeller := map[uint]*models.Order{}
	var sellerOrder []uint
	for _, fill := range outcome.Fills {
		order, seen := bySeller[fill.SellerID]
		if !seen {
			order = &models.Order{BuyerID: buyerID, SellerID: fill.SellerID}
			bySeller[fill.SellerID] = order
			sellerOrder = append(sellerOrder, fill.SellerID)
		}
		order.Items = append(order.Items, models.OrderItem{
			ListingID: fill.ListingID,
			Quantity:  fill.Quantity,
			PriceEach: fill.PriceEach,
		})
		order.Total = round2(order.Total + float64(fill.Quantity)*fill.PriceEach)
	}

	for _, sellerID := range sellerOrder {
		order := bySeller[sellerID]
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("failed to create order for seller %d: %w", sellerID, err)
		}
		outcome.Orders = append(outcome.Orders, *order)
	}
	return nil
}

// ExpandAnyYear returns the IDs of every bucket matching the given bucket's
// metal, product line and weight, regardless of year. Used for "any year"
// buys where the buyer does not care which mintage they receive.
func ExpandAnyYear(db *gorm.DB, bucketID uint) ([]uint, error) {
	var bucket models.Bucket
	if err := db.First(&bucket, bucketID).Error; err != nil {
		return nil, fmt.Errorf("failed to load bucket %d: %w", bucketID, err)
	}

	var ids []uint
	err := db.Model(&models.Bucket{}).
		Where("metal = ? AND product_line = ? AND weight = ?", bucket.Metal, bucket.ProductLine, bucket.Weight).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to expand bucket %d across years: %w", bucketID, err)
	}
	return ids, nil
}

// withConflictRetry re-runs a whole match when a concurrent fill invalidated
// a listing version mid-transaction. The rolled-back attempt left no writes
// behind, so re-running from fresh reads is safe.
func withConflictRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= conflictRetries; attempt++ {
		err = fn()
		if !errors.Is(err, errVersionConflict) {
			return err
		}
		log.Printf("Concurrent fill detected (attempt %d/%d), re-running match", attempt, conflictRetries)
	}
	return fmt.Errorf("match aborted after %d concurrent-fill conflicts: %w", conflictRetries, err)
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
