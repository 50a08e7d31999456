package pricelock

import (
	"errors"
	"fmt"
	"time"

	"bullion-market/internal/database"
	"bullion-market/internal/models"
	"bullion-market/internal/services/pricing"

	"gorm.io/gorm"
)

// Lock TTL bounds. Locks are checkout-preview guarantees, not reservations,
// so they stay short no matter what the caller asks for.
const (
	MinTTL = 10 * time.Second
	MaxTTL = 30 * time.Second
)

var ErrListingUnavailable = errors.New("listing is not available")

// SpotSource supplies current metal spot prices.
type SpotSource interface {
	SpotPrices() map[string]float64
}

// Manager issues and reads short-lived price locks. A lock guarantees that
// a checkout referencing the listing uses the locked price rather than a
// possibly-moved spot price. Locks never reserve inventory: two users can
// hold locks on the same listing at different prices. That is a deliberate
// simplicity trade-off, documented in DESIGN.md.
type Manager struct {
	db         *gorm.DB
	spots      SpotSource
	defaultTTL time.Duration
	now        func() time.Time
}

func NewManager(db *gorm.DB, spots SpotSource, defaultTTL time.Duration) *Manager {
	return &Manager{
		db:         db,
		spots:      spots,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// SetClock replaces the manager's time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// CreateLock computes the listing's current effective price and persists a
// lock on it for the given TTL (clamped to 10-30s). For spot-priced
// listings the spot price used is recorded alongside the locked price.
func (m *Manager) CreateLock(listingID, userID uint, ttl time.Duration) (*models.PriceLock, error) {
	var listing models.Listing
	if err := m.db.Preload("Bucket").First(&listing, listingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrListingUnavailable
		}
		return nil, fmt.Errorf("failed to load listing %d: %w", listingID, err)
	}
	if !listing.Active || listing.Quantity <= 0 {
		return nil, ErrListingUnavailable
	}

	spots := m.spots.SpotPrices()
	result := pricing.EffectiveAskPrice(&listing, spots)

	lock := models.PriceLock{
		ListingID:   listingID,
		UserID:      userID,
		LockedPrice: result.Price,
		CreatedAt:   m.now(),
		ExpiresAt:   m.now().Add(clampTTL(ttl, m.defaultTTL)),
	}
	if listing.PricingMode == models.PricingModePremiumToSpot {
		metal := listing.PricingMetal
		if metal == "" {
			metal = listing.Bucket.Metal
		}
		if spot, found := spots[metal]; found {
			lock.SpotPriceAtLock = &spot
		}
	}

	err := database.WithRetry(func() error {
		return m.db.Create(&lock).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist price lock: %w", err)
	}
	return &lock, nil
}

// ActiveLock returns the most recent non-expired lock for the
// (listing, user) pair, or nil when none exists. Expired locks are simply
// ignored; the caller recomputes the live price.
func (m *Manager) ActiveLock(listingID, userID uint) (*models.PriceLock, error) {
	var lock models.PriceLock
	err := m.db.
		Where("listing_id = ? AND user_id = ? AND expires_at > ?", listingID, userID, m.now()).
		Order("created_at DESC").
		First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query price lock: %w", err)
	}
	return &lock, nil
}

// Cleanup deletes expired locks and returns how many were removed. Run
// periodically from the daemon; reads never depend on it.
func (m *Manager) Cleanup() (int64, error) {
	res := m.db.Where("expires_at <= ?", m.now()).Delete(&models.PriceLock{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete expired locks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func clampTTL(ttl, defaultTTL time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}
