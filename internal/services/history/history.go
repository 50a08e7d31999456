package history

import (
	"errors"
	"fmt"
	"math"
	"time"

	"bullion-market/internal/database"
	"bullion-market/internal/models"
	"bullion-market/internal/services/matching"
	"bullion-market/internal/services/pricing"

	"gorm.io/gorm"
)

// Epsilon below which a price move is treated as noise and not recorded.
const Epsilon = 0.01

// DefaultRetentionDays bounds how far back the price log is kept.
const DefaultRetentionDays = 365

// SpotSource supplies current metal spot prices.
type SpotSource interface {
	SpotPrices() map[string]float64
}

// Options filter a best-ask computation. ExcludeUserID drops one seller's
// listings (so a seller sees the market without their own asks), AnyYear
// widens the pool across mintage years, PackagingStyles keeps only matching
// packaging.
type Options struct {
	ExcludeUserID   uint
	AnyYear         bool
	PackagingStyles []string
}

// Service computes a bucket's current best ask and maintains its append-only
// price-change log. The log records a point only when the price actually
// moves, so it reads back as a step function.
type Service struct {
	db       *gorm.DB
	spots    SpotSource
	now      func() time.Time
	onChange func(bucketID uint, price float64, at time.Time)
}

func NewService(db *gorm.DB, spots SpotSource) *Service {
	return &Service{db: db, spots: spots, now: time.Now}
}

// SetClock replaces the service's time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// OnChange registers a callback invoked after every recorded price change.
// The websocket ticker hangs off this.
func (s *Service) OnChange(fn func(bucketID uint, price float64, at time.Time)) {
	s.onChange = fn
}

// CurrentBestAsk returns the lowest effective ask over active, in-stock
// listings matching the options. For isolated buckets (unique or
// numbered-set items) the price is instead the midpoint of the lowest ask
// and the single highest active bid, when such a bid exists; with no active
// bid it falls back to the lowest ask. The bool reports whether any price
// exists at all.
func (s *Service) CurrentBestAsk(bucketID uint, opts Options) (float64, bool, error) {
	var bucket models.Bucket
	if err := s.db.First(&bucket, bucketID).Error; err != nil {
		return 0, false, fmt.Errorf("failed to load bucket %d: %w", bucketID, err)
	}

	bucketIDs := []uint{bucketID}
	if opts.AnyYear {
		ids, err := matching.ExpandAnyYear(s.db, bucketID)
		if err != nil {
			return 0, false, err
		}
		bucketIDs = ids
	}

	lowestAsk, found, err := s.lowestAsk(bucketIDs, opts)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}

	if bucket.Isolated {
		if highestBid, ok, err := s.highestBid(bucketID); err != nil {
			return 0, false, err
		} else if ok {
			return round2((lowestAsk + highestBid) / 2), true, nil
		}
	}
	return lowestAsk, true, nil
}

func (s *Service) lowestAsk(bucketIDs []uint, opts Options) (float64, bool, error) {
	query := s.db.Preload("Bucket").
		Where("bucket_id IN ? AND active = ? AND quantity > 0", bucketIDs, true)
	if opts.ExcludeUserID != 0 {
		query = query.Where("seller_id <> ?", opts.ExcludeUserID)
	}
	if len(opts.PackagingStyles) > 0 {
		query = query.Where("packaging_style IN ?", opts.PackagingStyles)
	}

	var listings []models.Listing
	if err := query.Find(&listings).Error; err != nil {
		return 0, false, fmt.Errorf("failed to load listings for best ask: %w", err)
	}
	if len(listings) == 0 {
		return 0, false, nil
	}

	spots := s.spots.SpotPrices()
	lowest := math.Inf(1)
	for i := range listings {
		if price := pricing.EffectiveAskPrice(&listings[i], spots).Price; price < lowest {
			lowest = price
		}
	}
	return lowest, true, nil
}

// highestBid returns the single highest effective price among active bids
// with quantity remaining. Only the top bid participates in midpoint
// pricing, no matter how many compete.
func (s *Service) highestBid(bucketID uint) (float64, bool, error) {
	var bids []models.Bid
	err := s.db.Preload("Bucket").
		Where("bucket_id = ? AND active = ? AND remaining_quantity > 0", bucketID, true).
		Find(&bids).Error
	if err != nil {
		return 0, false, fmt.Errorf("failed to load bids for midpoint: %w", err)
	}
	if len(bids) == 0 {
		return 0, false, nil
	}

	spots := s.spots.SpotPrices()
	highest := math.Inf(-1)
	for i := range bids {
		if price := pricing.EffectiveBidPrice(&bids[i], spots).Price; price > highest {
			highest = price
		}
	}
	return highest, true, nil
}

// RecordPriceChange appends a history point unless the price is within
// Epsilon of the last recorded one. The skip check is read-then-write and
// deliberately unguarded: the worst a race produces is one duplicate point.
func (s *Service) RecordPriceChange(bucketID uint, price float64) error {
	var last models.BucketPricePoint
	err := s.db.Where("bucket_id = ?", bucketID).
		Order("created_at DESC").
		First(&last).Error
	if err == nil && math.Abs(price-last.Price) < Epsilon {
		return nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to read last history point: %w", err)
	}

	point := models.BucketPricePoint{
		BucketID:  bucketID,
		Price:     round2(price),
		CreatedAt: s.now(),
	}
	err = database.WithRetry(func() error {
		return s.db.Create(&point).Error
	})
	if err != nil {
		return fmt.Errorf("failed to append history point: %w", err)
	}

	if s.onChange != nil {
		s.onChange(bucketID, point.Price, point.CreatedAt)
	}
	return nil
}

// WindowStart returns the cutoff instant for a rangeDays window on the
// service's clock. The API layer timestamps boundary forward-fill points
// with it so they stay deterministic under an injected clock.
func (s *Service) WindowStart(rangeDays int) time.Time {
	return s.now().AddDate(0, 0, -rangeDays)
}

// History returns every recorded point in the window, oldest first,
// unmodified and unaggregated. Visual interpolation is the chart's job.
func (s *Service) History(bucketID uint, rangeDays int) ([]models.BucketPricePoint, error) {
	since := s.WindowStart(rangeDays)
	var points []models.BucketPricePoint
	err := s.db.Where("bucket_id = ? AND created_at >= ?", bucketID, since).
		Order("created_at ASC").
		Find(&points).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return points, nil
}

// LastPointBefore returns the most recent point older than the given window,
// or nil. The API layer uses it to forward-fill an empty window from the
// last known price.
func (s *Service) LastPointBefore(bucketID uint, rangeDays int) (*models.BucketPricePoint, error) {
	since := s.WindowStart(rangeDays)
	var point models.BucketPricePoint
	err := s.db.Where("bucket_id = ? AND created_at < ?", bucketID, since).
		Order("created_at DESC").
		First(&point).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prior history point: %w", err)
	}
	return &point, nil
}

// RecordCurrentPrices recomputes the best ask for every bucket and records
// any price change. Returns how many buckets were examined. Driven by the
// daemon sweep.
func (s *Service) RecordCurrentPrices() (int, error) {
	var bucketIDs []uint
	if err := s.db.Model(&models.Bucket{}).Pluck("id", &bucketIDs).Error; err != nil {
		return 0, fmt.Errorf("failed to list buckets: %w", err)
	}

	for _, id := range bucketIDs {
		price, found, err := s.CurrentBestAsk(id, Options{})
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}
		if err := s.RecordPriceChange(id, price); err != nil {
			return 0, err
		}
	}
	return len(bucketIDs), nil
}

// Cleanup deletes points older than the retention window and returns how
// many were removed.
func (s *Service) Cleanup(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.BucketPricePoint{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to prune history: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
