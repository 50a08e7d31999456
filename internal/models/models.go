package models

import (
	"time"

	"gorm.io/gorm"
)

// Pricing modes for listings and bids.
const (
	PricingModeStatic        = "static"
	PricingModePremiumToSpot = "premium_to_spot"
)

// Bid statuses.
const (
	BidStatusOpen            = "open"
	BidStatusPartiallyFilled = "partially_filled"
	BidStatusFilled          = "filled"
)

// User represents a marketplace user
type User struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Username  string         `json:"username" gorm:"unique;not null"`
	Email     string         `json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Bucket groups listings and bids for one tradable product: a unique
// combination of metal, product line, weight, year and packaging. Isolated
// buckets hold unique or numbered-set items and are priced by ask/bid
// midpoint instead of pure lowest-ask.
type Bucket struct {
	ID          uint           `json:"id" gorm:"primaryKey"`
	Metal       string         `json:"metal" gorm:"index;not null"` // gold, silver, platinum, palladium
	ProductLine string         `json:"product_line" gorm:"index;not null"`
	Weight      string         `json:"weight"` // e.g. "1 oz", "10 g", "1 kg"
	Year        int            `json:"year" gorm:"index"`
	Isolated    bool           `json:"isolated" gorm:"default:false"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// Listing is a seller's ask: quantity offered at a static price or at a
// premium over spot with a floor.
type Listing struct {
	ID             uint    `json:"id" gorm:"primaryKey"`
	SellerID       uint    `json:"seller_id" gorm:"index;not null"`
	Seller         User    `json:"seller" gorm:"foreignKey:SellerID"`
	BucketID       uint    `json:"bucket_id" gorm:"index;not null"`
	Bucket         Bucket  `json:"bucket" gorm:"foreignKey:BucketID"`
	Quantity       int     `json:"quantity" gorm:"not null"`
	Version        int     `json:"-" gorm:"not null;default:0"` // optimistic lock for quantity decrements
	PricingMode    string  `json:"pricing_mode" gorm:"default:'static'"`
	Price          float64 `json:"price"`
	SpotPremium    float64 `json:"spot_premium"`
	FloorPrice     float64 `json:"floor_price"`
	PricingMetal   string  `json:"pricing_metal"` // overrides the bucket metal when set
	PackagingStyle string  `json:"packaging_style"`
	// no column default: gorm swaps a zero-value false for the default on create
	Active    bool           `json:"active" gorm:"index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// Bid is a buyer's standing offer to purchase quantity at or below a price.
// RemainingQuantity only ever decreases; the bid is filled when it hits zero.
type Bid struct {
	ID                uint           `json:"id" gorm:"primaryKey"`
	BuyerID           uint           `json:"buyer_id" gorm:"index;not null"`
	Buyer             User           `json:"buyer" gorm:"foreignKey:BuyerID"`
	BucketID          uint           `json:"bucket_id" gorm:"index;not null"`
	Bucket            Bucket         `json:"bucket" gorm:"foreignKey:BucketID"`
	Quantity          int            `json:"quantity" gorm:"not null"`
	RemainingQuantity int            `json:"remaining_quantity" gorm:"not null"`
	PricingMode       string         `json:"pricing_mode" gorm:"default:'static'"`
	Price             float64        `json:"price"`
	SpotPremium       float64        `json:"spot_premium"`
	CeilingPrice      float64        `json:"ceiling_price"` // 0 means unclamped
	PricingMetal      string         `json:"pricing_metal"`
	Status            string         `json:"status" gorm:"index;default:'open'"`
	Active            bool           `json:"active" gorm:"index"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

// PriceLock freezes a listing's effective price for one user for a short
// window so the price shown at checkout cannot move mid-purchase. Locks are
// advisory: they do not reserve inventory, and several users may hold locks
// on the same listing at once.
type PriceLock struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	ListingID       uint      `json:"listing_id" gorm:"index;not null"`
	Listing         Listing   `json:"listing" gorm:"foreignKey:ListingID"`
	UserID          uint      `json:"user_id" gorm:"index;not null"`
	LockedPrice     float64   `json:"locked_price"`
	SpotPriceAtLock *float64  `json:"spot_price_at_lock"` // nil for static pricing
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at" gorm:"index"`
}

// Order is one buyer/seller pairing produced by a fill. A fill spanning
// several sellers produces one order per seller.
type Order struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	BuyerID   uint           `json:"buyer_id" gorm:"index;not null"`
	Buyer     User           `json:"buyer" gorm:"foreignKey:BuyerID"`
	SellerID  uint           `json:"seller_id" gorm:"index;not null"`
	Seller    User           `json:"seller" gorm:"foreignKey:SellerID"`
	Total     float64        `json:"total"`
	Items     []OrderItem    `json:"items" gorm:"foreignKey:OrderID"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// OrderItem snapshots the per-listing quantity and unit price of a fill.
type OrderItem struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	OrderID   uint      `json:"order_id" gorm:"index;not null"`
	ListingID uint      `json:"listing_id" gorm:"index;not null"`
	Listing   Listing   `json:"listing" gorm:"foreignKey:ListingID"`
	Quantity  int       `json:"quantity"`
	PriceEach float64   `json:"price_each"`
	CreatedAt time.Time `json:"created_at"`
}

// BucketPricePoint is one step of a bucket's best-ask history. Points are
// append-only and recorded only when the price actually moves, so the series
// is a genuine step function rather than a sampled one.
type BucketPricePoint struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	BucketID  uint      `json:"bucket_id" gorm:"index;not null"`
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// All returns every model registered for auto-migration.
func All() []interface{} {
	return []interface{}{
		&User{},
		&Bucket{},
		&Listing{},
		&Bid{},
		&PriceLock{},
		&Order{},
		&OrderItem{},
		&BucketPricePoint{},
	}
}
