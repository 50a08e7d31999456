package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bullion-market/internal/models"
	"bullion-market/internal/services/history"
	"bullion-market/internal/services/matching"
	"bullion-market/internal/services/pricelock"
	"bullion-market/internal/services/pricing"
	"bullion-market/internal/services/spotprice"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type APIHandler struct {
	db      *gorm.DB
	spot    *spotprice.Cache
	locks   *pricelock.Manager
	engine  *matching.Engine
	history *history.Service
}

func SetupRoutes(r *gin.RouterGroup, db *gorm.DB, spot *spotprice.Cache, locks *pricelock.Manager, engine *matching.Engine, hist *history.Service) *APIHandler {
	handler := &APIHandler{
		db:      db,
		spot:    spot,
		locks:   locks,
		engine:  engine,
		history: hist,
	}

	r.GET("/spot", handler.GetSpotPrices)

	buckets := r.Group("/buckets")
	{
		buckets.GET("/:id/best-ask", handler.GetBestAsk)
		buckets.GET("/:id/price-history", handler.GetPriceHistory)
	}

	listings := r.Group("/listings")
	{
		listings.GET("/:id/price", handler.GetListingPrice)
		listings.POST("/:id/lock", handler.CreatePriceLock)
		listings.GET("/:id/lock", handler.GetPriceLock)
	}

	r.POST("/buy", handler.BuyNow)
	r.POST("/bids/:id/fill", handler.FillBid)

	return handler
}

func (h *APIHandler) GetSpotPrices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"prices": h.spot.SpotPrices()})
}

// GetListingPrice returns a listing's current effective price, tagged with
// whether a pricing fallback was applied.
func (h *APIHandler) GetListingPrice(c *gin.Context) {
	listingID, valid := paramID(c)
	if !valid {
		return
	}

	var listing models.Listing
	if err := h.db.Preload("Bucket").First(&listing, listingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result := pricing.EffectiveAskPrice(&listing, h.spot.SpotPrices())
	c.JSON(http.StatusOK, gin.H{"listing_id": listing.ID, "result": result})
}

// GetBestAsk returns the bucket's current best ask under the query filters:
// exclude_user, random_year (any-year aggregation), packaging_styles
// (comma-separated).
func (h *APIHandler) GetBestAsk(c *gin.Context) {
	bucketID, valid := paramID(c)
	if !valid {
		return
	}

	price, found, err := h.history.CurrentBestAsk(bucketID, bestAskOptions(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"bucket_id": bucketID, "price": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bucket_id": bucketID, "price": price})
}

// GetPriceHistory returns the raw step-function log for a bucket over the
// requested range (days, default 30). When the window is empty but older
// points exist, the last known point is forward-filled to the window start
// so the chart still has a baseline.
func (h *APIHandler) GetPriceHistory(c *gin.Context) {
	bucketID, valid := paramID(c)
	if !valid {
		return
	}

	rangeDays := 30
	if raw := c.Query("range"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			rangeDays = n
		}
	}

	points, err := h.history.History(bucketID, rangeDays)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	forwardFilled := false
	if len(points) == 0 {
		prior, err := h.history.LastPointBefore(bucketID, rangeDays)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if prior != nil {
			fill := *prior
			fill.CreatedAt = h.history.WindowStart(rangeDays)
			points = []models.BucketPricePoint{fill}
			forwardFilled = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"bucket_id":      bucketID,
		"range_days":     rangeDays,
		"points":         points,
		"forward_filled": forwardFilled,
	})
}

type lockRequest struct {
	UserID     uint `json:"user_id" binding:"required"`
	TTLSeconds int  `json:"ttl_seconds"`
}

// CreatePriceLock freezes the listing's current price for the user for a
// short window, for use at checkout preview.
func (h *APIHandler) CreatePriceLock(c *gin.Context) {
	listingID, valid := paramID(c)
	if !valid {
		return
	}

	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	lock, err := h.locks.CreateLock(listingID, req.UserID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, pricelock.ErrListingUnavailable) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing is not available"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": lock})
}

// GetPriceLock returns the caller's active lock on a listing, if any.
func (h *APIHandler) GetPriceLock(c *gin.Context) {
	listingID, valid := paramID(c)
	if !valid {
		return
	}
	userID, err := strconv.ParseUint(c.Query("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	lock, lookupErr := h.locks.ActiveLock(listingID, uint(userID))
	if lookupErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": lookupErr.Error()})
		return
	}
	if lock == nil {
		c.JSON(http.StatusOK, gin.H{"lock": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": lock})
}

type buyRequest struct {
	BuyerID    uint `json:"buyer_id" binding:"required"`
	BucketID   uint `json:"bucket_id" binding:"required"`
	Quantity   int  `json:"quantity" binding:"required"`
	RandomYear bool `json:"random_year"`
}

// BuyNow fills a direct buy from the cheapest eligible listings, splitting
// into one order per seller. A partial fill is a success response with
// filled < requested; "no eligible listings" means the buyer is the only
// seller in the bucket (or nothing is for sale at all).
func (h *APIHandler) BuyNow(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bucketIDs := []uint{req.BucketID}
	if req.RandomYear {
		ids, err := matching.ExpandAnyYear(h.db, req.BucketID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		bucketIDs = ids
	}

	outcome, err := h.engine.FillBuyOrder(req.BuyerID, bucketIDs, req.Quantity)
	if err != nil {
		h.matchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// FillBid runs the auto-fill for one open bid against current listings.
func (h *APIHandler) FillBid(c *gin.Context) {
	bidID, valid := paramID(c)
	if !valid {
		return
	}

	outcome, err := h.engine.FillBid(bidID)
	if err != nil {
		h.matchError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

func (h *APIHandler) matchError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, matching.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_quantity"})
	case errors.Is(err, matching.ErrNoEligibleListings):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "no_eligible_listings"})
	case errors.Is(err, matching.ErrBidUnavailable):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "bid_unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func paramID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func bestAskOptions(c *gin.Context) history.Options {
	opts := history.Options{}
	if raw := c.Query("exclude_user"); raw != "" {
		if id, err := strconv.ParseUint(raw, 10, 64); err == nil {
			opts.ExcludeUserID = uint(id)
		}
	}
	opts.AnyYear = c.Query("random_year") == "true"
	if raw := c.Query("packaging_styles"); raw != "" {
		opts.PackagingStyles = strings.Split(raw, ",")
	}
	return opts
}
