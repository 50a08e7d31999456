package pricing

import (
	"log"
	"math"

	"bullion-market/internal/models"
)

// Result is a resolved price tagged with how it was produced. Fallback
// results carry a reason so callers and tests can tell "priced normally"
// from "priced via a safe default". Pricing never fails outright: a pricing
// glitch must never block a purchase.
type Result struct {
	Price    float64 `json:"price"`
	Fallback bool    `json:"fallback"`
	Reason   string  `json:"reason,omitempty"`
}

func ok(price float64) Result {
	return Result{Price: round2(price)}
}

func fellBack(price float64, reason string) Result {
	log.Printf("Pricing fallback: %s", reason)
	return Result{Price: round2(price), Fallback: true, Reason: reason}
}

// EffectiveAskPrice resolves a listing's price at this moment. Static
// listings price at their static price. Premium-to-spot listings price at
// spot × weight-in-troy-oz + premium, clamped to never go below the floor.
// The listing's Bucket must be loaded.
func EffectiveAskPrice(listing *models.Listing, spots map[string]float64) Result {
	if listing.PricingMode != models.PricingModePremiumToSpot {
		return ok(listing.Price)
	}

	spot, reason := resolveSpot(listing.PricingMetal, listing.Bucket.Metal, spots)
	if reason != "" {
		return fellBack(askDefault(listing), reason)
	}

	computed, weightReason := spotComputed(spot, listing.Bucket.Weight, listing.SpotPremium)
	effective := math.Max(computed, listing.FloorPrice)
	if weightReason != "" {
		return fellBack(effective, weightReason)
	}
	return ok(effective)
}

// EffectiveBidPrice resolves a bid's price at this moment. Static bids price
// at their static price, ignoring any ceiling. Premium-to-spot bids price at
// spot × weight-in-troy-oz + premium, clamped to the ceiling when one is set
// (ceiling 0 means unclamped). The bid's Bucket must be loaded.
func EffectiveBidPrice(bid *models.Bid, spots map[string]float64) Result {
	if bid.PricingMode != models.PricingModePremiumToSpot {
		return ok(bid.Price)
	}

	spot, reason := resolveSpot(bid.PricingMetal, bid.Bucket.Metal, spots)
	if reason != "" {
		return fellBack(bidDefault(bid), reason)
	}

	computed, weightReason := spotComputed(spot, bid.Bucket.Weight, bid.SpotPremium)
	effective := computed
	if bid.CeilingPrice > 0 {
		effective = math.Min(computed, bid.CeilingPrice)
	}
	if weightReason != "" {
		return fellBack(effective, weightReason)
	}
	return ok(effective)
}

// resolveSpot picks the pricing metal (explicit override, else bucket metal)
// and looks up its spot price. An empty reason means success.
func resolveSpot(pricingMetal, bucketMetal string, spots map[string]float64) (float64, string) {
	metal := pricingMetal
	if metal == "" {
		metal = bucketMetal
	}
	if metal == "" {
		return 0, "no pricing metal on listing or bucket"
	}
	spot, found := spots[metal]
	if !found {
		return 0, "no spot price available for " + metal
	}
	return spot, ""
}

// spotComputed applies the premium-to-spot formula. An unparsable weight
// defaults to 1 troy oz and is reported via the returned reason.
func spotComputed(spot float64, weightStr string, premium float64) (float64, string) {
	weight, err := ParseWeight(weightStr)
	if err != nil {
		return spot*1.0 + premium, "unparsable weight " + weightStr + ", assuming 1 oz"
	}
	return spot*weight.TroyOunces() + premium, ""
}

func askDefault(listing *models.Listing) float64 {
	if listing.Price > 0 {
		return listing.Price
	}
	return listing.FloorPrice
}

func bidDefault(bid *models.Bid) float64 {
	if bid.Price > 0 {
		return bid.Price
	}
	return bid.CeilingPrice
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
