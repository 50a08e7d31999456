package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bullion-market/internal/config"
	"bullion-market/internal/database"
	"bullion-market/internal/models"
	"bullion-market/internal/services/history"
	"bullion-market/internal/services/matching"
	"bullion-market/internal/services/pricelock"
	"bullion-market/internal/services/spotprice"

	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

var (
	fillInterval  = flag.Duration("fill-interval", time.Minute, "how often open bids are matched against listings")
	sweepInterval = flag.Duration("sweep-interval", 10*time.Minute, "how often lock cleanup and history sweeps run")
)

func main() {
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	spot := spotprice.New(cfg.MetalsAPIURL, cfg.MetalsAPIKey, cfg.SpotTTL)
	locks := pricelock.NewManager(db, spot, cfg.PriceLockTTL)
	engine := matching.NewEngine(db, spot, locks)
	hist := history.NewService(db, spot)

	log.Printf("Marketplace daemon started (PID %d): fill every %v, sweep every %v",
		os.Getpid(), *fillInterval, *sweepInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	fillTicker := time.NewTicker(*fillInterval)
	defer fillTicker.Stop()
	sweepTicker := time.NewTicker(*sweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-sigChan:
			log.Println("Shutdown signal received, exiting")
			return

		case <-fillTicker.C:
			spot.SpotPrices() // refresh if the TTL lapsed
			autoFillOpenBids(db, engine)

		case <-sweepTicker.C:
			runSweeps(locks, hist, cfg.HistoryRetentionDays)
		}
	}
}

// autoFillOpenBids tries to match every open bid against current listings.
// A bid with nothing eligible to match is normal and skipped quietly.
func autoFillOpenBids(db *gorm.DB, engine *matching.Engine) {
	var bidIDs []uint
	err := db.Model(&models.Bid{}).
		Where("active = ? AND remaining_quantity > 0", true).
		Pluck("id", &bidIDs).Error
	if err != nil {
		log.Printf("Failed to list open bids: %v", err)
		return
	}

	for _, id := range bidIDs {
		outcome, err := engine.FillBid(id)
		if errors.Is(err, matching.ErrNoEligibleListings) {
			continue
		}
		if err != nil {
			log.Printf("Auto-fill of bid %d failed: %v", id, err)
			continue
		}
		if outcome.Filled > 0 {
			log.Printf("Auto-filled bid %d: %d/%d units across %d orders",
				id, outcome.Filled, outcome.Requested, len(outcome.Orders))
		}
	}
}

// runSweeps expires price locks, re-records bucket prices and prunes the
// history log past its retention window.
func runSweeps(locks *pricelock.Manager, hist *history.Service, retentionDays int) {
	if removed, err := locks.Cleanup(); err != nil {
		log.Printf("Lock cleanup failed: %v", err)
	} else if removed > 0 {
		log.Printf("Removed %d expired price locks", removed)
	}

	if examined, err := hist.RecordCurrentPrices(); err != nil {
		log.Printf("History sweep failed: %v", err)
	} else {
		log.Printf("History sweep examined %d buckets", examined)
	}

	if pruned, err := hist.Cleanup(retentionDays); err != nil {
		log.Printf("History retention sweep failed: %v", err)
	} else if pruned > 0 {
		log.Printf("Pruned %d history points older than %d days", pruned, retentionDays)
	}
}
