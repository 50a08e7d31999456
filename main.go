package main

import (
	"log"
	"net/http"
	"time"

	"bullion-market/internal/api"
	"bullion-market/internal/config"
	"bullion-market/internal/database"
	"bullion-market/internal/services/history"
	"bullion-market/internal/services/matching"
	"bullion-market/internal/services/pricelock"
	"bullion-market/internal/services/spotprice"
	"bullion-market/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg := config.Load()

	db, err := database.Initialize(cfg.DatabasePath)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize services
	spot := spotprice.New(cfg.MetalsAPIURL, cfg.MetalsAPIKey, cfg.SpotTTL)
	locks := pricelock.NewManager(db, spot, cfg.PriceLockTTL)
	engine := matching.NewEngine(db, spot, locks)
	hist := history.NewService(db, spot)

	// Price ticker: push recorded price changes to chart clients
	hub := ws.NewHub()
	hist.OnChange(func(bucketID uint, price float64, at time.Time) {
		hub.Broadcast(ws.PriceEvent{BucketID: bucketID, Price: price, At: at})
	})

	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ws", hub.Serve)

	// API routes
	apiGroup := r.Group("/api/v1")
	api.SetupRoutes(apiGroup, db, spot, locks, engine, hist)

	log.Printf("Server starting on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, r))
}
