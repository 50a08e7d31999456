package main

import (
	"flag"
	"fmt"
	"log"

	"bullion-market/internal/config"
	"bullion-market/internal/database"
	"bullion-market/internal/models"

	"github.com/joho/godotenv"
	"github.com/xuri/excelize/v2"
	"gorm.io/gorm"
)

var (
	outPath   = flag.String("out", "price_history.xlsx", "output xlsx path")
	rangeDays = flag.Int("days", 90, "how many days of history to export")
)

// history-export writes each bucket's recorded best-ask step function to one
// sheet of an xlsx workbook for offline analysis.
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

	if err := export(db, *outPath, *rangeDays); err != nil {
		log.Fatal("Export failed: ", err)
	}
	log.Printf("Wrote %s", *outPath)
}

func export(db *gorm.DB, outPath string, days int) error {
	var buckets []models.Bucket
	if err := db.Find(&buckets).Error; err != nil {
		return fmt.Errorf("failed to list buckets: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	wrote := false
	for _, bucket := range buckets {
		var points []models.BucketPricePoint
		err := db.Where("bucket_id = ? AND created_at >= date('now', ?)",
			bucket.ID, fmt.Sprintf("-%d days", days)).
			Order("created_at ASC").
			Find(&points).Error
		if err != nil {
			return fmt.Errorf("failed to load history for bucket %d: %w", bucket.ID, err)
		}
		if len(points) == 0 {
			continue
		}

		sheet := sheetName(bucket)
		if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("failed to create sheet %q: %w", sheet, err)
		}
		if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"Timestamp", "Best Ask (USD)"}); err != nil {
			return err
		}
		for i, p := range points {
			cell := fmt.Sprintf("A%d", i+2)
			row := []interface{}{p.CreatedAt.Format("2006-01-02 15:04:05"), p.Price}
			if err := f.SetSheetRow(sheet, cell, &row); err != nil {
				return err
			}
		}
		wrote = true
	}

	if !wrote {
		return fmt.Errorf("no history points within the last %d days", days)
	}

	f.DeleteSheet("Sheet1")
	return f.SaveAs(outPath)
}

// sheetName builds a readable, unique sheet title within Excel's 31-char cap.
func sheetName(bucket models.Bucket) string {
	name := fmt.Sprintf("%d %s %s %s", bucket.ID, bucket.Metal, bucket.ProductLine, bucket.Weight)
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}
