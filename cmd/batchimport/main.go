package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"discserver/internal/border"
	"discserver/internal/config"
	"discserver/internal/encoder"
	"discserver/internal/logger"
	"discserver/internal/matcher"
	"discserver/internal/storage"
	"discserver/internal/store"
)

// batchimport registers every image in a directory through the normal
// registration contract and confirms each disc immediately.
func main() {
	_ = godotenv.Load()

	imagesDir := flag.String("images", "", "Directory containing disc images")
	ownerName := flag.String("owner", "Pending", "Owner name for all imported discs")
	ownerContact := flag.String("contact", "pending@example.com", "Owner contact for all imported discs")
	flag.Parse()

	if *imagesDir == "" {
		log.Fatal("Usage: batchimport -images <dir> [-owner name] [-contact info]")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	lg := logger.NewLogger(cfg)
	defer lg.Sync()

	st, err := store.Open(cfg.DatabaseURL, cfg.LinearScanThreshold, lg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	enc, err := encoder.Active(cfg, lg)
	if err != nil {
		log.Fatalf("Failed to initialize encoder: %v", err)
	}

	files := storage.NewFileStore(cfg, lg)
	m := matcher.New(cfg, enc, border.NewDetector(cfg, lg), st, files, lg)

	entries, err := os.ReadDir(*imagesDir)
	if err != nil {
		log.Fatalf("Failed to read images directory: %v", err)
	}

	imported, skipped := 0, 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(*imagesDir, entry.Name()))
		if err != nil {
			log.Printf("⚠️  Skipping %s: %v", entry.Name(), err)
			skipped++
			continue
		}

		result, err := m.Register(context.Background(), data, "", matcher.DiscMetadata{
			OwnerName:    *ownerName,
			OwnerContact: *ownerContact,
			Notes:        fmt.Sprintf("Imported from %s", entry.Name()),
		})
		if err != nil {
			log.Printf("⚠️  Skipping %s: %v", entry.Name(), err)
			skipped++
			continue
		}
		if err := m.Confirm(context.Background(), result.DiscID); err != nil {
			log.Printf("⚠️  Could not confirm disc %d for %s: %v", result.DiscID, entry.Name(), err)
			skipped++
			continue
		}

		fmt.Printf("Imported %s -> disc %d (image %d, border=%v)\n",
			entry.Name(), result.DiscID, result.ImageID, result.BorderDetected)
		imported++
	}

	fmt.Printf("✅ Imported %d discs\n", imported)
	if skipped > 0 {
		fmt.Printf("⚠️  Skipped %d files\n", skipped)
	}
}
