package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"

	"discserver/internal/config"
	"discserver/internal/logger"
	"discserver/internal/store"
)

func main() {
	_ = godotenv.Load()

	databaseURL := flag.String("db", "", "Database URL (defaults to DATABASE_URL)")
	flag.Parse()

	cfg := config.Load()
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}

	fmt.Printf("Migrating database %s\n", cfg.DatabaseURL)

	lg := logger.NewLogger(cfg)
	defer lg.Sync()

	st, err := store.Open(cfg.DatabaseURL, cfg.LinearScanThreshold, lg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	if err := st.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	fmt.Println("✅ Schema is up to date (tables, vector extension, embedding indexes)")
}
