package main

import (
	"log"

	"github.com/joho/godotenv"

	"discserver/internal/app"
)

func main() {
	// .env is optional; environment variables win.
	_ = godotenv.Load()

	a, err := app.NewApp()
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Stop()

	if err := a.Run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
