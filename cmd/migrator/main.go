package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"jwtauth/internal/config"
	"jwtauth/internal/domain/models"
	"jwtauth/internal/storage/sqlite"
	"jwtauth/migrations"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	var configPath string
	var seedUser bool
	flag.StringVar(&configPath, "config", "", "path to config file (or use CONFIG_PATH env)")
	flag.BoolVar(&seedUser, "seed", false, "seed a demo user into the database")
	flag.Parse()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg := config.LoadConfig(configPath)

	log.Println("Applying migrations...")

	if err := migrations.Up(cfg.StoragePath); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	log.Println("Migrations applied successfully")

	if seedUser {
		log.Println("Seeding demo user...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		storage, err := sqlite.New(cfg.StoragePath)
		if err != nil {
			log.Fatalf("failed to open storage: %v", err)
		}
		defer storage.Close()

		passHash, err := bcrypt.GenerateFromPassword([]byte("demo-password-change-me"), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash demo password: %v", err)
		}

		if err := storage.SaveUser(ctx, &models.User{
			ID:       uuid.NewString(),
			Email:    "demo@example.com",
			Name:     "Demo User",
			PassHash: passHash,
		}); err != nil {
			log.Fatalf("failed to seed demo user: %v", err)
		}
		log.Println("Demo user seeded (email=demo@example.com)")
	}

	fmt.Println("Database initialization completed successfully")
}
