// Command main runs the database seeder for safeline.
package main

import (
	"flag"
	"log"

	"safeline/internal/config"
	"safeline/internal/database"
	"safeline/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 30, "Number of users to create")
	groupSize := flag.Int("group-size", 3, "Members per coordination")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	randSeed := flag.Int64("seed", 0, "Random seed for generated names (0 = random)")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Printf("Target: %d users in groups of %d, clean=%v\n", *numUsers, *groupSize, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db, *randSeed)
	if err := s.Seed(seed.Options{NumUsers: *numUsers, GroupSize: *groupSize, ShouldClean: *shouldClean}); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("✨ All done! Your database is now populated with test data.")
}
