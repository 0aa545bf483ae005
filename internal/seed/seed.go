// Package seed provides database seeding utilities for development and testing.
package seed

import (
	"fmt"
	"log"
	"time"

	"safeline/internal/database"
	"safeline/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Options configuration for the seeder
type Options struct {
	NumUsers    int
	GroupSize   int
	ShouldClean bool
}

// Seeder populates a database with users and the coordinations that link them.
type Seeder struct {
	db    *gorm.DB
	faker *gofakeit.Faker
}

// NewSeeder creates a seeder bound to db. A zero seed picks a random one.
func NewSeeder(db *gorm.DB, seed int64) *Seeder {
	return &Seeder{db: db, faker: gofakeit.New(seed)}
}

// Seed runs the full seeding flow described by opts.
func (s *Seeder) Seed(opts Options) error {
	if opts.ShouldClean {
		if err := s.ClearAll(); err != nil {
			return err
		}
	}
	users, err := s.SeedUsers(opts.NumUsers)
	if err != nil {
		return fmt.Errorf("failed to create users: %w", err)
	}
	log.Printf("✓ %d users created", len(users))

	coords, err := s.SeedCoordinations(users, opts.GroupSize)
	if err != nil {
		return fmt.Errorf("failed to create coordinations: %w", err)
	}
	log.Printf("✓ %d coordinations created", len(coords))
	return nil
}

// ClearAll deletes every row from every schema-managed table, children first.
func (s *Seeder) ClearAll() error {
	all := database.PersistentModels()
	for i := len(all) - 1; i >= 0; i-- {
		if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(all[i]).Error; err != nil {
			return fmt.Errorf("clear %T: %w", all[i], err)
		}
	}
	return nil
}

// SeedUsers creates n users with unique test-range phone numbers.
func (s *Seeder) SeedUsers(n int) ([]models.User, error) {
	var existing int64
	if err := s.db.Model(&models.User{}).Count(&existing).Error; err != nil {
		return nil, err
	}

	users := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, models.User{
			Phone:     fmt.Sprintf("+1555%07d", int(existing)+i+1),
			FirstName: s.faker.FirstName(),
			LastName:  s.faker.LastName(),
		})
	}
	if len(users) == 0 {
		return users, nil
	}
	if err := s.db.CreateInBatches(&users, 100).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SeedCoordinations splits users into groups of groupSize and schedules one
// coordination per group in the next three days. A trailing group smaller than two is skipped.
func (s *Seeder) SeedCoordinations(users []models.User, groupSize int) ([]models.Coordination, error) {
	if groupSize < 2 {
		return nil, fmt.Errorf("group size must be at least 2, got %d", groupSize)
	}

	var coords []models.Coordination
	for start := 0; start+1 < len(users); start += groupSize {
		end := min(start+groupSize, len(users))
		coord := models.Coordination{
			GroupID:  uuid.NewString(),
			StartsAt: time.Now().UTC().Add(time.Duration(s.faker.Number(1, 72)) * time.Hour).Truncate(time.Minute),
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&coord).Error; err != nil {
				return err
			}
			for _, u := range users[start:end] {
				member := models.CoordinationMember{CoordinationID: coord.ID, UserID: u.ID}
				if err := tx.Create(&member).Error; err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		coords = append(coords, coord)
	}
	return coords, nil
}
