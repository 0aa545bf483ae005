// Package testutil provides shared test doubles and fixtures for backend tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"safeline/internal/database"
	"safeline/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens an isolated in-memory SQLite database with the full schema.
// A single connection is used so concurrent callers serialize instead of hitting table locks.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:safeline_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.AutoMigrate(db))
	return db
}

// CreateUser inserts a user with a generated name and the given phone.
func CreateUser(t *testing.T, db *gorm.DB, phone string) models.User {
	t.Helper()
	user := models.User{
		Phone:     phone,
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

// CreateCoordination inserts a coordination for groupID with the given members.
func CreateCoordination(t *testing.T, db *gorm.DB, groupID string, startsAt time.Time, members ...models.User) models.Coordination {
	t.Helper()
	coord := models.Coordination{GroupID: groupID, StartsAt: startsAt.UTC()}
	require.NoError(t, db.Create(&coord).Error)
	for _, m := range members {
		require.NoError(t, db.Create(&models.CoordinationMember{CoordinationID: coord.ID, UserID: m.ID}).Error)
	}
	return coord
}
