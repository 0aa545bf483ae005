package database

import "safeline/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Coordination{},
		&models.CoordinationMember{},
		&models.InboundMessage{},
		&models.InboundLock{},
		&models.UserSafetyState{},
		&models.RateLimitWindow{},
		&models.SafetyEvent{},
		&models.UserBlock{},
		&models.ModerationIncident{},
		&models.OutboundMessage{},
		&models.OutboundJob{},
	}
}
