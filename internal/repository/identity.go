package repository

import (
	"context"
	"errors"
	"fmt"

	"safeline/internal/models"
	"safeline/internal/moderation"

	"gorm.io/gorm"
)

// IdentityRepository resolves senders and their most recent shared coordination.
type IdentityRepository interface {
	FindByPhone(ctx context.Context, phone string) (*models.User, error)
	ConversationContext(ctx context.Context, userID uint) (moderation.ConversationContext, error)
}

type identityRepository struct {
	db *gorm.DB
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &identityRepository{db: db}
}

// FindByPhone returns nil without error for unknown numbers.
func (r *identityRepository) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).Where("phone = ?", phone).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user by phone: %w", err)
	}
	return &user, nil
}

// ConversationContext returns the other members of the user's most recent coordination.
func (r *identityRepository) ConversationContext(ctx context.Context, userID uint) (moderation.ConversationContext, error) {
	db := r.db.WithContext(ctx)

	var coord models.Coordination
	err := db.
		Joins("JOIN coordination_members cm ON cm.coordination_id = coordinations.id").
		Where("cm.user_id = ?", userID).
		Order("coordinations.starts_at DESC, coordinations.id DESC").
		Take(&coord).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return moderation.ConversationContext{}, nil
	}
	if err != nil {
		return moderation.ConversationContext{}, fmt.Errorf("load latest coordination: %w", err)
	}

	var members []models.CoordinationMember
	err = db.Preload("User").
		Where("coordination_id = ? AND user_id <> ?", coord.ID, userID).
		Order("user_id ASC").
		Find(&members).Error
	if err != nil {
		return moderation.ConversationContext{}, fmt.Errorf("load coordination members: %w", err)
	}

	out := moderation.ConversationContext{GroupID: coord.GroupID}
	for _, m := range members {
		cp := moderation.Counterpart{UserID: m.UserID}
		if m.User != nil {
			cp.FirstName = m.User.FirstName
			cp.LastName = m.User.LastName
		}
		out.Counterparts = append(out.Counterparts, cp)
	}
	return out, nil
}
