package models

import "time"

// User is a registered participant, addressed by phone number.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Phone     string    `gorm:"size:32;uniqueIndex;not null" json:"phone"`
	FirstName string    `gorm:"size:100" json:"first_name"`
	LastName  string    `gorm:"size:100" json:"last_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (User) TableName() string {
	return "users"
}

// Coordination is a scheduled meet-up shared by a small group of users.
type Coordination struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	GroupID   string    `gorm:"size:64;index;not null" json:"group_id"`
	StartsAt  time.Time `gorm:"index" json:"starts_at"`
	CreatedAt time.Time `json:"created_at"`

	Members []CoordinationMember `gorm:"foreignKey:CoordinationID" json:"members,omitempty"`
}

// TableName specifies the table name for GORM.
func (Coordination) TableName() string {
	return "coordinations"
}

// CoordinationMember links a user to a coordination.
type CoordinationMember struct {
	CoordinationID uint      `gorm:"primaryKey;autoIncrement:false" json:"coordination_id"`
	UserID         uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for GORM.
func (CoordinationMember) TableName() string {
	return "coordination_members"
}
