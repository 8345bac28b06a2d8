package models

import (
	"time"

	"gorm.io/gorm"
)

// User is a directory entry mapping an email address to the user identifier
// stored in creator_id and assigned_user_id.
type User struct {
	ID          string `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Email       string `json:"email" gorm:"uniqueIndex;not null"`
	DisplayName string `json:"display_name"`
	IsActive    bool   `json:"is_active" gorm:"default:true"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}
