package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"task-hierarchy/backend/internal/domain"
	"task-hierarchy/backend/internal/models"
)

type RegistrationRequest struct {
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"display_name" binding:"max=100"`
}

// UserDirectory resolves email addresses to the user identifiers stored on
// epics, stories and tasks.
type UserDirectory interface {
	LookupByEmail(ctx context.Context, email string) (*models.User, error)
	Register(ctx context.Context, req RegistrationRequest) (*models.User, error)
}

type GormUserDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) (*GormUserDirectory, error) {
	if err := db.AutoMigrate(&models.User{}); err != nil {
		return nil, fmt.Errorf("failed to migrate users table: %w", err)
	}
	return &GormUserDirectory{db: db}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (d *GormUserDirectory) LookupByEmail(ctx context.Context, email string) (*models.User, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, domain.NewValidationError("email", "is required")
	}

	var user models.User
	err := d.db.WithContext(ctx).Where("email = ? AND is_active = ?", email, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", email, domain.ErrNotFound)
	}
	if err != nil {
		return nil, domain.NewStoreError("lookup", "users", err)
	}
	return &user, nil
}

func (d *GormUserDirectory) Register(ctx context.Context, req RegistrationRequest) (*models.User, error) {
	email := normalizeEmail(req.Email)
	if email == "" {
		return nil, domain.NewValidationError("email", "is required")
	}

	var existing models.User
	err := d.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return nil, fmt.Errorf("email %s already registered: %w", email, domain.ErrConflict)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.NewStoreError("register", "users", err)
	}

	user := models.User{
		ID:          models.NewID(),
		Email:       email,
		DisplayName: req.DisplayName,
		IsActive:    true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, domain.NewStoreError("register", "users", err)
	}
	return &user, nil
}
