package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/aurahome/aura-server/internal/models"
	"github.com/aurahome/aura-server/pkg/crypto"
)

// RegisterInput carries the fields accepted at registration time.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// ProfileUpdate describes a partial profile/preferences update. Nil fields
// retain their prior value.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Prefs     *PrefsUpdate
}

// PrefsUpdate is a partial update of the preferences record.
type PrefsUpdate struct {
	Theme        *string
	UnitSystem   *string
	Locale       *string
	WidgetsOrder any
}

// UserService manages account registration, password verification, and profiles.
type UserService struct {
	db *gorm.DB
}

// NewUserService constructs a UserService.
func NewUserService(db *gorm.DB) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db}, nil
}

// Register creates a new account with a bcrypt-hashed password.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	ctx = ensureContext(ctx)

	email := strings.ToLower(strings.TrimSpace(input.Email))
	if email == "" {
		return nil, errors.New("user service: email is required")
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("user service: hash password: %w", err)
	}

	user := &models.User{
		Email:     email,
		Password:  hash,
		FirstName: strings.TrimSpace(input.FirstName),
		LastName:  strings.TrimSpace(input.LastName),
		Role:      models.RoleUser,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("user service: create user: %w", err)
	}

	return user, nil
}

// Authenticate verifies an email/password pair. The same error is returned
// for unknown emails and wrong passwords so callers cannot probe accounts.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).
		Take(&user, "email = ?", strings.ToLower(strings.TrimSpace(email))).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: load user: %w", err)
	}

	if !crypto.VerifyPassword(user.Password, password) {
		return nil, ErrUserNotFound
	}

	return &user, nil
}

// Get loads a user by id.
func (s *UserService) Get(ctx context.Context, userID string) (*models.User, error) {
	ctx = ensureContext(ctx)

	var user models.User
	err := s.db.WithContext(ctx).Preload("Prefs").Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: load user: %w", err)
	}

	return &user, nil
}

// UpdateProfile applies a partial profile change and upserts preferences in
// one transaction, returning the fresh record.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.User, error) {
	ctx = ensureContext(ctx)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields := map[string]any{}
		if update.FirstName != nil {
			fields["first_name"] = strings.TrimSpace(*update.FirstName)
		}
		if update.LastName != nil {
			fields["last_name"] = strings.TrimSpace(*update.LastName)
		}
		if len(fields) > 0 {
			res := tx.Model(&models.User{}).Where("id = ?", userID).Updates(fields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrUserNotFound
			}
		}

		if update.Prefs != nil {
			return upsertPrefs(tx, userID, update.Prefs)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("user service: update profile: %w", err)
	}

	return s.Get(ctx, userID)
}

// ListUsers returns every account, newest first. Admin surface only.
func (s *UserService) ListUsers(ctx context.Context) ([]models.User, error) {
	ctx = ensureContext(ctx)

	var users []models.User
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("user service: list users: %w", err)
	}
	return users, nil
}

func upsertPrefs(tx *gorm.DB, userID string, update *PrefsUpdate) error {
	prefs := models.UserPrefs{UserID: userID}
	if err := tx.Where("user_id = ?", userID).FirstOrCreate(&prefs).Error; err != nil {
		return err
	}

	fields := map[string]any{}
	if update.Theme != nil {
		fields["theme"] = *update.Theme
	}
	if update.UnitSystem != nil {
		fields["unit_system"] = *update.UnitSystem
	}
	if update.Locale != nil {
		fields["locale"] = *update.Locale
	}
	if update.WidgetsOrder != nil {
		encoded, err := json.Marshal(update.WidgetsOrder)
		if err != nil {
			return fmt.Errorf("encode widgets order: %w", err)
		}
		fields["widgets_order"] = datatypes.JSON(encoded)
	}

	if len(fields) == 0 {
		return nil
	}
	return tx.Model(&models.UserPrefs{}).Where("user_id = ?", userID).Updates(fields).Error
}
