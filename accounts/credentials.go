package accounts

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"iconostasis/common"
	"iconostasis/database"
	"iconostasis/models"
)

var (
	ErrInvalidUsername    = common.NewError(common.ErrValidation, "Username must contain only letters, digits and underscores")
	ErrPasswordRequired   = common.NewError(common.ErrValidation, "Password is required")
	ErrPasswordTooLong    = common.NewError(common.ErrValidation, "Password must be at most 72 bytes")
	ErrDisplayNameMissing = common.NewError(common.ErrValidation, "Display name is required")
	ErrUsernameTaken      = common.NewError(common.ErrConflict, "Username already taken")
	ErrSignupUnavailable  = common.NewError(common.ErrServiceUnavailable, "Signup is temporarily unavailable. Please try again shortly.")
	ErrUserNotFound       = common.NewError(common.ErrNotFound, "User not found")
	ErrInvalidCredentials = common.NewError(common.ErrUnauthorized, "Invalid credentials")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

type RegisterInput struct {
	Username    string
	DisplayName string
	Email       string
	Password    string
}

// Credentials owns password hashing and the user table invariants.
type Credentials struct {
	db          *gorm.DB
	cost        int
	defaultRank string
	dummyHash   []byte
	compare     func(hash, password []byte) error
}

func NewCredentials(db *gorm.DB, cost int, defaultRank string) *Credentials {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	if defaultRank == "" {
		defaultRank = database.DefaultRankName
	}
	// Compared against when the username is unknown, so that path pays the
	// same bcrypt cost as a wrong password.
	dummy, err := bcrypt.GenerateFromPassword([]byte("iconostasis-dummy-password"), cost)
	if err != nil {
		panic(err)
	}
	return &Credentials{
		db:          db,
		cost:        cost,
		defaultRank: defaultRank,
		dummyHash:   dummy,
		compare:     bcrypt.CompareHashAndPassword,
	}
}

func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

func (cr *Credentials) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if !ValidUsername(in.Username) {
		return nil, ErrInvalidUsername
	}
	if in.Password == "" {
		return nil, ErrPasswordRequired
	}

	db := cr.db.WithContext(ctx)

	var existing models.User
	err := db.Where("username = ?", in.Username).First(&existing).Error
	if err == nil {
		return nil, ErrUsernameTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var rank models.ModRank
	if err := db.Where("name = ?", cr.defaultRank).First(&rank).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSignupUnavailable
		}
		return nil, err
	}

	hash, err := hashPassword(in.Password, cr.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, ErrPasswordTooLong
	}
	if err != nil {
		return nil, err
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = in.Username
	}

	user := models.User{
		Username:     in.Username,
		DisplayName:  displayName,
		Email:        strings.TrimSpace(in.Email),
		PasswordHash: hash,
		ModRankID:    rank.ID,
		ModRank:      rank,
	}
	if err := db.Omit("ModRank").Create(&user).Error; err != nil {
		// Lost a race with a concurrent signup for the same name.
		if cr.usernameExists(db, in.Username) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return &user, nil
}

// Authenticate returns the user for a username/password pair. Both failure
// modes cost one bcrypt comparison.
func (cr *Credentials) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var user models.User
	err := cr.db.WithContext(ctx).Preload("ModRank").Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		_ = cr.compare(cr.dummyHash, []byte(password))
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if cr.compare([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}

func (cr *Credentials) UpdateDisplayName(ctx context.Context, userID uint, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrDisplayNameMissing
	}
	result := cr.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("display_name", name)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (cr *Credentials) usernameExists(db *gorm.DB, username string) bool {
	var count int64
	db.Model(&models.User{}).Where("username = ?", username).Count(&count)
	return count > 0
}

func hashPassword(password string, cost int) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(bytes), err
}
