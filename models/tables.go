package models

import "time"

type ModRank struct {
	ID                   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string `gorm:"size:50;uniqueIndex;not null" json:"name"`
	Description          string `gorm:"type:text;not null" json:"description"`
	RequiresModeration   bool   `gorm:"default:false" json:"requires_moderation"`
	CanModerate          bool   `gorm:"default:false" json:"can_moderate"`
	CanLockConversations bool   `gorm:"default:false" json:"can_lock_conversations"`
	IsAdmin              bool   `gorm:"default:false" json:"is_admin"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	DisplayName  string    `gorm:"not null" json:"display_name"`
	Email        string    `gorm:"not null" json:"-"` // private, see settings and backoffice
	PasswordHash string    `gorm:"size:255;not null" json:"-"` // bcrypt only, never plaintext
	ModRankID    uint      `gorm:"not null;index" json:"mod_rank_id"`
	ModRank      ModRank   `gorm:"foreignKey:ModRankID" json:"mod_rank"`
	CreatedAt    time.Time `json:"created_at"`
}

type Tradition struct {
	ID   uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"size:100;uniqueIndex;not null" json:"name"`
}

// Saint names are unique so that lookups by name can be upserts.
type Saint struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	FeastDay string `gorm:"size:50" json:"feast_day,omitempty"`
}

type Icon struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Title        string    `gorm:"size:255;not null" json:"title"`
	ImageURL     string    `gorm:"type:text;not null" json:"image_url"`
	Century      string    `gorm:"size:50" json:"century"`
	Region       string    `gorm:"size:100" json:"region"`
	Iconographer string    `gorm:"size:255" json:"iconographer"`
	Description  string    `gorm:"type:text" json:"description"`
	TraditionID  uint      `gorm:"index" json:"tradition_id"`
	Tradition    Tradition `gorm:"foreignKey:TraditionID" json:"tradition"`
	UserID       uint      `gorm:"not null;index" json:"user_id"` // creator, never updated
	Creator      User      `gorm:"foreignKey:UserID" json:"creator"`
	Version      uint      `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	Saints []Saint `gorm:"-" json:"saints"` // filled from icon_saints
}

// IconSaint is the icon_saints join row.
type IconSaint struct {
	IconID  uint `gorm:"primaryKey;autoIncrement:false" json:"icon_id"`
	SaintID uint `gorm:"primaryKey;autoIncrement:false;index" json:"saint_id"`
}

// Candle records that a user venerates an icon.
type Candle struct {
	IconID    uint      `gorm:"primaryKey;autoIncrement:false" json:"icon_id"`
	UserID    uint      `gorm:"primaryKey;autoIncrement:false;index" json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

type Comment struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	Author    User      `gorm:"foreignKey:UserID" json:"author"`
	IconID    uint      `gorm:"not null;index" json:"icon_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the server-side half of a login. Only the sha256 of the
// browser-held token is stored.
type Session struct {
	TokenHash string    `gorm:"primaryKey;size:64" json:"-"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (IconSaint) TableName() string { return "icon_saints" }

func (Candle) TableName() string { return "candles" }

func (ModRank) TableName() string { return "mod_ranks" }
