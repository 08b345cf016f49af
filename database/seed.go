package database

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/BurntSushi/toml"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"iconostasis/models"
)

const DefaultRankName = "Catechumen"

type RankSeed struct {
	Name                 string `toml:"name"`
	Description          string `toml:"description"`
	RequiresModeration   bool   `toml:"requires_moderation"`
	CanModerate          bool   `toml:"can_moderate"`
	CanLockConversations bool   `toml:"can_lock_conversations"`
	IsAdmin              bool   `toml:"is_admin"`
}

// SeedData is the reference data the application needs before signup works.
type SeedData struct {
	DefaultRank string     `toml:"default_rank"`
	AdminRank   string     `toml:"admin_rank"`
	Ranks       []RankSeed `toml:"ranks"`
	Traditions  []string   `toml:"traditions"`
}

func DefaultSeed() SeedData {
	return SeedData{
		DefaultRank: DefaultRankName,
		AdminRank:   "Archon",
		Ranks: []RankSeed{
			{Name: DefaultRankName, Description: "New member; contributions may be reviewed.", RequiresModeration: true},
			{Name: "Reader", Description: "Trusted member."},
			{Name: "Deacon", Description: "Moderator.", CanModerate: true, CanLockConversations: true},
			{Name: "Archon", Description: "Administrator.", CanModerate: true, CanLockConversations: true, IsAdmin: true},
		},
		Traditions: []string{"Byzantine", "Russian", "Coptic"},
	}
}

// LoadSeedFile reads a TOML seed file. Missing default/admin rank names fall
// back to the built-in ones.
func LoadSeedFile(path string) (SeedData, error) {
	var data SeedData
	if _, err := toml.DecodeFile(path, &data); err != nil {
		return data, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	def := DefaultSeed()
	if data.DefaultRank == "" {
		data.DefaultRank = def.DefaultRank
	}
	if data.AdminRank == "" {
		data.AdminRank = def.AdminRank
	}
	return data, nil
}

// Seed inserts the ranks and traditions that are missing. Existing rows are
// left alone so edits made through the backoffice survive restarts.
func Seed(db *gorm.DB, data SeedData) error {
	for _, r := range data.Ranks {
		rank := models.ModRank{
			Name:                 strings.TrimSpace(r.Name),
			Description:          r.Description,
			RequiresModeration:   r.RequiresModeration,
			CanModerate:          r.CanModerate,
			CanLockConversations: r.CanLockConversations,
			IsAdmin:              r.IsAdmin,
		}
		if rank.Name == "" {
			continue
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rank).Error; err != nil {
			return fmt.Errorf("seed rank %q: %w", rank.Name, err)
		}
	}

	for _, name := range data.Traditions {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tradition := models.Tradition{Name: name}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&tradition).Error; err != nil {
			return fmt.Errorf("seed tradition %q: %w", name, err)
		}
	}

	log.Printf("Seeded %d ranks and %d traditions", len(data.Ranks), len(data.Traditions))
	return nil
}

// PromoteAdmins moves the listed users to the admin rank. Unknown usernames
// are logged and skipped.
func PromoteAdmins(db *gorm.DB, usernames []string, adminRank string) error {
	if len(usernames) == 0 {
		return nil
	}

	var rank models.ModRank
	if err := db.Where("name = ?", adminRank).First(&rank).Error; err != nil {
		return fmt.Errorf("admin rank %q: %w", adminRank, err)
	}

	for _, username := range usernames {
		result := db.Model(&models.User{}).Where("username = ?", username).Update("mod_rank_id", rank.ID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			log.Printf("PromoteAdmins: user %q not found", username)
		}
	}
	return nil
}

// HasRank reports whether a rank with the given name exists.
func HasRank(db *gorm.DB, name string) (bool, error) {
	var rank models.ModRank
	err := db.Where("name = ?", name).First(&rank).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}
