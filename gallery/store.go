package gallery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"iconostasis/common"
	"iconostasis/models"
	"iconostasis/relay"
)

var (
	ErrIconNotFound      = common.NewError(common.ErrNotFound, "Icon not found")
	ErrCommentNotFound   = common.NewError(common.ErrNotFound, "Comment not found")
	ErrUserNotFound      = common.NewError(common.ErrNotFound, "User not found")
	ErrEmptyComment      = common.NewError(common.ErrValidation, "Comment cannot be empty")
	ErrTitleRequired     = common.NewError(common.ErrValidation, "Title is required")
	ErrImageRequired     = common.NewError(common.ErrValidation, "An image file or image URL is required")
	ErrTraditionRequired = common.NewError(common.ErrValidation, "Tradition is required")
	ErrUnknownTradition  = common.NewError(common.ErrValidation, "Unknown tradition")
	ErrStaleIcon         = common.NewError(common.ErrConflict, "Icon was changed by someone else, reload and try again")
)

const upsertAttempts = 3

// IconInput carries the editable fields of an icon. Tradition is given by
// name (created if missing) or by id (must exist).
type IconInput struct {
	Title         string
	ImageURL      string
	Century       string
	Region        string
	Iconographer  string
	Description   string
	TraditionID   uint
	TraditionName string
	Saints        []string
	ReplaceSaints bool
}

// ParseSaints splits a comma-separated list, dropping blanks and repeats.
func ParseSaints(raw string) []string {
	seen := make(map[string]bool)
	var names []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

// IconStore owns icons and everything hanging off them: saints, candles and
// comments.
type IconStore struct {
	db *gorm.DB
}

func NewIconStore(db *gorm.DB) *IconStore {
	return &IconStore{db: db}
}

func (s *IconStore) Create(ctx context.Context, userID uint, in IconInput) (*models.Icon, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, ErrTitleRequired
	}
	if strings.TrimSpace(in.ImageURL) == "" {
		return nil, ErrImageRequired
	}

	var iconID uint
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		traditionID, err := resolveTradition(tx, in)
		if err != nil {
			return err
		}
		if traditionID == 0 {
			return ErrTraditionRequired
		}

		icon := models.Icon{
			Title:        in.Title,
			ImageURL:     strings.TrimSpace(in.ImageURL),
			Century:      strings.TrimSpace(in.Century),
			Region:       strings.TrimSpace(in.Region),
			Iconographer: strings.TrimSpace(in.Iconographer),
			Description:  in.Description,
			TraditionID:  traditionID,
			UserID:       userID,
			Version:      1,
		}
		if err := tx.Omit(clause.Associations).Create(&icon).Error; err != nil {
			return err
		}
		iconID = icon.ID
		return addSaints(tx, icon.ID, in.Saints)
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, iconID)
}

func (s *IconStore) Get(ctx context.Context, id uint) (*models.Icon, error) {
	db := s.db.WithContext(ctx)

	var icon models.Icon
	err := db.Preload("Tradition").Preload("Creator").First(&icon, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrIconNotFound
	}
	if err != nil {
		return nil, err
	}

	icons := []models.Icon{icon}
	if err := loadSaints(db, icons); err != nil {
		return nil, err
	}
	return &icons[0], nil
}

func (s *IconStore) List(ctx context.Context, f IconFilter) ([]models.Icon, error) {
	db := s.db.WithContext(ctx)
	return s.find(db, BuildIconQuery(db, f))
}

func (s *IconStore) ListByCreator(ctx context.Context, userID uint) ([]models.Icon, error) {
	db := s.db.WithContext(ctx)
	return s.find(db, db.Model(&models.Icon{}).Where("icons.user_id = ?", userID).Order("icons.id"))
}

func (s *IconStore) ListVeneratedBy(ctx context.Context, userID uint) ([]models.Icon, error) {
	db := s.db.WithContext(ctx)
	q := db.Model(&models.Icon{}).
		Joins("JOIN candles ON candles.icon_id = icons.id").
		Where("candles.user_id = ?", userID).
		Order("candles.created_at DESC, icons.id")
	return s.find(db, q)
}

func (s *IconStore) find(db, q *gorm.DB) ([]models.Icon, error) {
	icons := []models.Icon{}
	if err := q.Preload("Tradition").Preload("Creator").Find(&icons).Error; err != nil {
		return nil, err
	}
	if err := loadSaints(db, icons); err != nil {
		return nil, err
	}
	return icons, nil
}

// Update edits an icon. A non-zero expectedVersion must match the stored
// version or ErrStaleIcon is returned. The creator never changes.
func (s *IconStore) Update(ctx context.Context, id uint, in IconInput, expectedVersion uint) (*models.Icon, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, ErrTitleRequired
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var icon models.Icon
		if err := tx.First(&icon, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIconNotFound
			}
			return err
		}
		if expectedVersion != 0 && icon.Version != expectedVersion {
			return ErrStaleIcon
		}

		traditionID, err := resolveTradition(tx, in)
		if err != nil {
			return err
		}
		if traditionID == 0 {
			traditionID = icon.TraditionID
		}

		updates := map[string]interface{}{
			"title":        in.Title,
			"century":      strings.TrimSpace(in.Century),
			"region":       strings.TrimSpace(in.Region),
			"iconographer": strings.TrimSpace(in.Iconographer),
			"description":  in.Description,
			"tradition_id": traditionID,
			"version":      gorm.Expr("version + 1"),
		}
		if u := strings.TrimSpace(in.ImageURL); u != "" {
			updates["image_url"] = u
		}

		q := tx.Model(&models.Icon{}).Where("id = ?", id)
		if expectedVersion != 0 {
			q = q.Where("version = ?", expectedVersion)
		}
		result := q.Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleIcon
		}

		if in.ReplaceSaints {
			if err := tx.Where("icon_id = ?", id).Delete(&models.IconSaint{}).Error; err != nil {
				return err
			}
			return addSaints(tx, id, in.Saints)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes an icon with its comments, candles and saint links. Saints
// themselves stay.
func (s *IconStore) Delete(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("icon_id = ?", id).Delete(&models.IconSaint{}).Error; err != nil {
			return err
		}
		if err := tx.Where("icon_id = ?", id).Delete(&models.Candle{}).Error; err != nil {
			return err
		}
		if err := tx.Where("icon_id = ?", id).Delete(&models.Comment{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&models.Icon{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrIconNotFound
		}
		return nil
	})
}

// ToggleVeneration lights the user's candle for an icon or puts it out, and
// returns the new state with the icon's candle count.
func (s *IconStore) ToggleVeneration(ctx context.Context, userID, iconID uint) (bool, int64, error) {
	var lit bool
	var count int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := iconExists(tx, iconID); err != nil {
			return err
		}

		removed := tx.Where("icon_id = ? AND user_id = ?", iconID, userID).Delete(&models.Candle{})
		if removed.Error != nil {
			return removed.Error
		}
		if removed.RowsAffected == 0 {
			candle := models.Candle{IconID: iconID, UserID: userID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candle).Error; err != nil {
				return err
			}
			lit = true
		}

		return tx.Model(&models.Candle{}).Where("icon_id = ?", iconID).Count(&count).Error
	})
	if err != nil {
		return false, 0, err
	}
	return lit, count, nil
}

func (s *IconStore) CandleCount(ctx context.Context, iconID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Candle{}).Where("icon_id = ?", iconID).Count(&count).Error
	return count, err
}

func (s *IconStore) Venerates(ctx context.Context, userID, iconID uint) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Candle{}).
		Where("icon_id = ? AND user_id = ?", iconID, userID).
		Count(&count).Error
	return count > 0, err
}

func (s *IconStore) AddComment(ctx context.Context, userID, iconID uint, text string) (*models.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyComment
	}

	comment := models.Comment{Text: text, UserID: userID, IconID: iconID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := iconExists(tx, iconID); err != nil {
			return err
		}
		return tx.Omit(clause.Associations).Create(&comment).Error
	})
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (s *IconStore) Comments(ctx context.Context, iconID uint) ([]models.Comment, error) {
	comments := []models.Comment{}
	err := s.db.WithContext(ctx).Preload("Author").
		Where("icon_id = ?", iconID).
		Order("created_at, id").
		Find(&comments).Error
	return comments, err
}

// GetComment finds a comment on the given icon.
func (s *IconStore) GetComment(ctx context.Context, iconID, commentID uint) (*models.Comment, error) {
	var comment models.Comment
	err := s.db.WithContext(ctx).Where("id = ? AND icon_id = ?", commentID, iconID).First(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &comment, nil
}

func (s *IconStore) DeleteComment(ctx context.Context, commentID uint) error {
	result := s.db.WithContext(ctx).Delete(&models.Comment{}, commentID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommentNotFound
	}
	return nil
}

func (s *IconStore) Traditions(ctx context.Context) ([]models.Tradition, error) {
	traditions := []models.Tradition{}
	err := s.db.WithContext(ctx).Order("name").Find(&traditions).Error
	return traditions, err
}

func (s *IconStore) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("ModRank").Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Card builds the public card of an icon.
func (s *IconStore) Card(ctx context.Context, iconID uint) (*relay.Card, error) {
	icon, err := s.Get(ctx, iconID)
	if err != nil {
		return nil, err
	}
	return cardFor(icon), nil
}

func cardFor(icon *models.Icon) *relay.Card {
	saints := make([]string, 0, len(icon.Saints))
	for _, saint := range icon.Saints {
		saints = append(saints, saint.Name)
	}
	iconographer := icon.Iconographer
	if iconographer == "" {
		iconographer = "Unknown"
	}
	return &relay.Card{
		Title:        icon.Title,
		Saints:       saints,
		Tradition:    icon.Tradition.Name,
		Century:      icon.Century,
		Region:       icon.Region,
		Iconographer: iconographer,
		Uploader:     icon.Creator.DisplayName,
		ImageURL:     icon.ImageURL,
		Description:  icon.Description,
	}
}

func iconExists(tx *gorm.DB, iconID uint) error {
	var count int64
	if err := tx.Model(&models.Icon{}).Where("id = ?", iconID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrIconNotFound
	}
	return nil
}

// resolveTradition returns 0 when the input names no tradition.
func resolveTradition(tx *gorm.DB, in IconInput) (uint, error) {
	if name := strings.TrimSpace(in.TraditionName); name != "" {
		return upsertByName(tx, &models.Tradition{}, name)
	}
	if in.TraditionID == 0 {
		return 0, nil
	}
	var count int64
	if err := tx.Model(&models.Tradition{}).Where("id = ?", in.TraditionID).Count(&count).Error; err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, ErrUnknownTradition
	}
	return in.TraditionID, nil
}

// addSaints links saints to an icon, creating missing saints. Links that
// already exist are left alone.
func addSaints(tx *gorm.DB, iconID uint, names []string) error {
	for _, name := range names {
		saintID, err := upsertByName(tx, &models.Saint{}, name)
		if err != nil {
			return err
		}
		link := models.IconSaint{IconID: iconID, SaintID: saintID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error; err != nil {
			return err
		}
	}
	return nil
}

// upsertByName inserts a row with the given unique name unless one exists
// and returns its id. A concurrent insert of the same name is absorbed by
// the unique index and the re-select.
func upsertByName(tx *gorm.DB, model interface{}, name string) (uint, error) {
	var lastErr error
	for attempt := 0; attempt < upsertAttempts; attempt++ {
		err := tx.Model(model).
			Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "name"}}, DoNothing: true}).
			Create(map[string]interface{}{"name": name}).Error
		if err != nil {
			lastErr = err
			continue
		}

		var ids []uint
		if err := tx.Model(model).Where("name = ?", name).Limit(1).Pluck("id", &ids).Error; err != nil {
			lastErr = err
			continue
		}
		if len(ids) == 1 {
			return ids[0], nil
		}
		lastErr = fmt.Errorf("upsert %q: row not visible after insert", name)
	}
	return 0, lastErr
}

type saintRow struct {
	IconID   uint
	ID       uint
	Name     string
	FeastDay string
}

// loadSaints fills Saints on every icon with one query.
func loadSaints(db *gorm.DB, icons []models.Icon) error {
	if len(icons) == 0 {
		return nil
	}

	ids := make([]uint, len(icons))
	index := make(map[uint]int, len(icons))
	for i := range icons {
		ids[i] = icons[i].ID
		index[icons[i].ID] = i
		icons[i].Saints = []models.Saint{}
	}

	var rows []saintRow
	err := db.Table("icon_saints").
		Select("icon_saints.icon_id, saints.id, saints.name, COALESCE(saints.feast_day, '') AS feast_day").
		Joins("JOIN saints ON saints.id = icon_saints.saint_id").
		Where("icon_saints.icon_id IN ?", ids).
		Order("saints.name").
		Scan(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		i := index[row.IconID]
		icons[i].Saints = append(icons[i].Saints, models.Saint{ID: row.ID, Name: row.Name, FeastDay: row.FeastDay})
	}
	return nil
}
