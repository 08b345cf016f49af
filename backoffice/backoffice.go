package backoffice

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"iconostasis/cache"
	"iconostasis/common"
	"iconostasis/models"
	"iconostasis/policy"
	"iconostasis/session"
)

var (
	ErrUserNotFound = common.NewError(common.ErrNotFound, "User not found")
	ErrRankNotFound = common.NewError(common.ErrValidation, "Unknown rank")
	ErrInvalidID    = common.NewError(common.ErrValidation, "Invalid id")
)

type BackofficeModule struct {
	db       *gorm.DB
	policy   *policy.Policy
	sessions *session.Store
	cache    cache.Store
}

// NewBackofficeModule wires the moderation pages. iconCache may be nil.
func NewBackofficeModule(db *gorm.DB, p *policy.Policy, sessions *session.Store, iconCache cache.Store) *BackofficeModule {
	return &BackofficeModule{db: db, policy: p, sessions: sessions, cache: iconCache}
}

func (b *BackofficeModule) RegisterRoutes(router *gin.Engine) {
	backofficeGroup := router.Group("/$")
	backofficeGroup.Use(session.RequireUser(true), b.requireBackofficeAuth)
	{
		backofficeGroup.GET("/index", b.index)
		backofficeGroup.GET("/ranks", b.ranks)
		backofficeGroup.POST("/rank/:userID", b.assignRank)
		backofficeGroup.POST("/revoke/:userID", b.revokeSessions)
		backofficeGroup.POST("/clear-cache/:iconID", b.clearIconCache)
	}
}

// requireBackofficeAuth lets only administrators through.
func (b *BackofficeModule) requireBackofficeAuth(c *gin.Context) {
	if err := b.policy.Admin(session.CurrentUser(c), policy.ActionManageRanks); err != nil {
		common.Respond(c, err)
		return
	}
	c.Next()
}

type userWithStats struct {
	models.User
	Email     string `json:"email"`
	IconCount int64  `json:"icon_count"`
}

func (b *BackofficeModule) index(c *gin.Context) {
	db := b.db.WithContext(c.Request.Context())

	var users []models.User
	if err := db.Preload("ModRank").Order("id").Find(&users).Error; err != nil {
		common.Respond(c, err)
		return
	}

	type iconCount struct {
		UserID uint
		Count  int64
	}
	var counts []iconCount
	if err := db.Model(&models.Icon{}).Select("user_id, COUNT(*) AS count").Group("user_id").Scan(&counts).Error; err != nil {
		common.Respond(c, err)
		return
	}
	byUser := make(map[uint]int64, len(counts))
	for _, ic := range counts {
		byUser[ic.UserID] = ic.Count
	}

	usersWithStats := make([]userWithStats, len(users))
	for i, user := range users {
		usersWithStats[i] = userWithStats{User: user, Email: user.Email, IconCount: byUser[user.ID]}
	}

	c.JSON(http.StatusOK, gin.H{"users": usersWithStats})
}

func (b *BackofficeModule) ranks(c *gin.Context) {
	var ranks []models.ModRank
	if err := b.db.WithContext(c.Request.Context()).Order("id").Find(&ranks).Error; err != nil {
		common.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranks": ranks})
}

func (b *BackofficeModule) assignRank(c *gin.Context) {
	user, ok := b.loadUser(c)
	if !ok {
		return
	}
	db := b.db.WithContext(c.Request.Context())

	var rank models.ModRank
	if err := db.Where("name = ?", strings.TrimSpace(c.PostForm("rank"))).First(&rank).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrRankNotFound
		}
		common.Respond(c, err)
		return
	}

	if err := db.Model(&models.User{}).Where("id = ?", user.ID).Update("mod_rank_id", rank.ID).Error; err != nil {
		common.Respond(c, err)
		return
	}

	log.Printf("backoffice: %s set rank of %s to %s", session.CurrentUser(c).Username, user.Username, rank.Name)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"rank":    rank.Name,
	})
}

// revokeSessions signs a user out everywhere.
func (b *BackofficeModule) revokeSessions(c *gin.Context) {
	user, ok := b.loadUser(c)
	if !ok {
		return
	}

	n, err := b.sessions.DestroyUser(c.Request.Context(), user.ID)
	if err != nil {
		common.Respond(c, err)
		return
	}

	log.Printf("backoffice: %s revoked %d sessions of %s", session.CurrentUser(c).Username, n, user.Username)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"revoked": n,
	})
}

func (b *BackofficeModule) clearIconCache(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("iconID"), 10, 64)
	if err != nil {
		common.Respond(c, ErrInvalidID)
		return
	}

	if b.cache != nil {
		if err := b.cache.Delete(c.Request.Context(), cache.IconKey(uint(id))); err != nil {
			common.Respond(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Cache cleared",
	})
}

func (b *BackofficeModule) loadUser(c *gin.Context) (*models.User, bool) {
	id, err := strconv.ParseUint(c.Param("userID"), 10, 64)
	if err != nil {
		common.Respond(c, ErrInvalidID)
		return nil, false
	}

	var user models.User
	if err := b.db.WithContext(c.Request.Context()).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = ErrUserNotFound
		}
		common.Respond(c, err)
		return nil, false
	}
	return &user, true
}
