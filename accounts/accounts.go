package accounts

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"iconostasis/cache"
	"iconostasis/common"
	"iconostasis/models"
	"iconostasis/session"
)

type AccountsModule struct {
	db          *gorm.DB
	credentials *Credentials
	sessions    *session.Manager
	throttle    *common.Throttle
	cache       cache.Store
}

// NewAccountsModule wires the login, signup and settings pages. throttle
// and iconCache may be nil.
func NewAccountsModule(db *gorm.DB, credentials *Credentials, sessions *session.Manager, throttle *common.Throttle, iconCache cache.Store) *AccountsModule {
	return &AccountsModule{
		db:          db,
		credentials: credentials,
		sessions:    sessions,
		throttle:    throttle,
		cache:       iconCache,
	}
}

func (a *AccountsModule) RegisterRoutes(router *gin.Engine) {
	router.GET("/login", a.loginPage)
	router.POST("/login", a.throttle.Middleware(), a.loginPost)
	router.GET("/signup", a.signupPage)
	router.POST("/signup", a.throttle.Middleware(), a.signupPost)
	router.GET("/logout", a.logout)

	settings := router.Group("/settings")
	settings.Use(session.RequireUser(false))
	{
		settings.GET("", a.settings)
		settings.POST("/edit/display_name", a.editDisplayName)
	}
}

func (a *AccountsModule) loginPage(c *gin.Context) {
	if session.CurrentUser(c) != nil {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.JSON(http.StatusOK, gin.H{"form": "login"})
}

func (a *AccountsModule) loginPost(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")

	user, err := a.credentials.Authenticate(c.Request.Context(), username, password)
	if err != nil {
		// Unknown user and wrong password look the same from outside.
		if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":    ErrInvalidCredentials.Error(),
				"username": username,
			})
			return
		}
		common.Respond(c, err)
		return
	}

	if err := a.sessions.Login(c, user.ID); err != nil {
		common.Respond(c, err)
		return
	}

	c.Redirect(http.StatusFound, "/")
}

func (a *AccountsModule) signupPage(c *gin.Context) {
	if session.CurrentUser(c) != nil {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.JSON(http.StatusOK, gin.H{"form": "signup"})
}

func (a *AccountsModule) signupPost(c *gin.Context) {
	in := RegisterInput{
		Username:    c.PostForm("username"),
		DisplayName: c.PostForm("displayname"),
		Email:       c.PostForm("email"),
		Password:    c.PostForm("password"),
	}

	user, err := a.credentials.Register(c.Request.Context(), in)
	if err != nil {
		status := common.StatusFor(err)
		if status == http.StatusInternalServerError {
			common.Respond(c, err)
			return
		}
		// Send the form data back, never the password.
		c.JSON(status, gin.H{
			"error":       err.Error(),
			"username":    in.Username,
			"displayname": in.DisplayName,
			"email":       in.Email,
		})
		return
	}

	log.Printf("new user %q registered with rank %q", user.Username, user.ModRank.Name)
	c.Redirect(http.StatusFound, "/login")
}

func (a *AccountsModule) logout(c *gin.Context) {
	if err := a.sessions.Logout(c); err != nil {
		log.Printf("logout: %v", err)
	}
	c.Redirect(http.StatusSeeOther, "/")
}

func (a *AccountsModule) settings(c *gin.Context) {
	user := session.CurrentUser(c)

	var icons []models.Icon
	if err := a.db.WithContext(c.Request.Context()).Where("user_id = ?", user.ID).Order("id").Find(&icons).Error; err != nil {
		common.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user":  user,
		"email": user.Email,
		"icons": icons,
	})
}

func (a *AccountsModule) editDisplayName(c *gin.Context) {
	user := session.CurrentUser(c)

	name := c.PostForm("new_display_name")
	if err := a.credentials.UpdateDisplayName(c.Request.Context(), user.ID, name); err != nil {
		common.Respond(c, err)
		return
	}
	a.invalidateCards(c, user.ID)

	c.JSON(http.StatusOK, gin.H{"message": "Display name updated successfully"})
}

// invalidateCards drops the cached cards of a user's icons, which show the
// uploader's display name.
func (a *AccountsModule) invalidateCards(c *gin.Context, userID uint) {
	if a.cache == nil {
		return
	}
	ctx := c.Request.Context()

	var ids []uint
	if err := a.db.WithContext(ctx).Model(&models.Icon{}).Where("user_id = ?", userID).Pluck("id", &ids).Error; err != nil {
		log.Printf("card invalidation for user %d: %v", userID, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cache.IconKey(id)
	}
	if err := a.cache.Delete(ctx, keys...); err != nil {
		log.Printf("card invalidation for user %d: %v", userID, err)
	}
}
