package session

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"iconostasis/models"
)

const (
	tokenKey = "session_token"
	userKey  = "current_user"
)

// Manager ties the signed browser cookie (gin-contrib/sessions) to the
// server-side Store.
type Manager struct {
	db    *gorm.DB
	store *Store
}

func NewManager(db *gorm.DB, store *Store) *Manager {
	return &Manager{db: db, store: store}
}

func (m *Manager) Store() *Store {
	return m.store
}

// Login issues a fresh token for userID. Any token already in the cookie is
// destroyed first.
func (m *Manager) Login(c *gin.Context, userID uint) error {
	session := sessions.Default(c)
	if old, ok := session.Get(tokenKey).(string); ok {
		if err := m.store.Destroy(c.Request.Context(), old); err != nil {
			return err
		}
	}

	token, err := m.store.Create(c.Request.Context(), userID)
	if err != nil {
		return err
	}
	session.Set(tokenKey, token)
	return session.Save()
}

func (m *Manager) Logout(c *gin.Context) error {
	session := sessions.Default(c)
	if token, ok := session.Get(tokenKey).(string); ok {
		if err := m.store.Destroy(c.Request.Context(), token); err != nil {
			return err
		}
	}
	session.Clear()
	return session.Save()
}

// Identify resolves the session once per request and stores the user, with
// rank loaded, for CurrentUser. Requests without a valid session continue
// anonymously.
func (m *Manager) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(tokenKey).(string)
		if token == "" {
			c.Next()
			return
		}

		userID, ok, err := m.store.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Printf("session resolve failed: %v", err)
			c.Next()
			return
		}
		if !ok {
			session.Delete(tokenKey)
			_ = session.Save()
			c.Next()
			return
		}

		var user models.User
		err = m.db.WithContext(c.Request.Context()).Preload("ModRank").First(&user, userID).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				log.Printf("session user %d lookup failed: %v", userID, err)
			}
			c.Next()
			return
		}

		c.Set(userKey, &user)
		c.Next()
	}
}

// CurrentUser returns the authenticated user or nil.
func CurrentUser(c *gin.Context) *models.User {
	if v, ok := c.Get(userKey); ok {
		if user, ok := v.(*models.User); ok {
			return user
		}
	}
	return nil
}

// RequireUser stops anonymous requests. Page routes redirect to /login,
// the rest get a 401.
func RequireUser(redirect bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentUser(c) != nil {
			c.Next()
			return
		}
		if redirect {
			c.Redirect(http.StatusSeeOther, "/login")
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Login required"})
	}
}
