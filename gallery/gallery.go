package gallery

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"iconostasis/cache"
	"iconostasis/common"
	"iconostasis/media"
	"iconostasis/models"
	"iconostasis/policy"
	"iconostasis/relay"
	"iconostasis/session"
)

const publishTimeout = 5 * time.Second

var ErrUploadsDisabled = common.NewError(common.ErrServiceUnavailable, "Image uploads are not configured")

// Deps are the collaborators of the gallery. Every field is optional.
type Deps struct {
	Policy    *policy.Policy
	Uploader  media.Uploader
	Cache     cache.Store
	CacheTTL  time.Duration
	Publisher relay.Publisher
}

type GalleryModule struct {
	db        *gorm.DB
	store     *IconStore
	policy    *policy.Policy
	uploader  media.Uploader
	cache     cache.Store
	cacheTTL  time.Duration
	publisher relay.Publisher
}

func NewGalleryModule(db *gorm.DB, deps Deps) *GalleryModule {
	publisher := deps.Publisher
	if publisher == nil {
		publisher = relay.NopPublisher{}
	}
	ttl := deps.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &GalleryModule{
		db:        db,
		store:     NewIconStore(db),
		policy:    deps.Policy,
		uploader:  deps.Uploader,
		cache:     deps.Cache,
		cacheTTL:  ttl,
		publisher: publisher,
	}
}

func (g *GalleryModule) Store() *IconStore {
	return g.store
}

func (g *GalleryModule) RegisterRoutes(router *gin.Engine) {
	router.GET("/", g.index)
	router.GET("/icon/:id", g.iconDetail)
	router.GET("/icon/:id/image", g.iconImage)
	router.GET("/api/icon/:id", cache.Middleware(g.cache, g.cacheTTL, iconCacheKey), g.iconAPI)
	router.GET("/user/:username", g.profile)

	pages := router.Group("/")
	pages.Use(session.RequireUser(true))
	{
		pages.GET("/upload", g.uploadPage)
		pages.POST("/upload", g.uploadPost)
		pages.GET("/icon/:id/edit", g.editPage)
		pages.POST("/icon/:id/edit", g.editPost)
		pages.POST("/icon/:id/comment", g.addComment)
		pages.POST("/icon/:id/comment/:commentID/delete", g.deleteComment)
	}

	api := router.Group("/")
	api.Use(session.RequireUser(false))
	{
		api.POST("/icon/:id/delete", g.deleteIcon)
		api.POST("/icon/:id/venerate", g.venerate)
	}
}

func iconCacheKey(c *gin.Context) string {
	id, err := parseID(c.Param("id"))
	if err != nil {
		return ""
	}
	return cache.IconKey(id)
}

func parseID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(id), nil
}

func (g *GalleryModule) iconParam(c *gin.Context) (uint, bool) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		common.Respond(c, ErrIconNotFound)
		return 0, false
	}
	return id, true
}

func (g *GalleryModule) loadIcon(c *gin.Context) (*models.Icon, bool) {
	id, ok := g.iconParam(c)
	if !ok {
		return nil, false
	}
	icon, err := g.store.Get(c.Request.Context(), id)
	if err != nil {
		common.Respond(c, err)
		return nil, false
	}
	return icon, true
}

func (g *GalleryModule) index(c *gin.Context) {
	ctx := c.Request.Context()
	filters := FilterFromQuery(c)

	icons, err := g.store.List(ctx, filters)
	if err != nil {
		common.Respond(c, err)
		return
	}
	traditions, err := g.store.Traditions(ctx)
	if err != nil {
		common.Respond(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"icons":      icons,
		"traditions": traditions,
		"filters":    filters,
		"filtered":   !filters.Empty(),
		"user":       session.CurrentUser(c),
	})
}

func (g *GalleryModule) iconDetail(c *gin.Context) {
	icon, ok := g.loadIcon(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user := session.CurrentUser(c)

	comments, err := g.store.Comments(ctx, icon.ID)
	if err != nil {
		common.Respond(c, err)
		return
	}
	candles, err := g.store.CandleCount(ctx, icon.ID)
	if err != nil {
		common.Respond(c, err)
		return
	}

	venerated := false
	if user != nil {
		if venerated, err = g.store.Venerates(ctx, user.ID, icon.ID); err != nil {
			common.Respond(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"icon":             icon,
		"description_html": renderMarkdown(icon.Description),
		"comments":         comments,
		"candles":          candles,
		"venerated":        venerated,
		"can_edit":         policy.CanModify(user, icon.UserID, policy.IsAdmin(user)),
		"user":             user,
	})
}

func (g *GalleryModule) iconImage(c *gin.Context) {
	icon, ok := g.loadIcon(c)
	if !ok {
		return
	}
	c.Redirect(http.StatusFound, icon.ImageURL)
}

func (g *GalleryModule) iconAPI(c *gin.Context) {
	id, ok := g.iconParam(c)
	if !ok {
		return
	}
	card, err := g.store.Card(c.Request.Context(), id)
	if err != nil {
		common.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

func (g *GalleryModule) profile(c *gin.Context) {
	ctx := c.Request.Context()

	owner, err := g.store.UserByUsername(ctx, c.Param("username"))
	if err != nil {
		common.Respond(c, err)
		return
	}
	icons, err := g.store.ListByCreator(ctx, owner.ID)
	if err != nil {
		common.Respond(c, err)
		return
	}
	venerated, err := g.store.ListVeneratedBy(ctx, owner.ID)
	if err != nil {
		common.Respond(c, err)
		return
	}

	viewer := session.CurrentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"profile":   owner,
		"icons":     icons,
		"venerated": venerated,
		"is_self":   viewer != nil && viewer.ID == owner.ID,
	})
}

func (g *GalleryModule) uploadPage(c *gin.Context) {
	traditions, err := g.store.Traditions(c.Request.Context())
	if err != nil {
		common.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"form": "upload", "traditions": traditions})
}

func (g *GalleryModule) uploadPost(c *gin.Context) {
	user := session.CurrentUser(c)
	if err := g.policy.Member(user, policy.ActionUpload); err != nil {
		common.Respond(c, err)
		return
	}

	in := iconInputFromForm(c)
	if strings.TrimSpace(in.Title) == "" {
		common.Respond(c, ErrTitleRequired)
		return
	}
	if strings.TrimSpace(in.TraditionName) == "" && in.TraditionID == 0 {
		common.Respond(c, ErrTraditionRequired)
		return
	}

	imageURL, err := g.imageFromForm(c)
	if err != nil {
		common.Respond(c, err)
		return
	}
	if imageURL == "" {
		common.Respond(c, ErrImageRequired)
		return
	}
	in.ImageURL = imageURL

	icon, err := g.store.Create(c.Request.Context(), user.ID, in)
	if err != nil {
		common.Respond(c, err)
		return
	}

	log.Printf("icon %d %q uploaded by %s", icon.ID, icon.Title, user.Username)
	g.publish(relay.IconPublished, icon.ID)
	c.Header("Location", fmt.Sprintf("/icon/%d", icon.ID))
	c.JSON(http.StatusCreated, gin.H{"icon": icon})
}

func (g *GalleryModule) editPage(c *gin.Context) {
	icon, ok := g.loadIcon(c)
	if !ok {
		return
	}
	if err := g.policy.Modify(session.CurrentUser(c), icon.UserID, policy.ActionEditIcon); err != nil {
		common.Respond(c, err)
		return
	}

	traditions, err := g.store.Traditions(c.Request.Context())
	if err != nil {
		common.Respond(c, err)
		return
	}

	names := make([]string, 0, len(icon.Saints))
	for _, saint := range icon.Saints {
		names = append(names, saint.Name)
	}

	c.JSON(http.StatusOK, gin.H{
		"icon":       icon,
		"saints":     strings.Join(names, ", "),
		"traditions": traditions,
	})
}

func (g *GalleryModule) editPost(c *gin.Context) {
	icon, ok := g.loadIcon(c)
	if !ok {
		return
	}
	if err := g.policy.Modify(session.CurrentUser(c), icon.UserID, policy.ActionEditIcon); err != nil {
		common.Respond(c, err)
		return
	}

	in := iconInputFromForm(c)
	_, in.ReplaceSaints = c.GetPostForm("saints")

	var expected uint
	if raw := c.PostForm("version"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			common.Respond(c, common.NewError(common.ErrValidation, "Invalid version"))
			return
		}
		expected = uint(v)
	}

	imageURL, err := g.imageFromForm(c)
	if err != nil {
		common.Respond(c, err)
		return
	}
	in.ImageURL = imageURL

	if _, err := g.store.Update(c.Request.Context(), icon.ID, in, expected); err != nil {
		common.Respond(c, err)
		return
	}

	g.invalidate(c.Request.Context(), icon.ID)
	g.publish(relay.IconUpdated, icon.ID)
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("/icon/%d", icon.ID))
}

func (g *GalleryModule) deleteIcon(c *gin.Context) {
	icon, ok := g.loadIcon(c)
	if !ok {
		return
	}
	user := session.CurrentUser(c)
	if err := g.policy.Modify(user, icon.UserID, policy.ActionDeleteIcon); err != nil {
		common.Respond(c, err)
		return
	}

	if err := g.store.Delete(c.Request.Context(), icon.ID); err != nil {
		common.Respond(c, err)
		return
	}

	log.Printf("icon %d deleted by %s", icon.ID, user.Username)
	g.invalidate(c.Request.Context(), icon.ID)
	g.publish(relay.IconDeleted, icon.ID)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (g *GalleryModule) addComment(c *gin.Context) {
	id, ok := g.iconParam(c)
	if !ok {
		return
	}
	user := session.CurrentUser(c)
	if err := g.policy.Member(user, policy.ActionComment); err != nil {
		common.Respond(c, err)
		return
	}

	if _, err := g.store.AddComment(c.Request.Context(), user.ID, id, c.PostForm("text")); err != nil {
		common.Respond(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("/icon/%d", id))
}

func (g *GalleryModule) deleteComment(c *gin.Context) {
	id, ok := g.iconParam(c)
	if !ok {
		return
	}
	commentID, err := parseID(c.Param("commentID"))
	if err != nil {
		common.Respond(c, ErrCommentNotFound)
		return
	}

	ctx := c.Request.Context()
	comment, err := g.store.GetComment(ctx, id, commentID)
	if err != nil {
		common.Respond(c, err)
		return
	}
	if err := g.policy.Modify(session.CurrentUser(c), comment.UserID, policy.ActionDeleteComment); err != nil {
		common.Respond(c, err)
		return
	}
	if err := g.store.DeleteComment(ctx, comment.ID); err != nil {
		common.Respond(c, err)
		return
	}
	c.Redirect(http.StatusSeeOther, fmt.Sprintf("/icon/%d", id))
}

func (g *GalleryModule) venerate(c *gin.Context) {
	id, ok := g.iconParam(c)
	if !ok {
		return
	}
	user := session.CurrentUser(c)
	if err := g.policy.Member(user, policy.ActionVenerate); err != nil {
		common.Respond(c, err)
		return
	}

	lit, count, err := g.store.ToggleVeneration(c.Request.Context(), user.ID, id)
	if err != nil {
		common.Respond(c, err)
		return
	}

	action := "unlit"
	if lit {
		action = "lit"
	}
	c.JSON(http.StatusOK, gin.H{"action": action, "count": count})
}

func iconInputFromForm(c *gin.Context) IconInput {
	in := IconInput{
		Title:         c.PostForm("title"),
		Century:       c.PostForm("century"),
		Region:        c.PostForm("region"),
		Iconographer:  c.PostForm("iconographer"),
		Description:   c.PostForm("description"),
		TraditionName: c.PostForm("tradition"),
		Saints:        ParseSaints(c.PostForm("saints")),
	}
	if id, err := strconv.ParseUint(c.PostForm("tradition_id"), 10, 64); err == nil {
		in.TraditionID = uint(id)
	}
	return in
}

// imageFromForm stores an uploaded image_file or validates image_url. It
// returns "" when the form carries neither.
func (g *GalleryModule) imageFromForm(c *gin.Context) (string, error) {
	if header, err := c.FormFile("image_file"); err == nil {
		if g.uploader == nil {
			return "", ErrUploadsDisabled
		}
		f, err := header.Open()
		if err != nil {
			return "", err
		}
		defer f.Close()
		return g.uploader.Upload(c.Request.Context(), f)
	}

	if raw := strings.TrimSpace(c.PostForm("image_url")); raw != "" {
		return media.ValidateImageURL(raw)
	}
	return "", nil
}

func (g *GalleryModule) invalidate(ctx context.Context, iconID uint) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Delete(ctx, cache.IconKey(iconID)); err != nil {
		log.Printf("cache invalidate icon %d: %v", iconID, err)
	}
}

// publish hands the event to the relay without holding up the request.
func (g *GalleryModule) publish(t relay.EventType, iconID uint) {
	ev := relay.NewEvent(t, iconID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := g.publisher.Publish(ctx, ev); err != nil {
			log.Printf("relay: %s for icon %d not delivered: %v", ev.Type, ev.IconID, err)
		}
	}()
}
