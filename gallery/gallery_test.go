package gallery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"iconostasis/accounts"
	"iconostasis/cache"
	"iconostasis/database"
	"iconostasis/media"
	"iconostasis/models"
	"iconostasis/policy"
	"iconostasis/relay"
	"iconostasis/session"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []relay.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev relay.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) has(t relay.EventType, iconID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Type == t && ev.IconID == iconID {
			return true
		}
	}
	return false
}

type testApp struct {
	db        *gorm.DB
	router    *gin.Engine
	gallery   *GalleryModule
	creds     *accounts.Credentials
	cache     *cache.MemoryStore
	publisher *recordingPublisher
}

func setupApp(t *testing.T) *testApp {
	db := setupTestDB(t)
	gin.SetMode(gin.TestMode)

	uploader, err := media.NewDiskUploader(t.TempDir(), "/media")
	require.NoError(t, err)

	app := &testApp{
		db:        db,
		creds:     accounts.NewCredentials(db, bcrypt.MinCost, ""),
		cache:     cache.NewMemoryStore(),
		publisher: &recordingPublisher{},
	}
	app.gallery = NewGalleryModule(db, Deps{
		Policy:    policy.New(nil),
		Uploader:  uploader,
		Cache:     app.cache,
		CacheTTL:  time.Minute,
		Publisher: app.publisher,
	})

	manager := session.NewManager(db, session.NewStore(db, time.Hour))
	router := gin.New()
	router.Use(sessions.Sessions("test-session", cookie.NewStore([]byte("secret"))), manager.Identify())
	accounts.NewAccountsModule(db, app.creds, manager, nil, app.cache).RegisterRoutes(router)
	app.gallery.RegisterRoutes(router)
	app.router = router
	return app
}

func (a *testApp) signup(t *testing.T, username string) []*http.Cookie {
	_, err := a.creds.Register(context.Background(), accounts.RegisterInput{Username: username, DisplayName: strings.ToUpper(username[:1]) + username[1:], Password: "pw"})
	require.NoError(t, err)
	w := a.post("/login", url.Values{"username": {username}, "password": {"pw"}}, nil)
	require.Equal(t, http.StatusFound, w.Code)
	return w.Result().Cookies()
}

func (a *testApp) makeAdmin(t *testing.T, username string) {
	require.NoError(t, database.PromoteAdmins(a.db, []string{username}, "Archon"))
}

func (a *testApp) post(path string, form url.Values, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.serve(req, cookies)
}

func (a *testApp) get(path string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	return a.serve(httptest.NewRequest(http.MethodGet, path, nil), cookies)
}

func (a *testApp) serve(req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testApp) upload(t *testing.T, cookies []*http.Cookie, title, tradition, saints string) uint {
	w := a.post("/upload", url.Values{
		"title":     {title},
		"tradition": {tradition},
		"saints":    {saints},
		"image_url": {"https://example.com/icon.jpg"},
	}, cookies)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Icon models.Icon `json:"icon"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Icon.ID
}

func galleryTitles(t *testing.T, w *httptest.ResponseRecorder) []string {
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Icons []models.Icon `json:"icons"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return titles(body.Icons)
}

func TestUploadThenFilterBySaint(t *testing.T) {
	app := setupApp(t)
	anna := app.signup(t, "anna")

	id := app.upload(t, anna, "St. Nicholas", "Byzantine", "St. Nicholas")
	assert.NotZero(t, id)

	assert.Equal(t, []string{"St. Nicholas"}, galleryTitles(t, app.get("/?saint=Nicholas", nil)))
	assert.Equal(t, []string{}, galleryTitles(t, app.get("/?saint=Zzz", nil)))
	assert.Equal(t, []string{"St. Nicholas"}, galleryTitles(t, app.get("/", nil)))

	assert.Eventually(t, func() bool { return app.publisher.has(relay.IconPublished, id) }, time.Second, 10*time.Millisecond)
}

func TestGalleryFilterByTraditionID(t *testing.T) {
	app := setupApp(t)
	anna := app.signup(t, "anna")
	app.upload(t, anna, "A", "Byzantine", "")
	app.upload(t, anna, "B", "Coptic", "")

	var coptic models.Tradition
	require.NoError(t, app.db.Where("name = ?", "Coptic").First(&coptic).Error)

	assert.Equal(t, []string{"B"}, galleryTitles(t, app.get(fmt.Sprintf("/?tradition_id=%d", coptic.ID), nil)))
	assert.Equal(t, []string{"A", "B"}, galleryTitles(t, app.get("/?tradition_id=0", nil)))
	assert.Equal(t, []string{"A", "B"}, galleryTitles(t, app.get("/?tradition_id=abc", nil)))
}

func TestDeleteIcon_OwnerOrAdminOnly(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	bob := app.signup(t, "bob")
	carol := app.signup(t, "carol")
	app.makeAdmin(t, "carol")

	id := app.upload(t, alice, "Theotokos", "Russian", "Theotokos")
	path := fmt.Sprintf("/icon/%d/delete", id)

	w := app.post(path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.post(path, nil, bob)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, http.StatusOK, app.get(fmt.Sprintf("/icon/%d", id), nil).Code)

	w = app.post(path, nil, carol)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success"}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, app.get(fmt.Sprintf("/icon/%d", id), nil).Code)
	assert.Equal(t, http.StatusNotFound, app.post(path, nil, carol).Code)
	assert.Eventually(t, func() bool { return app.publisher.has(relay.IconDeleted, id) }, time.Second, 10*time.Millisecond)
}

func TestDeleteIcon_ByOwner(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	id := app.upload(t, alice, "Theotokos", "Russian", "")

	w := app.post(fmt.Sprintf("/icon/%d/delete", id), nil, alice)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIconDetail(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	bob := app.signup(t, "bob")
	id := app.upload(t, alice, "Theotokos", "Russian", "Theotokos")

	_, err := app.gallery.Store().Update(context.Background(), id, IconInput{Title: "Theotokos", Description: "**Hodegetria** <script>x</script>"}, 0)
	require.NoError(t, err)

	w := app.get(fmt.Sprintf("/icon/%d", id), bob)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		DescriptionHTML string `json:"description_html"`
		CanEdit         bool   `json:"can_edit"`
		Venerated       bool   `json:"venerated"`
		Candles         int64  `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.DescriptionHTML, "<strong>Hodegetria</strong>")
	assert.NotContains(t, body.DescriptionHTML, "<script>")
	assert.False(t, body.CanEdit)
	assert.False(t, body.Venerated)

	w = app.get(fmt.Sprintf("/icon/%d", id), alice)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.CanEdit)

	assert.Equal(t, http.StatusNotFound, app.get("/icon/999", nil).Code)
	assert.Equal(t, http.StatusNotFound, app.get("/icon/abc", nil).Code)
}

func TestIconImageRedirect(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	id := app.upload(t, alice, "Theotokos", "Russian", "")

	w := app.get(fmt.Sprintf("/icon/%d/image", id), nil)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://example.com/icon.jpg", w.Header().Get("Location"))
}

func TestVenerate(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	id := app.upload(t, alice, "Theotokos", "Russian", "")
	path := fmt.Sprintf("/icon/%d/venerate", id)

	w := app.post(path, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = app.post(path, nil, alice)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"action":"lit","count":1}`, w.Body.String())

	w = app.post(path, nil, alice)
	assert.JSONEq(t, `{"action":"unlit","count":0}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, app.post("/icon/999/venerate", nil, alice).Code)
}

func TestComments_CreateAndDelete(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	bob := app.signup(t, "bob")
	id := app.upload(t, alice, "Theotokos", "Russian", "")
	iconPath := fmt.Sprintf("/icon/%d", id)

	w := app.post(iconPath+"/comment", url.Values{"text": {"Hello"}}, nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/login", w.Header().Get("Location"))

	w = app.post(iconPath+"/comment", url.Values{"text": {"  "}}, bob)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.post(iconPath+"/comment", url.Values{"text": {"Glory to God"}}, bob)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, iconPath, w.Header().Get("Location"))

	comments, err := app.gallery.Store().Comments(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	deletePath := fmt.Sprintf("%s/comment/%d/delete", iconPath, comments[0].ID)

	// The icon owner is neither the author nor an admin.
	assert.Equal(t, http.StatusForbidden, app.post(deletePath, nil, alice).Code)

	w = app.post(deletePath, nil, bob)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, http.StatusNotFound, app.post(deletePath, nil, bob).Code)
}

func TestEditIcon(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	bob := app.signup(t, "bob")
	id := app.upload(t, alice, "Theotokos", "Russian", "Theotokos")
	editPath := fmt.Sprintf("/icon/%d/edit", id)

	assert.Equal(t, http.StatusSeeOther, app.get(editPath, nil).Code)
	assert.Equal(t, http.StatusForbidden, app.get(editPath, bob).Code)
	assert.Equal(t, http.StatusOK, app.get(editPath, alice).Code)

	form := url.Values{
		"title":     {"Theotokos of Vladimir"},
		"tradition": {"Byzantine"},
		"saints":    {"Theotokos, Christ"},
		"century":   {"XII"},
		"version":   {"1"},
	}
	assert.Equal(t, http.StatusForbidden, app.post(editPath, form, bob).Code)

	w := app.post(editPath, form, alice)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, fmt.Sprintf("/icon/%d", id), w.Header().Get("Location"))

	icon, err := app.gallery.Store().Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Theotokos of Vladimir", icon.Title)
	assert.Equal(t, "Byzantine", icon.Tradition.Name)
	assert.Len(t, icon.Saints, 2)
	assert.Equal(t, uint(2), icon.Version)

	// Replaying the same stale version conflicts.
	w = app.post(editPath, form, alice)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Eventually(t, func() bool { return app.publisher.has(relay.IconUpdated, id) }, time.Second, 10*time.Millisecond)
}

func TestIconAPI_CachedAndInvalidated(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	id := app.upload(t, alice, "St. Nicholas", "Byzantine", "St. Nicholas")
	apiPath := fmt.Sprintf("/api/icon/%d", id)

	w := app.get(apiPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))

	var card relay.Card
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &card))
	assert.Equal(t, "St. Nicholas", card.Title)
	assert.Equal(t, []string{"St. Nicholas"}, card.Saints)
	assert.Equal(t, "Byzantine", card.Tradition)
	assert.Equal(t, "Unknown", card.Iconographer)
	assert.Equal(t, "Alice", card.Uploader)

	w = app.get(apiPath, nil)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	app.post(fmt.Sprintf("/icon/%d/edit", id), url.Values{"title": {"Nicholas of Myra"}}, alice)
	w = app.get(apiPath, nil)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Contains(t, w.Body.String(), "Nicholas of Myra")

	app.post(fmt.Sprintf("/icon/%d/delete", id), nil, alice)
	w = app.get(apiPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpload_Validation(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")

	w := app.get("/upload", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)

	w = app.post("/upload", url.Values{"tradition": {"Byzantine"}, "image_url": {"https://x/y.jpg"}}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.post("/upload", url.Values{"title": {"T"}, "image_url": {"https://x/y.jpg"}}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.post("/upload", url.Values{"title": {"T"}, "tradition": {"Byzantine"}}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.post("/upload", url.Values{"title": {"T"}, "tradition": {"Byzantine"}, "image_url": {"javascript:alert(1)"}}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = app.post("/upload", url.Values{"title": {"T"}, "tradition_id": {"999"}, "image_url": {"https://x/y.jpg"}}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpload_ImageFile(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", "Pantocrator"))
	require.NoError(t, mw.WriteField("tradition", "Byzantine"))
	part, err := mw.CreateFormFile("image_file", "pantocrator.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := app.serve(req, alice)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Icon models.Icon `json:"icon"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body.Icon.ImageURL, "/media/"))
	assert.True(t, strings.HasSuffix(body.Icon.ImageURL, ".png"))
}

func TestProfile(t *testing.T) {
	app := setupApp(t)
	alice := app.signup(t, "alice")
	bob := app.signup(t, "bob")
	id := app.upload(t, alice, "Theotokos", "Russian", "")
	app.post(fmt.Sprintf("/icon/%d/venerate", id), nil, bob)

	w := app.get("/user/bob", bob)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Icons     []models.Icon `json:"icons"`
		Venerated []models.Icon `json:"venerated"`
		IsSelf    bool          `json:"is_self"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Icons)
	assert.Equal(t, []string{"Theotokos"}, titles(body.Venerated))
	assert.True(t, body.IsSelf)
	assert.NotContains(t, w.Body.String(), "hashedpassword")

	assert.Equal(t, http.StatusNotFound, app.get("/user/nobody", nil).Code)
}

func TestPublicPagesHideEmail(t *testing.T) {
	app := setupApp(t)
	_, err := app.creds.Register(context.Background(), accounts.RegisterInput{Username: "anna", Email: "anna@mail.test", Password: "pw"})
	require.NoError(t, err)
	w := app.post("/login", url.Values{"username": {"anna"}, "password": {"pw"}}, nil)
	require.Equal(t, http.StatusFound, w.Code)
	anna := w.Result().Cookies()

	id := app.upload(t, anna, "St. Nicholas", "Byzantine", "St. Nicholas")
	app.post(fmt.Sprintf("/icon/%d/comment", id), url.Values{"text": {"Glory"}}, anna)
	app.post(fmt.Sprintf("/icon/%d/venerate", id), nil, anna)

	for _, path := range []string{"/", fmt.Sprintf("/icon/%d", id), "/user/anna", fmt.Sprintf("/api/icon/%d", id)} {
		t.Run(path, func(t *testing.T) {
			w := app.get(path, nil)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), "anna")
			assert.NotContains(t, w.Body.String(), "anna@mail.test")
			assert.NotContains(t, w.Body.String(), `"email"`)
		})
	}
}

func TestIconAPI_DisplayNameChangeInvalidatesCard(t *testing.T) {
	app := setupApp(t)
	anna := app.signup(t, "anna")
	id := app.upload(t, anna, "Theotokos", "Russian", "")
	path := fmt.Sprintf("/api/icon/%d", id)

	assert.Equal(t, "MISS", app.get(path, nil).Header().Get("X-Cache"))
	w := app.get(path, nil)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Contains(t, w.Body.String(), `"uploader":"Anna"`)

	w = app.post("/settings/edit/display_name", url.Values{"new_display_name": {"Anna K."}}, anna)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.get(path, nil)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Contains(t, w.Body.String(), `"uploader":"Anna K."`)
}
