package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"iconostasis/accounts"
	"iconostasis/backoffice"
	"iconostasis/cache"
	"iconostasis/common"
	"iconostasis/database"
	"iconostasis/gallery"
	"iconostasis/media"
	"iconostasis/policy"
	"iconostasis/relay"
	"iconostasis/session"
)

const sessionPurgeInterval = time.Hour

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to read .env: %v", err)
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	db, err := common.ConnectDb(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database: ", err)
	}

	if err := database.RunMigrations(db); err != nil {
		log.Fatal("Failed to run migrations: ", err)
	}

	seed := database.DefaultSeed()
	if cfg.SeedFile != "" {
		if seed, err = database.LoadSeedFile(cfg.SeedFile); err != nil {
			log.Fatal("Failed to read seed file: ", err)
		}
	}
	if err := database.Seed(db, seed); err != nil {
		log.Fatal("Failed to seed database: ", err)
	}
	if err := database.PromoteAdmins(db, cfg.AdminUsernames, seed.AdminRank); err != nil {
		log.Printf("Failed to promote admins: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var iconCache cache.Store = cache.NewMemoryStore()
	if rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); rdb != nil {
		defer rdb.Close()
		iconCache = cache.NewRedisStore(rdb)
		log.Printf("Caching in Redis at %s", cfg.RedisAddr)
	} else if cfg.RedisAddr != "" {
		log.Printf("Redis at %s unreachable, caching in memory", cfg.RedisAddr)
	}

	var publisher relay.Publisher = relay.NopPublisher{}
	if cfg.RabbitURL != "" {
		publisher = relay.NewAMQPPublisher(cfg.RabbitURL, cfg.RelayQueue)
	}

	uploader, err := media.NewDiskUploader(cfg.MediaDir, strings.TrimRight(cfg.Domain, "/")+cfg.MediaURL)
	if err != nil {
		log.Fatal("Failed to prepare media directory: ", err)
	}

	router := gin.Default()

	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions("iconostasis-session", store))

	// Registered before the DB check so the probe never touches the database.
	common.RegisterHealth(router)
	router.Static(cfg.MediaURL, cfg.MediaDir)

	sessionStore := session.NewStore(db, cfg.SessionTTL)
	sessionManager := session.NewManager(db, sessionStore)
	router.Use(common.RequireDb(db), sessionManager.Identify())

	p := policy.New(nil)
	credentials := accounts.NewCredentials(db, cfg.BcryptCost, seed.DefaultRank)
	throttle := common.NewThrottle(cfg.LoginRatePerMinute, cfg.LoginBurst)

	accountsModule := accounts.NewAccountsModule(db, credentials, sessionManager, throttle, iconCache)
	accountsModule.RegisterRoutes(router)

	galleryModule := gallery.NewGalleryModule(db, gallery.Deps{
		Policy:    p,
		Uploader:  uploader,
		Cache:     iconCache,
		CacheTTL:  cfg.CacheTTL,
		Publisher: publisher,
	})
	galleryModule.RegisterRoutes(router)

	backofficeModule := backoffice.NewBackofficeModule(db, p, sessionManager.Store(), iconCache)
	backofficeModule.RegisterRoutes(router)

	if cfg.RelayConsumer {
		if cfg.RabbitURL == "" {
			log.Fatal("RELAY_CONSUMER requires RABBITMQ_URL")
		}
		consumer := relay.NewConsumer(cfg.RabbitURL, cfg.RelayQueue, galleryModule.Store(), os.Stdout)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("relay consumer stopped: %v", err)
			}
		}()
	}

	go purgeSessions(ctx, sessionStore)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s...", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}

func purgeSessions(ctx context.Context, store *session.Store) {
	ticker := time.NewTicker(sessionPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Printf("session purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Purged %d expired sessions", n)
			}
		}
	}
}
