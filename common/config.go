package common

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type MySQLConfig struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

// Config holds the runtime settings read from the environment.
type Config struct {
	Port          string
	Domain        string
	SessionSecret string
	SessionTTL    time.Duration
	SecureCookies bool

	DBDriver   string // "sqlite" or "mysql"
	SQLitePath string
	MySQL      MySQLConfig

	BcryptCost         int
	LoginRatePerMinute int
	LoginBurst         int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	RabbitURL     string
	RelayQueue    string
	RelayConsumer bool

	MediaDir string
	MediaURL string

	SeedFile       string
	AdminUsernames []string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		Port:          envStr("PORT", "8080"),
		Domain:        envStr("DOMAIN", "http://localhost:8080"),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    envDur("SESSION_TTL", 7*24*time.Hour),
		SecureCookies: envBool("SECURE_COOKIES", false),

		DBDriver:   strings.ToLower(envStr("DB_DRIVER", "sqlite")),
		SQLitePath: envStr("SQLITE_DB", "iconostasis.db"),
		MySQL: MySQLConfig{
			User: os.Getenv("DB_USER"),
			Pass: os.Getenv("DB_PASS"),
			Host: envStr("DB_HOST", "localhost"),
			Port: envStr("DB_PORT", "3306"),
			Name: os.Getenv("DB_NAME"),
		},

		BcryptCost:         envInt("BCRYPT_COST", 14),
		LoginRatePerMinute: envInt("LOGIN_RATE_PER_MINUTE", 10),
		LoginBurst:         envInt("LOGIN_BURST", 5),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),
		CacheTTL:      envDur("CACHE_TTL", 5*time.Minute),

		RabbitURL:     os.Getenv("RABBITMQ_URL"),
		RelayQueue:    envStr("RELAY_QUEUE", "icon.events"),
		RelayConsumer: envBool("RELAY_CONSUMER", false),

		MediaDir: envStr("MEDIA_DIR", "./media"),
		MediaURL: envStr("MEDIA_URL", "/media"),

		SeedFile:       os.Getenv("SEED_FILE"),
		AdminUsernames: splitList(os.Getenv("ADMIN_USERNAMES")),
	}

	if cfg.SessionSecret == "" {
		return cfg, errors.New("SESSION_SECRET environment variable not set")
	}
	switch cfg.DBDriver {
	case "sqlite":
	case "mysql":
		if cfg.MySQL.User == "" || cfg.MySQL.Name == "" {
			return cfg, errors.New("DB_USER and DB_NAME are required when DB_DRIVER=mysql")
		}
	default:
		return cfg, errors.New("unsupported DB_DRIVER: " + cfg.DBDriver)
	}
	return cfg, nil
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
