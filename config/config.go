// Package config reads process settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/storage"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendTables   = "tables"
	BackendPostgres = "postgres"
)

// Config holds everything the binaries need to start.
type Config struct {
	Addr  string
	Debug bool

	Backend     string
	StorageConn string
	Tables      storage.TableNames
	EventsQueue string
	DatabaseURL string

	RedisConn    string
	CacheTTL     time.Duration
	DeduperTTL   time.Duration
	WriteRetries int

	AuthDomain   string
	AuthAudience string
	LocalAuth    bool
	LocalSecret  string
}

// Load reads the configuration and checks that the chosen backends have the
// settings they need.
func Load() (Config, error) {
	var errs []error
	c := Config{
		Addr:        getenv("API_ADDR", ":8080"),
		Backend:     strings.ToLower(getenv("STORE_BACKEND", BackendMemory)),
		StorageConn: os.Getenv("STORAGE_CONNECTION_STRING"),
		Tables: storage.TableNames{
			Boards:  getenv("BOARDS_TABLE", "Boards"),
			Lists:   getenv("LISTS_TABLE", "Lists"),
			Cards:   getenv("CARDS_TABLE", "Cards"),
			Members: getenv("MEMBERS_TABLE", "BoardMembers"),
		},
		EventsQueue:  os.Getenv("EVENTS_QUEUE"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisConn:    os.Getenv("REDIS_CONNECTION_STRING"),
		AuthDomain:   os.Getenv("AUTH0_DOMAIN"),
		AuthAudience: os.Getenv("AUTH0_AUDIENCE"),
		LocalAuth:    os.Getenv("LOCAL_AUTH_MODE") == "1",
		LocalSecret:  os.Getenv("LOCAL_AUTH_SHARED_SECRET"),
	}
	if v := os.Getenv("API_PORT"); v != "" {
		c.Addr = ":" + v
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil {
		c.Debug = dbg
	}

	var err error
	if c.CacheTTL, err = getenvDuration("CACHE_TTL", 5*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if c.DeduperTTL, err = getenvDuration("DEDUPER_TTL", 24*time.Hour); err != nil {
		errs = append(errs, err)
	}
	if c.WriteRetries, err = getenvInt("WRITE_RETRIES", 5); err != nil {
		errs = append(errs, err)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendTables:
		if c.StorageConn == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the tables backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Backend))
	}
	if c.EventsQueue != "" && c.StorageConn == "" {
		errs = append(errs, errors.New("EVENTS_QUEUE needs STORAGE_CONNECTION_STRING"))
	}
	return c, errors.Join(errs...)
}

// CheckAuth reports missing token settings. Only the API needs them.
func (c Config) CheckAuth() error {
	if c.LocalAuth {
		if c.LocalSecret == "" {
			return errors.New("LOCAL_AUTH_SHARED_SECRET is required when LOCAL_AUTH_MODE=1")
		}
		return nil
	}
	if c.AuthDomain == "" || c.AuthAudience == "" {
		return errors.New("missing Auth0 config")
	}
	return nil
}

// Issuer is the expected token issuer for the Auth0 tenant.
func (c Config) Issuer() string {
	if c.AuthDomain == "" {
		return ""
	}
	return "https://" + c.AuthDomain + "/"
}

// JWKSURL is where the tenant publishes its signing keys.
func (c Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.AuthDomain)
}

// RedisOptions accepts either a redis:// URL or the Azure Cache form
// "host:port,password=...,ssl=True".
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return d, nil
}
