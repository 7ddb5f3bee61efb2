// Package config loads environment variables and provides a typed Config used across the service.
// It applies sensible defaults so the binary can run locally with minimal setup; only
// RIOT_API_KEY is needed to start monitoring. Validate rejects malformed values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Defaults shared with the runtime settings editor.
const (
	DefaultOBSAddress    = "localhost:4455"
	DefaultSceneName     = "League of Legends"
	DefaultSourceName    = "League Game"
	DefaultTitleTemplate = "{summonerName} playing League of Legends"
	DefaultCategory      = "League of Legends"
)

type Config struct {
	// Riot
	RiotAPIKey     string
	PollInterval   time.Duration
	VerifyDelay    time.Duration
	VerifyCacheTTL time.Duration
	LiveWindow     time.Duration
	ProbeRegion    string
	AutoStart      bool

	// OBS
	OBSAddress     string
	OBSPassword    string
	OBSSceneName   string
	OBSSourceName  string
	OBSSettleDelay time.Duration
	GameDir        string

	// Twitch
	TwitchClientID     string
	TwitchClientSecret string
	TwitchChannel      string
	TwitchRedirectURI  string
	TwitchScopes       string
	TitleTemplate      string
	StreamCategory     string

	// Chat announcement
	ChatAnnounce      bool
	TwitchBotUsername string
	TwitchOAuthToken  string

	// YouTube title mirror
	YTClientID     string
	YTClientSecret string
	YTRedirectURI  string

	// Storage
	StoreBackend  string
	StorePath     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DBDsn         string
	EncryptionKey string

	// HTTP
	HTTPAddr           string
	AdminUsername      string
	AdminPassword      string
	AdminToken         string
	RateLimitEnabled   bool
	RateLimitPerIP     int
	RateLimitWindow    time.Duration
	CORSAllowedOrigins []string

	// problems collects parse failures for Validate.
	problems []string
}

// Load reads environment variables and applies defaults. Parse failures are
// kept and reported by Validate so every problem shows up at once.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.RiotAPIKey = strings.TrimSpace(os.Getenv("RIOT_API_KEY"))
	cfg.PollInterval = cfg.duration("POLL_INTERVAL", 60*time.Second)
	cfg.VerifyDelay = cfg.duration("VERIFY_DELAY", 5*time.Second)
	cfg.VerifyCacheTTL = cfg.duration("VERIFY_CACHE_TTL", 2*time.Minute)
	cfg.LiveWindow = cfg.duration("LIVE_WINDOW", 60*time.Minute)
	cfg.ProbeRegion = strings.ToUpper(envOr("RIOT_PROBE_REGION", "NA1"))
	cfg.AutoStart = os.Getenv("AUTO_START") == "1"

	cfg.OBSAddress = envOr("OBS_ADDRESS", DefaultOBSAddress)
	cfg.OBSPassword = os.Getenv("OBS_PASSWORD")
	cfg.OBSSceneName = envOr("OBS_SCENE_NAME", DefaultSceneName)
	cfg.OBSSourceName = envOr("OBS_SOURCE_NAME", DefaultSourceName)
	cfg.OBSSettleDelay = cfg.duration("OBS_SETTLE_DELAY", 3*time.Second)
	cfg.GameDir = os.Getenv("LOL_GAME_DIR")

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.TwitchChannel = strings.ToLower(os.Getenv("TWITCH_CHANNEL"))
	cfg.TwitchRedirectURI = envOr("TWITCH_REDIRECT_URI", "http://localhost:8080/auth/twitch/callback")
	cfg.TwitchScopes = envOr("TWITCH_SCOPES", "channel:manage:broadcast")
	cfg.TitleTemplate = envOr("TITLE_TEMPLATE", DefaultTitleTemplate)
	cfg.StreamCategory = envOr("STREAM_CATEGORY", DefaultCategory)

	cfg.ChatAnnounce = os.Getenv("CHAT_ANNOUNCE") == "1"
	cfg.TwitchBotUsername = os.Getenv("TWITCH_BOT_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")

	cfg.YTClientID = os.Getenv("YT_CLIENT_ID")
	cfg.YTClientSecret = os.Getenv("YT_CLIENT_SECRET")
	cfg.YTRedirectURI = os.Getenv("YT_REDIRECT_URI")

	cfg.StoreBackend = strings.ToLower(envOr("STORE_BACKEND", BackendFile))
	cfg.StorePath = envOr("STORE_PATH", "data/state.toml")
	cfg.RedisAddr = envOr("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = cfg.integer("REDIS_DB", 0)
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.RateLimitEnabled = os.Getenv("RATE_LIMIT_ENABLED") != "0" // Enabled by default
	cfg.RateLimitPerIP = cfg.integer("RATE_LIMIT_REQUESTS_PER_IP", 30)
	cfg.RateLimitWindow = time.Duration(cfg.integer("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
			}
		}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Bare integers are seconds.
		n, nerr := strconv.Atoi(v)
		if nerr != nil {
			c.problems = append(c.problems, fmt.Sprintf("%s: invalid duration %q", key, v))
			return def
		}
		d = time.Duration(n) * time.Second
	}
	return d
}

func (c *Config) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.problems = append(c.problems, fmt.Sprintf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

// Validate reports malformed durations, unknown store backends and settings
// that cannot work together.
func (c *Config) Validate() error {
	problems := append([]string(nil), c.problems...)
	switch c.StoreBackend {
	case BackendFile:
		if c.StorePath == "" {
			problems = append(problems, "STORE_PATH is required for the file backend")
		}
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DBDsn == "" {
			problems = append(problems, "DB_DSN is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("STORE_BACKEND: unknown backend %q (file|memory|redis|postgres)", c.StoreBackend))
	}
	if c.PollInterval < time.Second {
		problems = append(problems, "POLL_INTERVAL must be at least 1s")
	}
	if c.VerifyDelay < 0 || c.VerifyCacheTTL < 0 || c.LiveWindow <= 0 || c.OBSSettleDelay < 0 {
		problems = append(problems, "VERIFY_DELAY, VERIFY_CACHE_TTL and OBS_SETTLE_DELAY must not be negative; LIVE_WINDOW must be positive")
	}
	if c.RateLimitPerIP <= 0 || c.RateLimitWindow <= 0 {
		problems = append(problems, "RATE_LIMIT_REQUESTS_PER_IP and RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		problems = append(problems, "ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// ValidateChatReady checks required fields when chat announcements are enabled.
func (c *Config) ValidateChatReady() error {
	if c.TwitchChannel == "" || c.TwitchBotUsername == "" || c.TwitchOAuthToken == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CHANNEL, TWITCH_BOT_USERNAME, TWITCH_OAUTH_TOKEN")
	}
	return nil
}

// TwitchConfigured reports whether Twitch metadata updates can be attempted.
func (c *Config) TwitchConfigured() bool {
	return c.TwitchClientID != "" && c.TwitchClientSecret != ""
}

// YouTubeConfigured reports whether the YouTube title mirror is enabled.
func (c *Config) YouTubeConfigured() bool {
	return c.YTClientID != "" && c.YTClientSecret != "" && c.YTRedirectURI != ""
}

// Scopes splits TwitchScopes on commas and whitespace.
func (c *Config) Scopes() []string {
	return strings.Fields(strings.ReplaceAll(c.TwitchScopes, ",", " "))
}
