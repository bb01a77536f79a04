package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "ROOMBOOK_"

// Config captures environment driven configuration values for the booking service.
type Config struct {
	Env         string
	HTTPPort    int
	DatabaseURL string
	JWTSecret   string

	Timezone string
	Location *time.Location

	RedisURL      string
	RedisStream   string
	RedisGroup    string
	RedisConsumer string

	SlackBotToken       string
	SlackDefaultChannel string

	GoogleClientID     string
	GoogleClientSecret string

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubject    string

	OversightEmail string
	DirectoryTTL   time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	NodeID         int64
	ReminderHour   int
}

// IsProduction reports whether the process runs with ROOMBOOK_ENV=production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// UsesPostgres reports whether DatabaseURL points at PostgreSQL rather than a
// SQLite file.
func (c Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// LoadDotEnv reads variables from the given files (".env" when none are
// given) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}

// Load parses configuration values from the current process environment.
//
// The loader applies defaults for optional fields and collects every missing
// or invalid key before reporting, so a broken deployment is fixed in one go.
func Load() (Config, error) {
	cfg := Config{
		Env:            "development",
		HTTPPort:       8080,
		DatabaseURL:    "roombook.db",
		Timezone:       "UTC",
		Location:       time.UTC,
		RedisStream:    "roombook:events",
		RedisGroup:     "roombook-notifier",
		RedisConsumer:  "worker-1",
		DirectoryTTL:   5 * time.Minute,
		RateLimitRPS:   10,
		RateLimitBurst: 20,
		NodeID:         1,
		ReminderHour:   9,
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	setString(&cfg.Env, "ENV")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.RedisStream, "REDIS_STREAM")
	setString(&cfg.RedisGroup, "REDIS_GROUP")
	setString(&cfg.RedisConsumer, "REDIS_CONSUMER")
	setString(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	setString(&cfg.SlackDefaultChannel, "SLACK_DEFAULT_CHANNEL")
	setString(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.GoogleClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	setString(&cfg.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	setString(&cfg.VAPIDSubject, "VAPID_SUBJECT")
	setString(&cfg.OversightEmail, "OVERSIGHT_EMAIL")

	if secret := lookup("JWT_SECRET"); secret == "" {
		missing = append(missing, envPrefix+"JWT_SECRET")
	} else {
		cfg.JWTSecret = secret
	}

	if value := lookup("HTTP_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil || port <= 0 || port > 65535 {
			invalid = append(invalid, envPrefix+"HTTP_PORT")
		} else {
			cfg.HTTPPort = port
		}
	}

	if value := lookup("TIMEZONE"); value != "" {
		loc, err := time.LoadLocation(value)
		if err != nil {
			invalid = append(invalid, envPrefix+"TIMEZONE")
		} else {
			cfg.Timezone = value
			cfg.Location = loc
		}
	}

	if value := lookup("DIRECTORY_TTL"); value != "" {
		ttl, err := time.ParseDuration(value)
		if err != nil || ttl <= 0 {
			invalid = append(invalid, envPrefix+"DIRECTORY_TTL")
		} else {
			cfg.DirectoryTTL = ttl
		}
	}

	if value := lookup("RATE_LIMIT_RPS"); value != "" {
		rps, err := strconv.ParseFloat(value, 64)
		if err != nil || rps < 0 {
			invalid = append(invalid, envPrefix+"RATE_LIMIT_RPS")
		} else {
			cfg.RateLimitRPS = rps
		}
	}

	if value := lookup("RATE_LIMIT_BURST"); value != "" {
		burst, err := strconv.Atoi(value)
		if err != nil || burst <= 0 {
			invalid = append(invalid, envPrefix+"RATE_LIMIT_BURST")
		} else {
			cfg.RateLimitBurst = burst
		}
	}

	if value := lookup("CORS_ORIGINS"); value != "" {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	if value := lookup("NODE_ID"); value != "" {
		// snowflake node ids are 10 bits
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil || id < 0 || id > 1023 {
			invalid = append(invalid, envPrefix+"NODE_ID")
		} else {
			cfg.NodeID = id
		}
	}

	if value := lookup("REMINDER_HOUR"); value != "" {
		hour, err := strconv.Atoi(value)
		if err != nil || hour < 0 || hour > 23 {
			invalid = append(invalid, envPrefix+"REMINDER_HOUR")
		} else {
			cfg.ReminderHour = hour
		}
	}

	if (cfg.VAPIDPublicKey == "") != (cfg.VAPIDPrivateKey == "") {
		invalid = append(invalid, envPrefix+"VAPID_PUBLIC_KEY", envPrefix+"VAPID_PRIVATE_KEY")
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, key string) {
	if value := lookup(key); value != "" {
		*dst = value
	}
}
