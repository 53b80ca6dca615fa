package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Feed ingestion
	FeedURL      string `long:"feed-url" env:"FEED_URL" default:"https://www.reddit.com/r/FreeGameFindings/new/.rss" description:"Syndication feed to watch for deal announcements"`
	PollInterval int    `long:"poll-interval" env:"POLL_INTERVAL" default:"300" description:"Feed poll interval in seconds"`
	RulesFile    string `long:"rules-file" env:"RULES_FILE" description:"YAML file with parse rules (deny domains, title patterns)"`

	// Storage
	DBPath        string `long:"db-path" env:"DB_PATH" default:"./data/lootwatch.db" description:"SQLite database path"`
	CacheTTL      int    `long:"cache-ttl" env:"CACHE_TTL" default:"3600" description:"Storefront metadata cache TTL in seconds"`
	RetentionDays int    `long:"retention-days" env:"RETENTION_DAYS" default:"180" description:"Days to keep dedup ledger records (0 disables pruning)"`

	// Resolution
	MaxConcurrent  int `long:"max-concurrent" env:"MAX_CONCURRENT" default:"4" description:"Maximum concurrent storefront resolutions"`
	RetryAttempts  int `long:"retry-attempts" env:"RETRY_ATTEMPTS" default:"3" description:"Resolution attempts per candidate"`
	RetryBaseDelay int `long:"retry-base-delay" env:"RETRY_BASE_DELAY" default:"1" description:"Initial retry backoff in seconds"`
	RetryMaxDelay  int `long:"retry-max-delay" env:"RETRY_MAX_DELAY" default:"30" description:"Maximum retry backoff in seconds"`
	RateLimitFloor int `long:"rate-limit-floor" env:"RATE_LIMIT_FLOOR" default:"10" description:"Minimum backoff after an upstream 429 in seconds"`
	CycleTimeout   int `long:"cycle-timeout" env:"CYCLE_TIMEOUT" default:"240" description:"Detection cycle deadline in seconds"`

	// Per-source request budgets
	SteamRPS float64 `long:"steam-rps" env:"STEAM_RPS" default:"0.5" description:"Steam API requests per second"`
	EpicRPS  float64 `long:"epic-rps" env:"EPIC_RPS" default:"0.5" description:"Epic Games Store requests per second"`
	GOGRPS   float64 `long:"gog-rps" env:"GOG_RPS" default:"0.5" description:"GOG requests per second"`
	ItchRPS  float64 `long:"itch-rps" env:"ITCH_RPS" default:"0.5" description:"itch.io requests per second"`
	PSRPS    float64 `long:"ps-rps" env:"PS_RPS" default:"0.5" description:"PlayStation Store requests per second"`
	Burst    float64 `long:"burst" env:"BURST" default:"3" description:"Per-source request burst capacity"`

	// HTTP API
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent  string `long:"user-agent" env:"USER_AGENT" default:"Lootwatch/1.0" description:"User agent string for HTTP requests"`
	EmitBuffer int    `long:"emit-buffer" env:"EMIT_BUFFER" default:"64" description:"Emitted deal channel buffer size"`
	Timezone   string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug      bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		FeedURL:        raw.FeedURL,
		PollInterval:   raw.PollInterval,
		RulesFile:      raw.RulesFile,
		DBPath:         raw.DBPath,
		CacheTTL:       raw.CacheTTL,
		RetentionDays:  raw.RetentionDays,
		MaxConcurrent:  raw.MaxConcurrent,
		RetryAttempts:  raw.RetryAttempts,
		RetryBaseDelay: raw.RetryBaseDelay,
		RetryMaxDelay:  raw.RetryMaxDelay,
		RateLimitFloor: raw.RateLimitFloor,
		CycleTimeout:   raw.CycleTimeout,
		SteamRPS:       raw.SteamRPS,
		EpicRPS:        raw.EpicRPS,
		GOGRPS:         raw.GOGRPS,
		ItchRPS:        raw.ItchRPS,
		PSRPS:          raw.PSRPS,
		Burst:          raw.Burst,
		Port:           raw.Port,
		APIAccessKey:   raw.APIAccessKey,
		UserAgent:      raw.UserAgent,
		EmitBuffer:     raw.EmitBuffer,
		Timezone:       raw.Timezone,
		Debug:          raw.Debug,
		Version:        GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	return cfg, nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
		}
	}
	return nil
}
