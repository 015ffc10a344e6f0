package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
)

// ErrInvalid wraps every validation failure; startup treats it as fatal.
var ErrInvalid = errors.New("invalid configuration")

const (
	// Local Bot API servers accept files up to 2000 MB; stay below with margin.
	LocalMaxPartSize int64 = 1_950 * 1024 * 1024 // ~1.95 GiB
	// The cloud Bot API rejects uploads above 50 MB.
	CloudMaxPartSize int64 = 49 * 1024 * 1024
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Transfer  TransferConfig  `json:"transfer"`
	Extractor ExtractorConfig `json:"extractor"`
	Workspace WorkspaceConfig `json:"workspace"`
	Sessions  SessionsConfig  `json:"sessions"`
	Audit     AuditConfig     `json:"audit"`
	Health    HealthConfig    `json:"health"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token     string              `json:"token" env:"LINKDROP_TELEGRAM_TOKEN"`
	APIID     int64               `json:"api_id" env:"LINKDROP_TELEGRAM_API_ID"`
	APIHash   string              `json:"api_hash" env:"LINKDROP_TELEGRAM_API_HASH"`
	APIServer string              `json:"api_server" env:"LINKDROP_TELEGRAM_API_SERVER"` // local Bot API server, e.g. http://localhost:8081
	Proxy     string              `json:"proxy" env:"LINKDROP_TELEGRAM_PROXY"`
	LogChatID int64               `json:"log_chat_id" env:"LINKDROP_TELEGRAM_LOG_CHAT_ID"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"LINKDROP_TELEGRAM_ALLOW_FROM"`
}

type TransferConfig struct {
	MaxPartSizeBytes   int64 `json:"max_part_size_bytes" env:"LINKDROP_TRANSFER_MAX_PART_SIZE_BYTES"` // 0 = derive from API mode
	PartPauseMS        int   `json:"part_pause_ms" env:"LINKDROP_TRANSFER_PART_PAUSE_MS"`
	ProgressIntervalMS int   `json:"progress_interval_ms" env:"LINKDROP_TRANSFER_PROGRESS_INTERVAL_MS"`
	MaxConcurrentJobs  int   `json:"max_concurrent_jobs" env:"LINKDROP_TRANSFER_MAX_CONCURRENT_JOBS"`
	QueueSize          int   `json:"queue_size" env:"LINKDROP_TRANSFER_QUEUE_SIZE"`
}

type ExtractorConfig struct {
	Engine     string `json:"engine" env:"LINKDROP_EXTRACTOR_ENGINE"` // yt-dlp|youtube|auto
	YtDlpPath  string `json:"ytdlp_path" env:"LINKDROP_EXTRACTOR_YTDLP_PATH"`
	FFmpegPath string `json:"ffmpeg_path" env:"LINKDROP_EXTRACTOR_FFMPEG_PATH"`
	CookieFile string `json:"cookie_file" env:"LINKDROP_EXTRACTOR_COOKIE_FILE"`
}

type WorkspaceConfig struct {
	Root              string `json:"root" env:"LINKDROP_WORKSPACE_ROOT"`
	JanitorSchedule   string `json:"janitor_schedule" env:"LINKDROP_WORKSPACE_JANITOR_SCHEDULE"`
	StaleAfterMinutes int    `json:"stale_after_minutes" env:"LINKDROP_WORKSPACE_STALE_AFTER_MINUTES"`
}

type SessionsConfig struct {
	Backend string      `json:"backend" env:"LINKDROP_SESSIONS_BACKEND"` // memory|redis
	Redis   RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr       string `json:"addr" env:"LINKDROP_SESSIONS_REDIS_ADDR"`
	Username   string `json:"username" env:"LINKDROP_SESSIONS_REDIS_USERNAME"`
	Password   string `json:"password" env:"LINKDROP_SESSIONS_REDIS_PASSWORD"`
	DB         int    `json:"db" env:"LINKDROP_SESSIONS_REDIS_DB"`
	TTLMinutes int    `json:"ttl_minutes" env:"LINKDROP_SESSIONS_REDIS_TTL_MINUTES"`
}

type AuditConfig struct {
	HistoryPath string `json:"history_path" env:"LINKDROP_AUDIT_HISTORY_PATH"` // empty disables /history
}

type HealthConfig struct {
	Enabled bool   `json:"enabled" env:"LINKDROP_HEALTH_ENABLED"`
	Host    string `json:"host" env:"LINKDROP_HEALTH_HOST"`
	Port    int    `json:"port" env:"PORT"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"LINKDROP_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"LINKDROP_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"LINKDROP_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"LINKDROP_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"LINKDROP_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"LINKDROP_LOGGING_MAX_SIZE_MB"`
}

func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			AllowFrom: FlexibleStringSlice{},
		},
		Transfer: TransferConfig{
			PartPauseMS:        2000,
			ProgressIntervalMS: 2000,
			MaxConcurrentJobs:  3,
			QueueSize:          32,
		},
		Extractor: ExtractorConfig{
			Engine:     "yt-dlp",
			YtDlpPath:  "yt-dlp",
			FFmpegPath: "ffmpeg",
			CookieFile: "cookies.txt",
		},
		Workspace: WorkspaceConfig{
			Root:              "downloads",
			JanitorSchedule:   "*/30 * * * *",
			StaleAfterMinutes: 360,
		},
		Sessions: SessionsConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:       "127.0.0.1:6379",
				TTLMinutes: 180,
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    10000,
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     false,
			FilePath:        "~/.linkdrop/linkdrop.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

// LoadConfig layers defaults, the JSON file at path (if present) and the
// environment, in that order.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Workspace.Root = expandHome(cfg.Workspace.Root)
	cfg.Extractor.CookieFile = expandHome(cfg.Extractor.CookieFile)
	cfg.Audit.HistoryPath = expandHome(cfg.Audit.HistoryPath)
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if c.Telegram.APIServer != "" && (c.Telegram.APIID <= 0 || strings.TrimSpace(c.Telegram.APIHash) == "") {
		add("telegram.api_id and telegram.api_hash are required with a local api_server")
	}
	switch c.Sessions.Backend {
	case "memory":
	case "redis":
		if c.Sessions.Redis.Addr == "" {
			add("sessions.redis.addr is required for the redis backend")
		}
	default:
		add("unknown sessions.backend %q", c.Sessions.Backend)
	}
	switch c.Extractor.Engine {
	case "yt-dlp", "youtube", "auto":
	default:
		add("unknown extractor.engine %q", c.Extractor.Engine)
	}
	if c.Transfer.MaxPartSizeBytes < 0 {
		add("transfer.max_part_size_bytes must not be negative")
	}
	if c.Transfer.MaxConcurrentJobs < 1 {
		add("transfer.max_concurrent_jobs must be at least 1")
	}
	if c.Transfer.QueueSize < 1 {
		add("transfer.queue_size must be at least 1")
	}
	if c.Transfer.ProgressIntervalMS < 1 {
		add("transfer.progress_interval_ms must be positive")
	}
	if c.Transfer.PartPauseMS < 0 {
		add("transfer.part_pause_ms must not be negative")
	}
	if c.Workspace.Root == "" {
		add("workspace.root is required")
	}
	if c.Workspace.StaleAfterMinutes < 1 {
		add("workspace.stale_after_minutes must be positive")
	}
	if c.Health.Enabled && (c.Health.Port <= 0 || c.Health.Port > 65535) {
		add("health.port %d out of range", c.Health.Port)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// MaxPartSize is the largest single upload the configured transport accepts.
func (c *Config) MaxPartSize() int64 {
	if c.Transfer.MaxPartSizeBytes > 0 {
		return c.Transfer.MaxPartSizeBytes
	}
	if c.Telegram.APIServer != "" {
		return LocalMaxPartSize
	}
	return CloudMaxPartSize
}

func (c *Config) HealthAddr() string {
	return fmt.Sprintf("%s:%d", c.Health.Host, c.Health.Port)
}

func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
