package sifter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/signalsifter/sifter/internal/analyze"
	"github.com/hazyhaar/signalsifter/sifter/internal/browser"
	"github.com/hazyhaar/signalsifter/sifter/internal/lock"
	"github.com/hazyhaar/signalsifter/sifter/internal/ocr"
	"github.com/hazyhaar/signalsifter/sifter/internal/source"
	"github.com/hazyhaar/signalsifter/sifter/internal/summarize"
)

// Config configures the sifter service.
type Config struct {
	// DBPath is the SQLite database holding all pipeline state.
	DBPath string `yaml:"db_path"`

	// MediaDir receives downloaded attachments.
	MediaDir string `yaml:"media_dir"`

	// ReportDir receives analysis reports. Empty keeps reports in the
	// database only.
	ReportDir string `yaml:"report_dir"`

	LogLevel string `yaml:"log_level"`

	// Listen is the address of the read-only HTTP API.
	Listen string `yaml:"listen"`

	Telegram   source.TelegramConfig `yaml:"telegram"`
	Discord    DiscordConfig         `yaml:"discord"`
	Retry      source.RetryConfig    `yaml:"retry"`
	OCR        ocr.Config            `yaml:"ocr"`
	Summarizer summarize.Config      `yaml:"summarizer"`
	Analysis   analyze.Config        `yaml:"analysis"`
	Lock       lock.Config           `yaml:"lock"`
	Ingest     IngestConfig          `yaml:"ingest"`
	Enrich     EnrichConfig          `yaml:"enrich"`
	Schedule   ScheduleConfig        `yaml:"schedule"`
	Activity   ActivityConfig        `yaml:"activity"`
	Export     ExportConfig          `yaml:"export"`
}

// DiscordConfig groups the web-client reader and its browser.
type DiscordConfig struct {
	source.DiscordConfig `yaml:",inline"`
	Browser              browser.Config `yaml:"browser"`
}

// IngestConfig holds ingest run defaults.
type IngestConfig struct {
	Limit   int  `yaml:"limit"`
	NoMedia bool `yaml:"no_media"`
}

// EnrichConfig holds enrichment run defaults.
type EnrichConfig struct {
	BatchSize int `yaml:"batch_size"`
}

// ScheduleConfig holds cron expressions for the schedule command. An empty
// expression disables the job.
type ScheduleConfig struct {
	Ingest  string `yaml:"ingest"`
	Enrich  string `yaml:"enrich"`
	Analyze string `yaml:"analyze"`
}

// ActivityConfig holds the activity dashboard defaults.
type ActivityConfig struct {
	// MinMessages is the message count a channel needs in the window to be
	// ranked.
	MinMessages int    `yaml:"min_messages"`
	ReportDir   string `yaml:"report_dir"`
}

// ExportConfig holds the Markdown export defaults.
type ExportConfig struct {
	Dir string `yaml:"dir"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "data/sifter.db"
	}
	if c.MediaDir == "" {
		c.MediaDir = "data/media"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8086"
	}
	if c.Retry == (source.RetryConfig{}) {
		c.Retry = source.DefaultRetryConfig()
	}
	if c.Ingest.Limit <= 0 {
		c.Ingest.Limit = 500
	}
	if c.Enrich.BatchSize <= 0 {
		c.Enrich.BatchSize = 100
	}
	if c.Activity.MinMessages <= 0 {
		c.Activity.MinMessages = 5
	}
	if c.Activity.ReportDir == "" {
		c.Activity.ReportDir = "data/activity_reports"
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "data/export"
	}
	c.Analysis.Defaults()
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	c := &Config{}
	c.defaults()
	return c
}

// LoadConfig loads .env (when present), then the YAML file at path (when
// path is non-empty), then environment overrides, then defaults.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("sifter: load .env: %w", err)
	}
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("sifter: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("sifter: parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SIFTER_DB_PATH":        &c.DBPath,
		"SIFTER_MEDIA_DIR":      &c.MediaDir,
		"SIFTER_REPORT_DIR":     &c.ReportDir,
		"SIFTER_LOG_LEVEL":      &c.LogLevel,
		"SIFTER_LISTEN":         &c.Listen,
		"SIFTER_EXPORT_DIR":     &c.Export.Dir,
		"TELEGRAM_BOT_TOKEN":    &c.Telegram.Token,
		"DISCORD_USER_DATA_DIR": &c.Discord.Browser.UserDataDir,
		"SUMMARIZER_API_KEY":    &c.Summarizer.APIKey,
		"SUMMARIZER_BASE_URL":   &c.Summarizer.BaseURL,
		"SUMMARIZER_MODEL":      &c.Summarizer.Model,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SIFTER_DAILY_LIMIT":         &c.Analysis.DailyLimit,
		"SIFTER_PER_MINUTE_LIMIT":    &c.Analysis.PerMinuteLimit,
		"ACTIVITY_MESSAGE_THRESHOLD": &c.Activity.MinMessages,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: %s must be a positive integer, got %q", ErrInvalidInput, key, v)
		}
		*dst = n
	}
	return nil
}

// httpTimeout bounds platform and media requests.
const httpTimeout = 60 * time.Second
