package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BrowserLocal  = "local"
	BrowserRemote = "remote"
	BrowserDocker = "docker"
)

// Config is the process configuration, read from BROWSERQ_* variables.
type Config struct {
	DBDriver string
	DBDSN    string
	JobsPath string
	Addr     string
	// Workers is the number of workers embedded in the serve command.
	Workers int

	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	BrowserCloseTimeout time.Duration

	Browser         string
	ChromePath      string
	ChromeNoSandbox bool
	BrowserURL      string
	DockerImage     string

	AllowPrivateURLs bool
	CORSOrigins      []string

	LogLevel  string
	LogFormat string
}

// LoadDotEnv loads the nearest .env file found walking up from the working
// directory. Variables already set in the environment win.
func LoadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

// Load reads the environment. It fails only on values that cannot be parsed;
// call Validate for semantic checks.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		DBDriver:            getenv("BROWSERQ_DB_DRIVER", "sqlite"),
		DBDSN:               getenv("BROWSERQ_DB_DSN", "browserq.sqlite3"),
		JobsPath:            getenv("BROWSERQ_JOBS_PATH", "."),
		Addr:                getenv("BROWSERQ_ADDR", ":8080"),
		Workers:             getenvInt("BROWSERQ_WORKERS", 0, &errs),
		PollInterval:        getenvDuration("BROWSERQ_POLL_INTERVAL", 5*time.Second, &errs),
		HeartbeatInterval:   getenvDuration("BROWSERQ_HEARTBEAT_INTERVAL", 600*time.Second, &errs),
		BrowserCloseTimeout: getenvDuration("BROWSERQ_BROWSER_CLOSE_TIMEOUT", 5*time.Second, &errs),
		Browser:             getenv("BROWSERQ_BROWSER", BrowserLocal),
		ChromePath:          os.Getenv("BROWSERQ_CHROME_PATH"),
		ChromeNoSandbox:     getenvBool("BROWSERQ_CHROME_NO_SANDBOX", false, &errs),
		BrowserURL:          os.Getenv("BROWSERQ_BROWSER_URL"),
		DockerImage:         getenv("BROWSERQ_DOCKER_IMAGE", "chromedp/headless-shell:latest"),
		AllowPrivateURLs:    getenvBool("BROWSERQ_ALLOW_PRIVATE_URLS", false, &errs),
		CORSOrigins:         getenvCSV("BROWSERQ_CORS_ORIGINS", []string{"*"}),
		LogLevel:            getenv("BROWSERQ_LOG_LEVEL", "info"),
		LogFormat:           getenv("BROWSERQ_LOG_FORMAT", "json"),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate rejects unknown modes and non-positive intervals.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "sqlite", "postgres", "duckdb":
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("database dsn is empty"))
	}
	switch c.Browser {
	case BrowserLocal, BrowserDocker:
	case BrowserRemote:
		if c.BrowserURL == "" {
			errs = append(errs, errors.New("BROWSERQ_BROWSER_URL is required when browser=remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown browser mode %q", c.Browser))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	for name, d := range map[string]time.Duration{
		"poll interval":         c.PollInterval,
		"heartbeat interval":    c.HeartbeatInterval,
		"browser close timeout": c.BrowserCloseTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return level, nil
}

// NewLogger builds the process logger: JSON by default, text on request.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// LogValue hides credentials embedded in the DSN.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("db_driver", c.DBDriver),
		slog.String("db_dsn", MaskDSN(c.DBDSN)),
		slog.String("jobs_path", c.JobsPath),
		slog.String("browser", c.Browser),
		slog.Int("workers", c.Workers),
	)
}

// MaskDSN hides the password of a URL-style DSN.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int, errs *[]error) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool, errs *[]error) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

// getenvDuration accepts Go durations ("5s") or a bare number of seconds.
func getenvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getenvCSV(key string, fallback []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	values := splitCSV(raw)
	if len(values) == 0 {
		return fallback
	}
	return values
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
