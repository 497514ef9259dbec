package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run the downloader.
type Config struct {
	Email    string
	Password string
	Server   string
	Port     int
	UseTLS   bool

	Days      int
	StartDate string
	EndDate   string

	OutputDir string
	Workers   int

	MaxRetries     int
	ConnectRetries int
	CallTimeout    time.Duration
	RateLimit      float64

	NoZip            bool
	CompressionLevel int
	ExportMbox       bool
	ZipOnly          string

	LogLevel string
	LogDir   string
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("email", "", "Email address of the account to back up")
	flags.String("password", "", "Account password or app password (falls back to IMAP_PASS env var)")
	flags.String("server", "", "IMAP server hostname (auto-discovered from the email domain when empty)")
	flags.Int("port", 993, "IMAP server port")
	flags.Bool("nossl", false, "Disable TLS (use for servers that do not support it)")

	flags.Int("days", 0, "Download emails from the last N days")
	flags.String("start-date", "", "Start date (YYYY-MM-DD), mutually exclusive with --days")
	flags.String("end-date", "", "End date (YYYY-MM-DD)")

	flags.String("output-dir", "downloaded_emails", "Directory to save emails into")
	flags.Int("workers", 10, "Number of concurrent download workers")
	flags.Int("max-retries", 0, "Extra attempts for transiently failing downloads")
	flags.Int("connect-retries", 2, "Extra dial attempts per connection before giving up")
	flags.Duration("call-timeout", 10*time.Second, "Timeout for each IMAP operation")
	flags.Float64("rate-limit", 0, "Maximum body fetches per second across all workers (0 = unlimited)")

	flags.Bool("no-zip", false, "Skip creating the zip archive and manifest")
	flags.Int("compression-level", 0, "Zip compression: 0 = store, 1-9 = deflate level")
	flags.Bool("mbox", false, "Also export the run as a single .mbox file")
	flags.String("zip-only", "", "Only zip and hash this run directory, skip downloading")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (disabled when empty)")
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	var cfg Config
	var err error

	if cfg.Email, err = flags.GetString("email"); err != nil {
		return Config{}, err
	}
	if cfg.Password, err = flags.GetString("password"); err != nil {
		return Config{}, err
	}
	if cfg.Server, err = flags.GetString("server"); err != nil {
		return Config{}, err
	}
	if cfg.Port, err = flags.GetInt("port"); err != nil {
		return Config{}, err
	}
	nossl, err := flags.GetBool("nossl")
	if err != nil {
		return Config{}, err
	}
	cfg.UseTLS = !nossl

	if cfg.Days, err = flags.GetInt("days"); err != nil {
		return Config{}, err
	}
	if cfg.StartDate, err = flags.GetString("start-date"); err != nil {
		return Config{}, err
	}
	if cfg.EndDate, err = flags.GetString("end-date"); err != nil {
		return Config{}, err
	}

	if cfg.OutputDir, err = flags.GetString("output-dir"); err != nil {
		return Config{}, err
	}
	if cfg.Workers, err = flags.GetInt("workers"); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = flags.GetInt("max-retries"); err != nil {
		return Config{}, err
	}
	if cfg.ConnectRetries, err = flags.GetInt("connect-retries"); err != nil {
		return Config{}, err
	}
	if cfg.CallTimeout, err = flags.GetDuration("call-timeout"); err != nil {
		return Config{}, err
	}
	if cfg.RateLimit, err = flags.GetFloat64("rate-limit"); err != nil {
		return Config{}, err
	}

	if cfg.NoZip, err = flags.GetBool("no-zip"); err != nil {
		return Config{}, err
	}
	if cfg.CompressionLevel, err = flags.GetInt("compression-level"); err != nil {
		return Config{}, err
	}
	if cfg.ExportMbox, err = flags.GetBool("mbox"); err != nil {
		return Config{}, err
	}
	if cfg.ZipOnly, err = flags.GetString("zip-only"); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
		return Config{}, err
	}
	if cfg.LogDir, err = flags.GetString("log-dir"); err != nil {
		return Config{}, err
	}

	if cfg.Password == "" {
		cfg.Password = os.Getenv("IMAP_PASS")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.ZipOnly == "" {
		if cfg.Email == "" {
			return fmt.Errorf("--email is required")
		}
		if !strings.Contains(cfg.Email, "@") {
			return fmt.Errorf("--email must be a full address")
		}
		if cfg.Password == "" {
			return fmt.Errorf("password must be provided via --password or IMAP_PASS env var")
		}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("--port must be between 1 and 65535")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("--workers must be positive")
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("--max-retries must not be negative")
	}
	if cfg.Days < 0 {
		return fmt.Errorf("--days must not be negative")
	}
	if cfg.Days > 0 && cfg.StartDate != "" {
		return fmt.Errorf("--days and --start-date are mutually exclusive")
	}
	if cfg.CompressionLevel < 0 || cfg.CompressionLevel > 9 {
		return fmt.Errorf("--compression-level must be between 0 and 9")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
