// Package config builds the engine's single immutable configuration value
// at startup. Secrets are deliberately excluded from Config and read
// straight from the environment by main.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ispyisail/clubprint-engine/internal/errkind"
)

// PrintMode selects the delivery sink used for rendered attendee sheets.
type PrintMode string

const (
	PrintModeLocal  PrintMode = "local"
	PrintModeEmail  PrintMode = "email"
	PrintModeDryRun PrintMode = "dryrun"
)

// Column describes one PDF table column.
type Column struct {
	ID     string
	Header string
	Width  float64
}

// PDFLayout is the data contract handed to the PDF builder.
type PDFLayout struct {
	Logo     string
	FontSize float64
	Columns  []Column
}

// RetryConfig governs the scheduler's retry ladder.
type RetryConfig struct {
	MaxAttempts      int
	BaseDelayMinutes int
}

// APIConfig governs pagination and caching of the upstream API client.
type APIConfig struct {
	PaginationLimit    int
	PaginationDelayMs  int
	CacheFreshSeconds  int
	CacheStaleSeconds  int
}

// WebhookConfig governs best-effort outbound notifications.
type WebhookConfig struct {
	Enabled       bool
	URL           string
	TimeoutMs     int
	MaxRetries    int
	RetryDelayMs  int
}

// HealthConfig governs the HealthReporter's snapshot cadence and thresholds.
type HealthConfig struct {
	SnapshotIntervalSeconds int
	FailedJobThreshold      int
	SnapshotFilename        string
}

// MemoryConfig governs the MemoryMonitor's sampling cadence and thresholds.
type MemoryConfig struct {
	SampleIntervalMinutes int
	WarningHeapMB         int
	WarningRSSMB          int
	RingSize              int
}

// Config is the validated, immutable configuration value for one run.
type Config struct {
	Categories             []string
	FetchWindowHours       int
	PreEventQueryMinutes   int
	ServiceRunIntervalHours float64
	PrintMode              PrintMode
	OutputFilename         string
	SpoolDir               string
	PrintQueueName         string
	PDFLayout              PDFLayout
	Retry                  RetryConfig
	API                    APIConfig
	Webhook                WebhookConfig
	Health                 HealthConfig
	Memory                 MemoryConfig
	GraceWindowMinutes     int
	DataDir                string
	ShutdownGraceSeconds   int
}

// Load builds Config from the process environment, applying defaults for
// anything unset, and validates required combinations. A validation
// failure is a Configuration-kind error, fatal at startup.
func Load() (Config, error) {
	cfg := Config{
		Categories:              splitCSV(getEnv("CATEGORIES", "")),
		FetchWindowHours:        getEnvInt("FETCH_WINDOW_HOURS", 24),
		PreEventQueryMinutes:    getEnvInt("PRE_EVENT_QUERY_MINUTES", 5),
		ServiceRunIntervalHours: getEnvFloat("SERVICE_RUN_INTERVAL_HOURS", 1),
		PrintMode:               PrintMode(getEnv("PRINT_MODE", "local")),
		OutputFilename:          getEnv("OUTPUT_FILENAME", "attendee-sheet.pdf"),
		SpoolDir:                getEnv("SPOOL_DIR", "./spool"),
		PrintQueueName:          getEnv("PRINT_QUEUE_NAME", "default"),
		PDFLayout:               defaultLayout(),
		Retry: RetryConfig{
			MaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelayMinutes: getEnvInt("RETRY_BASE_DELAY_MINUTES", 5),
		},
		API: APIConfig{
			PaginationLimit:   getEnvInt("API_PAGINATION_LIMIT", 100),
			PaginationDelayMs: getEnvInt("API_PAGINATION_DELAY_MS", 1000),
			CacheFreshSeconds: getEnvInt("API_CACHE_FRESH_SECONDS", 120),
			CacheStaleSeconds: getEnvInt("API_CACHE_STALE_SECONDS", 1800),
		},
		Webhook: WebhookConfig{
			Enabled:      getEnvBool("WEBHOOK_ENABLED", false),
			URL:          getEnv("WEBHOOK_URL", ""),
			TimeoutMs:    getEnvInt("WEBHOOK_TIMEOUT_MS", 10000),
			MaxRetries:   getEnvInt("WEBHOOK_MAX_RETRIES", 2),
			RetryDelayMs: getEnvInt("WEBHOOK_RETRY_DELAY_MS", 2000),
		},
		Health: HealthConfig{
			SnapshotIntervalSeconds: getEnvInt("HEALTH_SNAPSHOT_INTERVAL_SECONDS", 60),
			FailedJobThreshold:      getEnvInt("HEALTH_FAILED_JOB_THRESHOLD", 10),
			SnapshotFilename:        getEnv("HEALTH_SNAPSHOT_FILENAME", "service-health.json"),
		},
		Memory: MemoryConfig{
			SampleIntervalMinutes: getEnvInt("MEMORY_SAMPLE_INTERVAL_MINUTES", 5),
			WarningHeapMB:         getEnvInt("MEMORY_WARNING_HEAP_MB", 300),
			WarningRSSMB:          getEnvInt("MEMORY_WARNING_RSS_MB", 400),
			RingSize:              getEnvInt("MEMORY_RING_SIZE", 24),
		},
		GraceWindowMinutes:   getEnvInt("GRACE_WINDOW_MINUTES", 60),
		DataDir:              getEnv("DATA_DIR", "./data"),
		ShutdownGraceSeconds: getEnvInt("SHUTDOWN_GRACE_SECONDS", 5),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, errkind.New(errkind.Configuration, err)
	}
	return cfg, nil
}

func defaultLayout() PDFLayout {
	return PDFLayout{
		FontSize: 10,
		Columns: []Column{
			{ID: "name", Header: "Name", Width: 60},
			{ID: "phone", Header: "Phone", Width: 35},
			{ID: "signUpDate", Header: "Signed up", Width: 30},
			{ID: "fee", Header: "Fee", Width: 20},
			{ID: "status", Header: "Status", Width: 25},
		},
	}
}

func (c Config) validate() error {
	switch c.PrintMode {
	case PrintModeLocal, PrintModeEmail, PrintModeDryRun:
	default:
		return fmt.Errorf("config: invalid PRINT_MODE %q", c.PrintMode)
	}
	if c.PrintMode == PrintModeEmail && os.Getenv("PRINTER_EMAIL_ADDRESS") == "" {
		return fmt.Errorf("config: PRINT_MODE=email requires PRINTER_EMAIL_ADDRESS")
	}
	if len(c.PDFLayout.Columns) == 0 {
		return fmt.Errorf("config: pdfLayout.columns must not be empty")
	}
	if c.PDFLayout.FontSize <= 0 {
		return fmt.Errorf("config: pdfLayout.fontSize must be positive")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("config: retry.maxAttempts must be >= 0")
	}
	if c.FetchWindowHours <= 0 {
		return fmt.Errorf("config: fetchWindowHours must be positive")
	}
	return nil
}

// PreEventLead is the duration before an event's start time at which the
// engine fires the print job.
func (c Config) PreEventLead() time.Duration {
	return time.Duration(c.PreEventQueryMinutes) * time.Minute
}

// GraceWindow is the maximum past-due age tolerated before a job is
// marked failed instead of fired immediately.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMinutes) * time.Minute
}

// DiscoveryInterval is how often the discovery loop runs.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.ServiceRunIntervalHours * float64(time.Hour))
}

// ShutdownGrace is how long Supervisor.Run waits for in-flight deliveries
// to finish before closing the store on shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// SnapshotInterval is how often the HealthReporter writes its snapshot file.
func (c HealthConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// SampleInterval is how often the MemoryMonitor samples process memory.
func (c MemoryConfig) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalMinutes) * time.Minute
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
