package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FetchWindowHours != 24 {
		t.Errorf("FetchWindowHours = %d, want 24", cfg.FetchWindowHours)
	}
	if cfg.PrintMode != PrintModeLocal {
		t.Errorf("PrintMode = %v, want local", cfg.PrintMode)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelayMinutes != 5 {
		t.Errorf("Retry = %+v, want {3 5}", cfg.Retry)
	}
	if cfg.GraceWindowMinutes != 60 {
		t.Errorf("GraceWindowMinutes = %d, want 60", cfg.GraceWindowMinutes)
	}
	if cfg.ShutdownGraceSeconds != 5 {
		t.Errorf("ShutdownGraceSeconds = %d, want 5", cfg.ShutdownGraceSeconds)
	}
}

func TestLoadRejectsEmailModeWithoutPrinterAddress(t *testing.T) {
	clearEnv(t)
	os.Setenv("PRINT_MODE", "email")
	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error for email mode without PRINTER_EMAIL_ADDRESS")
	}
}

func TestLoadAcceptsEmailModeWithPrinterAddress(t *testing.T) {
	clearEnv(t)
	os.Setenv("PRINT_MODE", "email")
	os.Setenv("PRINTER_EMAIL_ADDRESS", "printer@example.com")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestLoadRejectsInvalidPrintMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("PRINT_MODE", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error for an invalid PRINT_MODE")
	}
}

func TestLoadRejectsNonPositiveFetchWindow(t *testing.T) {
	clearEnv(t)
	os.Setenv("FETCH_WINDOW_HOURS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error for FETCH_WINDOW_HOURS=0")
	}
}

func TestDurationHelpersConvertConfiguredValues(t *testing.T) {
	cfg := Config{
		PreEventQueryMinutes:    10,
		GraceWindowMinutes:      30,
		ServiceRunIntervalHours: 2,
		ShutdownGraceSeconds:    7,
	}
	if got, want := cfg.PreEventLead(), 10*time.Minute; got != want {
		t.Errorf("PreEventLead = %v, want %v", got, want)
	}
	if got, want := cfg.GraceWindow(), 30*time.Minute; got != want {
		t.Errorf("GraceWindow = %v, want %v", got, want)
	}
	if got, want := cfg.DiscoveryInterval(), 2*time.Hour; got != want {
		t.Errorf("DiscoveryInterval = %v, want %v", got, want)
	}
	if got, want := cfg.ShutdownGrace(), 7*time.Second; got != want {
		t.Errorf("ShutdownGrace = %v, want %v", got, want)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"CATEGORIES", "FETCH_WINDOW_HOURS", "PRE_EVENT_QUERY_MINUTES",
		"SERVICE_RUN_INTERVAL_HOURS", "PRINT_MODE", "OUTPUT_FILENAME",
		"SPOOL_DIR", "PRINT_QUEUE_NAME", "RETRY_MAX_ATTEMPTS",
		"RETRY_BASE_DELAY_MINUTES", "API_PAGINATION_LIMIT",
		"API_PAGINATION_DELAY_MS", "API_CACHE_FRESH_SECONDS",
		"API_CACHE_STALE_SECONDS", "WEBHOOK_ENABLED", "WEBHOOK_URL",
		"WEBHOOK_TIMEOUT_MS", "WEBHOOK_MAX_RETRIES", "WEBHOOK_RETRY_DELAY_MS",
		"HEALTH_SNAPSHOT_INTERVAL_SECONDS", "HEALTH_FAILED_JOB_THRESHOLD",
		"HEALTH_SNAPSHOT_FILENAME", "MEMORY_SAMPLE_INTERVAL_MINUTES",
		"MEMORY_WARNING_HEAP_MB", "MEMORY_WARNING_RSS_MB", "MEMORY_RING_SIZE",
		"GRACE_WINDOW_MINUTES", "DATA_DIR", "SHUTDOWN_GRACE_SECONDS",
		"PRINTER_EMAIL_ADDRESS",
	}
	for _, v := range vars {
		os.Unsetenv(v)
	}
}
