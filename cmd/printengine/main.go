// Command printengine is the always-on scheduling/print-delivery engine:
// it watches the upstream events API, fires a print job shortly before
// each retained event starts, and delivers the rendered attendee sheet to
// a local spooler, an SMTP gateway, or disk (dry run).
package main

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ispyisail/clubprint-engine/internal/apiclient"
	"github.com/ispyisail/clubprint-engine/internal/clock"
	"github.com/ispyisail/clubprint-engine/internal/config"
	"github.com/ispyisail/clubprint-engine/internal/health"
	"github.com/ispyisail/clubprint-engine/internal/logging"
	"github.com/ispyisail/clubprint-engine/internal/memmon"
	"github.com/ispyisail/clubprint-engine/internal/printsink"
	"github.com/ispyisail/clubprint-engine/internal/scheduler"
	"github.com/ispyisail/clubprint-engine/internal/store"
	"github.com/ispyisail/clubprint-engine/internal/supervisor"
	"github.com/ispyisail/clubprint-engine/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "printengine: configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.DefaultConfig(filepath.Join(cfg.DataDir, "logs")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "printengine: failed to initialise logging: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("printengine: fatal internal error, exiting")
			os.Exit(1)
		}
	}()

	clk := clock.Real()

	st, err := store.Open(context.Background(), filepath.Join(cfg.DataDir, "printengine.db"), log)
	if err != nil {
		log.WithError(err).Fatal("printengine: failed to open store")
	}

	apiClient := apiclient.New(
		requireEnv(log, "API_BASE_URL"),
		requireEnv(log, "API_TOKEN"),
		cfg.API, clk, log,
	)

	sink, breakerSources := buildSink(cfg, clk)
	breakerSources = append(breakerSources, apiClient)

	var notifier scheduler.Notifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.New(cfg.Webhook, os.Getenv("WEBHOOK_SECRET"), clk, log)
		if err != nil {
			log.WithError(err).Fatal("printengine: invalid webhook configuration")
		}
		notifier = wh
		breakerSources = append(breakerSources, wh)
	}

	sched := scheduler.New(st, apiClient, sink, notifier, clk, cfg, log)

	mem := memmon.New(cfg.Memory, clk, log)

	healthReporter := health.New(st, breakerSources, apiClient, mem, clk, cfg.Health, cfg.DataDir, log)

	sup := supervisor.New(st, sched, healthReporter, mem, cfg.ShutdownGrace(), log)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("printengine: shutdown signal received")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		log.WithError(err).Fatal("printengine: supervisor exited with error")
	}
}

// buildSink constructs the PrintSink named by cfg.PrintMode, reading any
// delivery secrets (SMTP credentials, printer email) straight from the
// environment.
func buildSink(cfg config.Config, clk clock.Clock) (printsink.Sink, []health.BreakerSource) {
	switch cfg.PrintMode {
	case config.PrintModeLocal:
		s := printsink.NewLocalSink(cfg.PrintQueueName, cfg.OutputFilename, clk)
		return s, []health.BreakerSource{s}
	case config.PrintModeEmail:
		var auth smtp.Auth
		if user := os.Getenv("SMTP_USERNAME"); user != "" {
			auth = smtp.PlainAuth("", user, os.Getenv("SMTP_PASSWORD"), smtpHost(os.Getenv("SMTP_ADDR")))
		}
		s := printsink.NewEmailSink(
			os.Getenv("SMTP_ADDR"),
			os.Getenv("SMTP_FROM"),
			os.Getenv("PRINTER_EMAIL_ADDRESS"),
			auth, clk,
		)
		return s, []health.BreakerSource{s}
	default: // config.PrintModeDryRun
		s := printsink.NewDryRunSink(cfg.SpoolDir, cfg.OutputFilename, clk)
		return s, []health.BreakerSource{s}
	}
}

func smtpHost(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

func requireEnv(log *logrus.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("printengine: required environment variable %s is not set", key)
	}
	return v
}
