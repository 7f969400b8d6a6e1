// Package logging constructs the engine's single logrus instance, writing
// rotated activity and error logs, built once in main and passed
// down explicitly rather than referenced as a package-level global.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log file placement and rotation.
type Config struct {
	Dir        string // directory holding activity.log / error.log
	MaxSizeMB  int    // size in MB before rotation
	MaxBackups int    // number of rotated files to keep
	Foreground bool   // also write to stderr (dev / supervised-foreground mode)
}

// DefaultConfig rotates log files at 5 MB, keeping 5 backups.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:        dir,
		MaxSizeMB:  5,
		MaxBackups: 5,
	}
}

// errorLevelHook duplicates Error-and-above entries into a second writer.
type errorLevelHook struct {
	out io.Writer
}

func (h *errorLevelHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *errorLevelHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}

// New builds the engine logger. Call once in main at startup.
func New(cfg Config) (*logrus.Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	activity := &lumberjack.Logger{
		Filename:   cfg.Dir + "/activity.log",
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   false,
	}
	errLog := &lumberjack.Logger{
		Filename:   cfg.Dir + "/error.log",
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   false,
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(logrus.InfoLevel)

	var out io.Writer = activity
	if cfg.Foreground {
		out = io.MultiWriter(activity, os.Stderr)
	}
	logger.SetOutput(out)
	logger.AddHook(&errorLevelHook{out: errLog})

	return logger, nil
}
