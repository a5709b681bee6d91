package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"replisync/internal/config"
	"replisync/internal/models"

	"github.com/rs/zerolog"
)

// New builds the process logger. Output accepts a comma separated list of
// sinks (stdout, stderr, file); every sink receives each entry. Empty fields
// mean JSON at info level on stdout.
func New(cfg config.LoggingConfig, app config.AppConfig) (*zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}

	writers, closer, err := sinks(cfg)
	if err != nil {
		return nil, nil, err
	}

	console := strings.EqualFold(strings.TrimSpace(cfg.Format), "console")
	for i, w := range writers {
		if console {
			writers[i] = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		}
	}

	output := writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	base := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("app", app.Name).
		Str("env", app.Environment).
		Str("version", app.Version).
		Logger()

	return &base, closer, nil
}

func sinks(cfg config.LoggingConfig) ([]io.Writer, io.Closer, error) {
	var (
		writers []io.Writer
		closer  io.Closer
		seen    = make(map[string]bool)
	)
	for _, name := range strings.Split(strings.ToLower(cfg.Output), ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		switch name {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		case "file":
			if cfg.FilePath == "" {
				return nil, nil, errors.New("logging.output=file requires logging.file_path")
			}
			file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file: %w", err)
			}
			writers = append(writers, file)
			closer = file
		default:
			if closer != nil {
				_ = closer.Close()
			}
			return nil, nil, fmt.Errorf("unknown logging.output %q", name)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}
	return writers, closer, nil
}

// Component derives a child logger tagged with the component name.
// A nil parent yields a no-op logger.
func Component(parent *zerolog.Logger, name string) *zerolog.Logger {
	if parent == nil {
		nop := zerolog.Nop()
		return &nop
	}
	child := parent.With().Str("component", name).Logger()
	return &child
}

// Task attaches the identifying fields of a sync task to ev.
func Task(ev *zerolog.Event, task *models.SyncTask) *zerolog.Event {
	if task == nil {
		return ev
	}
	ev = ev.Str("task_id", task.ID).
		Str("collection", task.Collection).
		Str("item_id", task.ItemID)
	if task.Retries > 0 {
		ev = ev.Int("retries", task.Retries)
	}
	if task.Status != "" {
		ev = ev.Str("status", string(task.Status))
	}
	return ev
}
