package utils

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/HKUDS/nanobot-gateway/pkg/config"
)

const consoleTimeFormat = "15:04:05.000"

// SetupLogger builds the process logger: a human readable console writer on
// stderr and JSON lines in a rotating file under cfg.Dir (or logDir when
// cfg.Dir is empty). The standard library logger is redirected to it. The
// returned closer flushes the file.
func SetupLogger(cfg config.LogConfig, logDir string) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: consoleTimeFormat})
	}

	var closer io.Closer = nopCloser{}
	dir := cfg.Dir
	if dir == "" {
		dir = logDir
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return zerolog.Nop(), nil, err
		}
		name := cfg.Filename
		if name == "" {
			name = "nanobot.log"
		}
		file := &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
		closer = file
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.SetFlags(0)
	log.SetOutput(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
