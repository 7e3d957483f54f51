package boxlite

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the runtime's structured logger: JSON lines to a rotating
// file under home_dir/logs/, matching the on-disk layout's
// boxlite.<ts>.log naming. A failure creating the logs directory must not
// prevent the runtime from starting: newLogger then returns a stderr-only
// logger and logs that failure once.
func newLogger(homeDir string) *slog.Logger {
	logsDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		fallback := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		fallback.Warn("boxlite: could not create logs dir, logging to stderr only", "error", err, "dir", logsDir)
		return fallback
	}

	logPath := filepath.Join(logsDir, fmt.Sprintf("boxlite.%s.log", time.Now().UTC().Format("20060102-150405")))
	sink := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	return slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
