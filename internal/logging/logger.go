package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New
type Options struct {
	Dir     string // empty disables the file core
	Level   string
	Verbose bool
	Now     func() time.Time
}

// New builds a logger that writes human-readable lines to stdout and JSON
// lines to a timestamped file under Dir. It returns the file path, if any.
func New(opts Options) (*zap.Logger, string, error) {
	level := zap.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, "", fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose || debugEnabled() {
		level = zap.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), level),
	}

	var path string
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, "", fmt.Errorf("create log dir: %w", err)
		}
		now := time.Now
		if opts.Now != nil {
			now = opts.Now
		}
		path = filepath.Join(opts.Dir, now().Format("20060102_150405")+".log")
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, "", fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if path != "" {
		logger.Info("Logging output to: " + path)
	}
	return logger, path, nil
}

func debugEnabled() bool {
	v := os.Getenv("DEBUG")
	return v == "true" || v == "1" || v == "yes"
}
