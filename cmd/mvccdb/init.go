package main

import (
	"log/slog"
	"os"

	"mvccdb/pkg/config"
)

// initConfig loads the YAML config. A missing file yields config.Default().
func initConfig(path string) (config.Config, error) {
	return config.Load(path)
}

// initLogger sets up the global slog.Logger (JSON or text) on stderr.
func initLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}

	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	logger.Debug("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return logger, nil
}
