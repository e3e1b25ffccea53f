package cli

import (
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/roach88/groupstore/internal/bootstrap"
	"github.com/roach88/groupstore/internal/config"
)

// loadConfig loads the env file, then the config file. Without --config, a
// missing groupstore.yaml yields an empty config with env overrides applied.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if err := config.LoadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			cfg := &config.Config{}
			cfg.ApplyEnv()
			if err := cfg.Validate(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
	}

	return config.Load(path)
}

// newLogger configures logging based on the verbose flag. Logs go to w
// (stderr in practice) so they never mix with command output.
func newLogger(opts *RootOptions, w io.Writer) *slog.Logger {
	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: logLevel,
	})
	return slog.New(handler)
}

// loadBootstrap builds a Bootstrap from configuration.
func loadBootstrap(opts *RootOptions, logw io.Writer) (*bootstrap.Bootstrap, *config.Config, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, err
	}
	b, err := cfg.Bootstrap(newLogger(opts, logw))
	if err != nil {
		return nil, nil, err
	}
	return b, cfg, nil
}
