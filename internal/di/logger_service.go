package di

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/do/v2"

	"github.com/omarluq/apigate/internal/config"
	"github.com/omarluq/apigate/internal/server"
)

// LoggerService wraps the process logger.
// The level is applied through zerolog's global level so reloads take
// effect on every derived logger.
type LoggerService struct {
	Logger *zerolog.Logger
	closer io.Closer
}

// NewLogger creates the logger from configuration and installs it as the
// zerolog global and context default.
func NewLogger(i do.Injector) (*LoggerService, error) {
	cfgSvc := do.MustInvoke[*ConfigService](i)
	cfg := cfgSvc.Get()

	logger, closer, err := server.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger = logger.Level(zerolog.TraceLevel)
	zerolog.SetGlobalLevel(cfg.Logging.ParseLevel())

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger

	cfgSvc.OnChange(func(next *config.Config, changes config.Changes) {
		if !changes.LogLevel {
			return
		}
		level := next.Logging.ParseLevel()
		zerolog.SetGlobalLevel(level)
		logger.Info().Str("level", level.String()).Msg("log level updated via hot-reload")
	})

	return &LoggerService{Logger: &logger, closer: closer}, nil
}

// Shutdown implements do.Shutdowner.
func (l *LoggerService) Shutdown() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}
