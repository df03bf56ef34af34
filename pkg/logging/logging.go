// Package logging configures the global zerolog logger for the parley commands.
package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	WithCaller bool
	Level      string
	// Format is "text" for the console writer, anything else logs json.
	Format string
	// File additionally tees plain-text output to a rotated log file.
	File string
	// Output defaults to stderr.
	Output io.Writer
}

func Init(config Config) error {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var logWriter io.Writer
	if config.Format == "text" {
		logWriter = zerolog.ConsoleWriter{Out: out}
	} else {
		logWriter = out
	}

	if config.File != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.File,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp()
	if config.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()

	if config.Level == "" {
		config.Level = "info"
	}
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", config.Level)
	}
	zerolog.SetGlobalLevel(level)

	return nil
}
