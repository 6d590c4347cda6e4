// Package log wraps zerolog with the controller's component taxonomy and
// the daemon's traditional 0-7 verbosity scale (-d/-v style), mapped onto
// zerolog's level set.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, replaced wholesale by Init.
var Logger zerolog.Logger

// Level is the daemon's named verbosity, independent of the 0-7 numeric
// scale accepted on the command line.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init (re)configures the global Logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// LevelFromVerbosity maps the daemon's 0-7 -v/-s scale onto Level, matching
// the conventional quiet(0)/fatal/error/info/verbose(4)/debug1-3(5-7) ladder.
func LevelFromVerbosity(v int) Level {
	switch {
	case v <= 2:
		return ErrorLevel
	case v <= 4:
		return InfoLevel
	default:
		return DebugLevel
	}
}

// WithComponent creates a child logger tagged with the given subsystem name,
// e.g. "jobs", "nodes", "scheduler", "rollup", "cred", "dispatcher", "agents".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID creates a child logger with a job_id field.
func WithJobID(jobID uint32) zerolog.Logger {
	return Logger.With().Uint32("job_id", jobID).Logger()
}

// WithNodeName creates a child logger with a node_name field.
func WithNodeName(name string) zerolog.Logger {
	return Logger.With().Str("node_name", name).Logger()
}

// WithPartition creates a child logger with a partition field.
func WithPartition(name string) zerolog.Logger {
	return Logger.With().Str("partition", name).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) { Logger.Fatal().Msg(msg) }
