package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogFileName is the name of the log file below the state directory
const LogFileName = "layerpatch.log"

// SetupLogger configures the global logger based on verbosity level.
// Console output goes to stderr, everything is also appended to the log
// file so a failed patch run can be diagnosed after the fact.
func SetupLogger(verbosity int) {
	zerolog.SetGlobalLevel(levelFor(verbosity))

	writers := []io.Writer{consoleWriter(os.Stderr)}

	logFile := getLogFilePath()
	logFileHandle, err := setupLogFile(logFile)
	if err == nil {
		writers = append(writers, logFileHandle)
	}

	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()

	// If we couldn't create the log file, log the error now with the new logger
	if err != nil {
		log.Warn().Err(err).Str("path", logFile).Msg("Failed to create log file, logging to console only")
	}

	if verbosity >= 2 {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	log.Debug().Int("verbosity", verbosity).Str("logFile", logFile).Msg("Logger initialized")
}

func levelFor(verbosity int) zerolog.Level {
	switch {
	case verbosity <= 0:
		return zerolog.WarnLevel
	case verbosity == 1:
		return zerolog.InfoLevel
	case verbosity == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// consoleWriter colors output only on an interactive terminal.
func consoleWriter(out *os.File) zerolog.ConsoleWriter {
	noColor := os.Getenv("NO_COLOR") != "" ||
		!(isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()))
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	}
}

// GetLogger returns a contextualized logger with the given name
func GetLogger(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// getLogFilePath returns the path to the log file
// It respects XDG_STATE_HOME if set, otherwise uses the xdg default state dir
func getLogFilePath() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		stateHome = xdg.StateHome
	}
	return filepath.Join(stateHome, "layerpatch", LogFileName)
}

// setupLogFile creates the log file and its parent directories
func setupLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// LogOperationStart logs the start of a patch operation and returns a
// function logging its outcome. Failed and conflicting outcomes are logged
// at warn level so they reach the console at the default verbosity.
func LogOperationStart(logger zerolog.Logger, operation, patchID string) func(outcome string) {
	start := time.Now()
	logger.Info().
		Str("operation", operation).
		Str("patch", patchID).
		Msg("Operation started")

	return func(outcome string) {
		event := logger.Info()
		if outcome != "applied" {
			event = logger.Warn()
		}
		event.Str("operation", operation).
			Str("patch", patchID).
			Str("outcome", outcome).
			Dur("duration", time.Since(start)).
			Msg("Operation finished")
	}
}
