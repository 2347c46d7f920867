package logging

import (
	"fmt"
	"log"
	"strings"
)

// PrintfAdapter exposes a structured logger through the single-method
// Printf interface expected by jsonrpc2 connections and the standard
// library. Every line is logged at a fixed level.
type PrintfAdapter struct {
	logger Logger
	level  Level
}

// NewPrintfAdapter creates an adapter that logs at level with the given
// component name.
func NewPrintfAdapter(logger Logger, component string, level Level) *PrintfAdapter {
	return &PrintfAdapter{
		logger: logger.WithFields(String("component", component)),
		level:  level,
	}
}

// Printf logs a printf-style message
func (a *PrintfAdapter) Printf(format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")
	switch a.level {
	case DebugLevel:
		a.logger.Debug(msg)
	case WarnLevel:
		a.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		a.logger.Error(msg)
	default:
		a.logger.Info(msg)
	}
}

// Write lets the adapter back a *log.Logger.
func (a *PrintfAdapter) Write(p []byte) (int, error) {
	a.Printf("%s", p)
	return len(p), nil
}

// StdLogger returns a *log.Logger that forwards to logger, for APIs such
// as http.Server.ErrorLog.
func StdLogger(logger Logger, component string, level Level) *log.Logger {
	return log.New(NewPrintfAdapter(logger, component, level), "", 0)
}
