// Package log holds the process-wide zerolog loggers.
package log

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05"

// Logger is the root logger. Component loggers derive from it.
var Logger zerolog.Logger

var (
	Resolver  zerolog.Logger
	Requester zerolog.Logger
	P2P       zerolog.Logger
	Node      zerolog.Logger
)

func init() {
	setRoot(New(os.Stdout, "info", true))
}

// Init replaces the root logger. Stdout gets console or JSON lines; when
// file is set every line is also appended to it as JSON.
func Init(level string, jsonOutput bool, file string) error {
	var out io.Writer = os.Stdout
	if !jsonOutput {
		out = consoleWriter(os.Stdout)
	}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
	}
	setRoot(zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger())
	return nil
}

// New builds a timestamped logger on w, human readable when console is set.
func New(w io.Writer, level string, console bool) zerolog.Logger {
	if console {
		w = consoleWriter(w)
	}
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// WithComponent tags the root logger with a component name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// ShortPeer truncates a peer identity for log fields.
func ShortPeer(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

// parseLevel falls back to info on unknown or empty names.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setRoot(l zerolog.Logger) {
	Logger = l
	Resolver = WithComponent("resolver")
	Requester = WithComponent("requester")
	P2P = WithComponent("p2p")
	Node = WithComponent("node")
}
