package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a log level name onto zerolog. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("unknown level %q", level)
	}
	return lvl, nil
}

// NewLogger builds the process logger: JSON by default, a console writer when
// Format is "console".
func (c LogConfig) NewLogger(w io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if strings.EqualFold(c.Format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Str("service", "billingd").Logger(), nil
}
