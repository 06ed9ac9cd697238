package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
	"github.com/dmitrijs2005/fishkeeper/internal/logging"
)

// newLogger renders structured records with charmbracelet/log.
func newLogger(level string, w io.Writer) (logging.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	h := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		Prefix:          "fishkeeper",
	})
	return logging.NewSlogLogger(slog.New(h)), nil
}
