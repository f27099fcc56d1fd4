package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger returns the JSON stdout logger every service uses, tagged with
// the service name.
func NewLogger(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", service)
}
