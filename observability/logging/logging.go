package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a JSON slog logger as the process default and returns it.
// Lines carry the service name and environment, the level key is remapped to
// an uppercase severity, and development environments log at debug.
func Setup(service, env string) *slog.Logger {
	env = strings.TrimSpace(env)
	level := slog.LevelInfo
	if env == "development" || env == "dev" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr = slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	base := slog.New(handler.WithAttrs(attrs))
	slog.SetDefault(base)

	// Route the standard library logger through the same handler.
	bridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
