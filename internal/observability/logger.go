package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NodeLogger returns the global logger tagged with the application and node
// identity, for long-running services.
func NodeLogger(app, node string) zerolog.Logger {
	return log.Logger.With().Str("app", app).Str("node", node).Logger()
}
