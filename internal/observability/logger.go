package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ComponentLogger derives a child of the global logger tagged with the
// process and component it serves.
func ComponentLogger(processID, component string) zerolog.Logger {
	return log.Logger.With().Str("process_id", processID).Str("component", component).Logger()
}
