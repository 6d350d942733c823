/*
Package log provides structured logging for fleetmon using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Usage

Initialize once at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Then create child loggers per component or site:

	logger := log.WithComponent("poller")
	logger.Info().Str("site", alias).Msg("connected")

Console output (human-readable, colored) is used when JSONOutput is false,
which is the default for interactive runs. Production deployments log JSON
to the monitor log writer.
*/
package log
