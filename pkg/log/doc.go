/*
Package log provides structured logging for relay using zerolog.

It wraps zerolog to give every component (identity allocator, session,
heartbeat, janitor, reconciler, delivery, receive, status, storage) a
consistent, leveled, field-structured logger without passing a logger
through every call site.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	log.Info("engine starting")

	hbLog := log.WithComponent("heartbeat")
	hbLog.Info().Str("agent_id", "101").Msg("tick")

# Design

A single package-level Logger is configured once via Init and never
reconfigured afterward; component loggers are cheap child loggers created
with .With().Str("component", name).Logger() and carry no other state.
*/
package log
