/*
Package log provides structured logging for mnha using zerolog.

A single package-level Logger is configured once by Init and shared by every
package. Console output is human readable by default; JSON output can be
selected for log shippers. When a log file is configured every event is also
written to it, always as JSON, so a failed operation on a host without a
terminal can be reconstructed afterwards.

# Architecture

	┌──────────────── LOGGING ────────────────┐
	│                                          │
	│   log.Init(Config)                       │
	│        │                                 │
	│        ▼                                 │
	│   Global Logger ──► console (text/JSON)  │
	│        │        └─► file (JSON, opt.)    │
	│        │                                 │
	│        ├─ WithComponent("executor")      │
	│        └─ WithOperation(id, "activate")  │
	└──────────────────────────────────────────┘

# Log Levels

  - debug: every command the executor runs, probe results
  - info: stage banners and state transitions
  - warn: best-effort steps that failed and were skipped
  - error: stage failures and rollback errors

# Usage

	log.Init(log.Config{Level: log.InfoLevel})

	logger := log.WithOperation(op.ID, string(op.Mode))
	logger.Info().Str("stage", "relocating_resources").Msg("===> Relocating resources <===")

Component loggers carry a "component" field and operation loggers carry
"operation_id" and "mode", which makes the JSON log file easy to filter by
operation:

	jq 'select(.operation_id == "0192f4c1-...")' /var/log/mnha.log
*/
package log
