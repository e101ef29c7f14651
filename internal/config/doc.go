// Package config handles configuration loading for mjsync.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from MJSYNC_CONFIG environment variable
//  2. ~/.config/mjsync/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	api:
//	  base_url: "${MJ_API_URL}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sync:
//	  interval: "5m"
//	  reenqueue_grace: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Remote service:
//
//	api:
//	  base_url: "https://api.mjwellness.example"
//	  timeout: "30s"
//	  refresh_margin: "30s"   # refresh tokens this close to expiry
//
// Realtime channel:
//
//	realtime:
//	  url: ""                       # derived from api.base_url when empty
//	  max_reconnect_attempts: 8
//	  backoff_base: "1s"
//	  backoff_cap: "30s"
//
// Local state:
//
//	storage:
//	  path: "~/.local/share/mjsync/state.db"
//
// Queue replay and full sync:
//
//	sync:
//	  interval: "5m"
//	  max_record_attempts: 5
//	  reenqueue_grace: "2m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # optional rotating log file
//
// # Validation
//
// Load() validates:
//
//   - api.base_url presence and URL shape
//   - storage.path presence
//   - realtime.url scheme (ws/wss) when set
//   - backoff base not exceeding the cap
//   - duration format validity
package config
