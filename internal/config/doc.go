// Package config handles configuration loading for coven-conversations.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Values missing from the file keep the defaults from Default.
//
// # Configuration File
//
// Default location:
//
//  1. Path from COVEN_CONVERSATIONS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/conversations.yaml
//
// A path ending in .toml is decoded as TOML.
//
// # Environment Variable Expansion
//
//	ledger:
//	  path: "${STATE_DIR}/conversations.db"
//
// # Configuration Sections
//
//	conversation:
//	  idle_timeout: "30m"          # 0 disables reaping of short conversations
//	  long_running_timeout: "8h"   # 0 disables reaping of long-running ones
//	  sweep_interval: "1m"
//	  tombstone_ttl: "1h"          # how long ended conversations are remembered
//	  tombstone_max: 10000
//
//	ledger:
//	  enabled: true
//	  path: "~/.local/state/coven/conversations.db"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text, json
package config
