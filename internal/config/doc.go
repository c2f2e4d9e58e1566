// Package config handles configuration loading for hive-store tools.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation of required fields and logging options.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${HIVE_DB_PATH}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Database settings:
//
//	database:
//	  path: /var/lib/hive/store.db   # required
//
// Logging settings:
//
//	logging:
//	  level: info    # debug, info, warn, error
//	  format: text   # text or json
package config
