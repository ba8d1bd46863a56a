// Package config handles configuration loading for wabridge.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the path ends in
// .toml, with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from WABRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/wabridge/config.yaml
//  3. ~/.config/wabridge/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	provider:
//	  access_token: "${WHATSAPP_ACCESS_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "localhost:8080"     # webhook, operator API, /ws, /metrics
//	  grpc_addr: "localhost:50051"    # Events stream
//	  cors_origins: ["*"]
//	  read_header_timeout: "10s"
//
//	database:
//	  driver: "sqlite"                # sqlite or postgres
//	  path: "wabridge.db"
//	  dsn: "postgres://..."           # postgres only
//	  max_conns: 10
//
//	business:
//	  phone_number: "15559998888"     # required
//	  display_name: "Business"
//
//	webhook:
//	  verify_token: "${WEBHOOK_VERIFY_TOKEN}"
//	  app_secret: "${WHATSAPP_APP_SECRET}"   # empty disables signature checks
//
//	provider:
//	  phone_number_id: "${PHONE_NUMBER_ID}"
//	  access_token: "${WHATSAPP_ACCESS_TOKEN}"
//	  api_version: "v20.0"
//	  timeout: "10s"
//	  rate_per_second: 20
//	  burst: 5
//
//	realtime:
//	  redis_url: "redis://localhost:6379/0"
//	  redis_channel: "wabridge:messages"
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.example.org"
//	    user_id: "@bridge:example.org"
//	    access_token: "${MATRIX_TOKEN}"
//	    room_id: "!ops:example.org"
//
//	tailscale, logging and metrics follow the usual shape.
//
// # Validation
//
// Load() rejects a missing business.phone_number, an unknown database driver,
// postgres without a dsn, tailscale without a hostname, an incomplete enabled
// Matrix mirror and malformed durations.
package config
