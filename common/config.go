// Copyright 2024-2026 The pushmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// Event Engine Related Config

// RateLimitConfig defines the per-connection outbound rate limit parameters
type RateLimitConfig struct {
	// TokensPerWindow is the number of sends a connection may make per window
	TokensPerWindow int `mapstructure:"tokens_per_window" json:"tokens_per_window" validate:"gte=1"`
	// WindowSec is the token refill window in seconds
	WindowSec int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
}

// HistoryConfig defines the bounded history buffer capacities
type HistoryConfig struct {
	// Connections is the max retained disconnect event records
	Connections int `mapstructure:"connections" json:"connections" validate:"gte=1"`
	// Messages is the max retained delivered message records
	Messages int `mapstructure:"messages" json:"messages" validate:"gte=1"`
	// FailedMessages is the max retained failed delivery records
	FailedMessages int `mapstructure:"failed_messages" json:"failed_messages" validate:"gte=1"`
}

// EngineConfig defines the event push engine parameters
type EngineConfig struct {
	// HeartbeatIntervalSec is the duration of inactivity after which the
	// liveness monitor sends a heartbeat probe
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// ConnectionTimeoutSec is the duration of inactivity after which a
	// connection is evicted
	ConnectionTimeoutSec int `mapstructure:"connection_timeout_sec" json:"connection_timeout_sec" validate:"gte=1"`
	// SweepIntervalSec is the liveness monitor sweep period
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// MaxSubscriptionsPerConnection caps the subscriptions one connection may hold
	MaxSubscriptionsPerConnection int `mapstructure:"max_subscriptions_per_connection" json:"max_subscriptions_per_connection" validate:"gte=1"`
	// ActiveConnectionCeiling is the active connection count above which the
	// health status degrades to warning
	ActiveConnectionCeiling int `mapstructure:"active_connection_ceiling" json:"active_connection_ceiling" validate:"gte=1"`
	// RateLimit defines per-connection outbound rate limiting
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
	// History defines the bounded history buffer capacities
	History HistoryConfig `mapstructure:"history" json:"history" validate:"required,dive"`
}

// ===============================================================================
// WebSocket Attach Related Config

// AdmissionConfig defines per-IP connection attempt admission control
type AdmissionConfig struct {
	// Enabled toggles connection admission control
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Rate is the sustained connection attempts per second per IP
	Rate float64 `mapstructure:"rate" json:"rate" validate:"gt=0"`
	// Burst is the burst allowance per IP
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
}

// WebsocketConfig defines websocket session parameters
type WebsocketConfig struct {
	// MaxInboundPayloadBytes caps a single inbound websocket frame
	MaxInboundPayloadBytes int64 `mapstructure:"max_inbound_payload_bytes" json:"max_inbound_payload_bytes" validate:"gte=256"`
	// WriteTimeoutSec is the max duration of one transport write
	WriteTimeoutSec int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// Admission defines per-IP connection admission control
	Admission AdmissionConfig `mapstructure:"admission" json:"admission" validate:"required,dive"`
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// SubjectPrefix is the subject prefix the ingress bridge subscribes under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// APIServerConfig defines configuration for the API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Engine are the event push engine config parameters
	Engine EngineConfig `mapstructure:"engine" json:"engine" validate:"required,dive"`
	// Websocket are the websocket session config parameters
	Websocket WebsocketConfig `mapstructure:"websocket" json:"websocket" validate:"required,dive"`
	// API are the API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required,dive"`
	// NATS are the optional NATS ingress config parameters
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default engine settings
	viper.SetDefault("engine.heartbeat_interval_sec", 30)
	viper.SetDefault("engine.connection_timeout_sec", 300)
	viper.SetDefault("engine.sweep_interval_sec", 10)
	viper.SetDefault("engine.max_subscriptions_per_connection", 50)
	viper.SetDefault("engine.active_connection_ceiling", 10000)
	viper.SetDefault("engine.rate_limit.tokens_per_window", 100)
	viper.SetDefault("engine.rate_limit.window_sec", 60)
	viper.SetDefault("engine.history.connections", 1000)
	viper.SetDefault("engine.history.messages", 5000)
	viper.SetDefault("engine.history.failed_messages", 500)

	// Default websocket settings
	viper.SetDefault("websocket.max_inbound_payload_bytes", 65536)
	viper.SetDefault("websocket.write_timeout_sec", 30)
	viper.SetDefault("websocket.admission.enabled", true)
	viper.SetDefault("websocket.admission.rate", 100.0/60.0)
	viper.SetDefault("websocket.admission.burst", 20)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Pushmq-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
