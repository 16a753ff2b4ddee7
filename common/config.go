// Copyright 2025-2026 The pulsemesh Authors
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
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Etcd Related Config

// EtcdConfig defines parameters for connecting to the etcd cluster backing the
// subscription store
type EtcdConfig struct {
	// Endpoints is the list of etcd cluster endpoints
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1"`
	// ConnectTimeout is the max duration for connecting to etcd in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// RequestTimeout is the max duration of one etcd request in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Heart Rate Fan-out Related Config

// SubscriberCacheConfig defines the subscriber set cache parameters
type SubscriberCacheConfig struct {
	// MaxEntries is the max number of owner entries held by the cache
	MaxEntries int `mapstructure:"max_entries" json:"max_entries" validate:"required,gte=1"`
	// IdleExpiry is the duration in seconds after which an entry which has not
	// been read is evicted
	IdleExpiry int `mapstructure:"idle_expiry_sec" json:"idle_expiry_sec" validate:"required,gte=1"`
	// SweepInterval is the duration in seconds between idle entry sweeps
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"required,gte=1"`
}

// RelayConfig defines the cross-instance reading relay parameters
type RelayConfig struct {
	// Subject is the NATS subject all instances exchange readings on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// MaxAge is the staleness cutoff in seconds; relayed readings older than
	// this are dropped on receive
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"required,gte=1"`
	// ReceiveWorkers is the number of workers decoding inbound relay messages
	ReceiveWorkers int `mapstructure:"receive_workers" json:"receive_workers" validate:"required,gte=1"`
	// ReceiveBuffer is the inbound relay message queue depth
	ReceiveBuffer int `mapstructure:"receive_buffer" json:"receive_buffer" validate:"required,gte=1"`
}

// FanoutConfig defines the heart rate fan-out core parameters
type FanoutConfig struct {
	// Cache is the subscriber set cache parameters
	Cache SubscriberCacheConfig `mapstructure:"subscriber_cache" json:"subscriber_cache" validate:"required,dive"`
	// Relay is the cross-instance relay parameters
	Relay RelayConfig `mapstructure:"relay" json:"relay" validate:"required,dive"`
	// ListenerBuffer is the per-listener delivery buffer depth; on overflow the
	// oldest buffered event is dropped
	ListenerBuffer int `mapstructure:"listener_buffer" json:"listener_buffer" validate:"required,gte=1"`
	// MaxLiveSessionsPerUser caps the concurrent live streams one user may hold
	MaxLiveSessionsPerUser int `mapstructure:"max_live_sessions_per_user" json:"max_live_sessions_per_user" validate:"required,gte=1"`
	// PipelineBuffer is the task queue depth of each intake pipeline handler
	PipelineBuffer int `mapstructure:"pipeline_buffer" json:"pipeline_buffer" validate:"required,gte=1"`
}

// AlertConfig defines the heart rate threshold alerting parameters
type AlertConfig struct {
	// HighThreshold readings above this trigger the alert sink
	HighThreshold float64 `mapstructure:"high_threshold" json:"high_threshold" validate:"required,gt=0"`
	// LowThreshold readings below this trigger the alert sink
	LowThreshold float64 `mapstructure:"low_threshold" json:"low_threshold" validate:"required,gt=0"`
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

// ===============================================================================
// Dataplane Server Related Config

// DataplaneEndpointConfig defines dataplane API endpoint config
type DataplaneEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the dataplane APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// DataplaneServerConfig defines configuration for the dataplane API server
type DataplaneServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the dataplane API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the dataplane API server
	Endpoints DataplaneEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Etcd are the etcd related config parameters
	Etcd EtcdConfig `mapstructure:"etcd" json:"etcd" validate:"required,dive"`
	// Fanout are the heart rate fan-out core configs
	Fanout FanoutConfig `mapstructure:"fanout" json:"fanout" validate:"required,dive"`
	// Alert are the threshold alerting configs
	Alert AlertConfig `mapstructure:"alert" json:"alert" validate:"required,dive"`
	// Dataplane are the dataplane API server configs
	Dataplane *DataplaneServerConfig `mapstructure:"dataplane,omitempty" json:"dataplane,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default etcd settings
	viper.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	viper.SetDefault("etcd.connect_timeout_sec", 15)
	viper.SetDefault("etcd.request_timeout_sec", 5)

	// Default fan-out core settings
	viper.SetDefault("fanout.subscriber_cache.max_entries", 4096)
	viper.SetDefault("fanout.subscriber_cache.idle_expiry_sec", 120)
	viper.SetDefault("fanout.subscriber_cache.sweep_interval_sec", 30)
	viper.SetDefault("fanout.relay.subject", "pulsemesh.readings")
	viper.SetDefault("fanout.relay.max_age_sec", 5)
	viper.SetDefault("fanout.relay.receive_workers", 4)
	viper.SetDefault("fanout.relay.receive_buffer", 64)
	viper.SetDefault("fanout.listener_buffer", 32)
	viper.SetDefault("fanout.max_live_sessions_per_user", 15)
	viper.SetDefault("fanout.pipeline_buffer", 64)

	// Default alert settings
	viper.SetDefault("alert.high_threshold", 190.0)
	viper.SetDefault("alert.low_threshold", 35.0)

	// Default Dataplane server settings
	viper.SetDefault("dataplane.endpoint_config.path_prefix", "/")
	viper.SetDefault("dataplane.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("dataplane.api_server.server_config.listen_port", 3001)
	viper.SetDefault("dataplane.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("dataplane.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"dataplane.api_server.logging_config.request_id_header", "Pulsemesh-Request-ID",
	)
	viper.SetDefault(
		"dataplane.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
