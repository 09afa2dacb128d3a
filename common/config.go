package common

import (
	"fmt"

	"github.com/spf13/viper"
)

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
// Cluster Related Config

// ClusterConfig defines how the nodes of a deployment coordinate
type ClusterConfig struct {
	// Mode is either "local" (single node) or "nats" (JetStream KV backed)
	Mode string `mapstructure:"mode" json:"mode" validate:"required,oneof=local nats"`
	// LockBucket is the JetStream KV bucket holding the cluster locks
	LockBucket string `mapstructure:"lock_bucket" json:"lock_bucket" validate:"required"`
	// StateBucket is the JetStream KV bucket holding shared timestamps
	StateBucket string `mapstructure:"state_bucket" json:"state_bucket" validate:"required"`
	// LeaseTTL is the lock lease duration in seconds
	LeaseTTL int `mapstructure:"lease_ttl_sec" json:"lease_ttl_sec" validate:"gte=1"`
	// ReplicationSubject is the NATS subject registry changes are broadcast on
	ReplicationSubject string `mapstructure:"replication_subject" json:"replication_subject" validate:"required"`
	// SyncTimeout is how long a starting node waits for a registry snapshot from its peers in seconds
	SyncTimeout int `mapstructure:"sync_timeout_sec" json:"sync_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Subscription Lifecycle Related Config

// HealthCheckConfig defines the health supervisor timing
type HealthCheckConfig struct {
	// TickInterval is how often the supervisor wakes up in seconds
	TickInterval int `mapstructure:"tick_interval_sec" json:"tick_interval_sec" validate:"gte=1"`
	// RunInterval is the min duration between two full health checks in seconds
	RunInterval int `mapstructure:"run_interval_sec" json:"run_interval_sec" validate:"gte=1"`
	// LockKey is the cluster lock guarding the health check
	LockKey string `mapstructure:"lock_key" json:"lock_key" validate:"required"`
}

// TriggerConfig defines the ephemeral trigger parameters
type TriggerConfig struct {
	// Timeout is the max duration to wait for a fired action in seconds
	Timeout int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"gte=1"`
	// Workers is the number of workers executing fired actions
	Workers int `mapstructure:"workers" json:"workers" validate:"gte=1"`
}

// RetryConfig defines the outbound connection retry parameters
type RetryConfig struct {
	// MaxAttempts is the max number of attempts, including the first one
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=1"`
	// InitialDelay is the delay before the first retry in seconds. Each later retry doubles it.
	InitialDelay int `mapstructure:"initial_delay_sec" json:"initial_delay_sec" validate:"gte=1"`
}

// Backoff is the total wait between the attempts in seconds
func (c RetryConfig) Backoff() int {
	total := 0
	delay := c.InitialDelay
	for attempt := 1; attempt < c.MaxAttempts; attempt++ {
		total += delay
		delay *= 2
	}
	return total
}

// OutboundConfig defines parameters for calls towards the data providers
type OutboundConfig struct {
	// Retry defines the connection retry parameters
	Retry RetryConfig `mapstructure:"retry" json:"retry" validate:"required,dive"`
	// RequestorRef is the requestor identity sent to providers. Generated if empty.
	RequestorRef string `mapstructure:"requestor_ref" json:"requestor_ref"`
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

// InboundConfig defines the endpoint providers deliver to
type InboundConfig struct {
	// BaseURL is the externally reachable address of the inbound endpoint
	BaseURL string `mapstructure:"base_url" json:"base_url" validate:"required,url"`
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
}

// DeliveryConfig defines where received payloads are handed off
type DeliveryConfig struct {
	// Publish whether payloads are published on NATS. Otherwise they are discarded.
	Publish bool `mapstructure:"publish" json:"publish"`
	// SubjectPrefix is the NATS subject prefix payloads are published under
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// StreamName is the JetStream stream retaining published payloads
	StreamName string `mapstructure:"stream_name" json:"stream_name" validate:"required"`
	// MaxAge is how long published payloads are retained in seconds. 0 keeps them.
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
	// MaxBytes is the max size of the stream. 0 is unlimited.
	MaxBytes int64 `mapstructure:"max_bytes" json:"max_bytes" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Instance is the name of this node. Defaults to the hostname.
	Instance string `mapstructure:"instance" json:"instance"`
	// Environment is the deployment scope used to filter subscriptions
	Environment string `mapstructure:"environment" json:"environment"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Cluster are the cluster coordination parameters
	Cluster ClusterConfig `mapstructure:"cluster" json:"cluster" validate:"required,dive"`
	// HealthCheck are the health supervisor parameters
	HealthCheck HealthCheckConfig `mapstructure:"health_check" json:"health_check" validate:"required,dive"`
	// Trigger are the ephemeral trigger parameters
	Trigger TriggerConfig `mapstructure:"trigger" json:"trigger" validate:"required,dive"`
	// Outbound are the provider call parameters
	Outbound OutboundConfig `mapstructure:"outbound" json:"outbound" validate:"required,dive"`
	// Inbound are the inbound delivery endpoint parameters
	Inbound InboundConfig `mapstructure:"inbound" json:"inbound" validate:"required,dive"`
	// Delivery are the payload hand-off parameters
	Delivery DeliveryConfig `mapstructure:"delivery" json:"delivery" validate:"required,dive"`
	// SubscriptionsFile is the YAML file listing the subscriptions
	SubscriptionsFile string `mapstructure:"subscriptions_file" json:"subscriptions_file"`
}

// CheckTriggerTimeout verify a fired action can live through every provider retry
func (c *SystemConfig) CheckTriggerTimeout() error {
	if backoff := c.Outbound.Retry.Backoff(); c.Trigger.Timeout <= backoff {
		return fmt.Errorf(
			"trigger timeout %ds does not cover the %ds of retry backoff", c.Trigger.Timeout, backoff,
		)
	}
	return nil
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default cluster settings
	viper.SetDefault("cluster.mode", "local")
	viper.SetDefault("cluster.lock_bucket", "sirimux-locks")
	viper.SetDefault("cluster.state_bucket", "sirimux-state")
	viper.SetDefault("cluster.lease_ttl_sec", 60)
	viper.SetDefault("cluster.replication_subject", "sirimux.registry")
	viper.SetDefault("cluster.sync_timeout_sec", 5)

	// Default lifecycle settings
	viper.SetDefault("health_check.tick_interval_sec", 5)
	viper.SetDefault("health_check.run_interval_sec", 30)
	viper.SetDefault("health_check.lock_key", "sirimux.healthcheck")
	viper.SetDefault("trigger.timeout_sec", 5400)
	viper.SetDefault("trigger.workers", 4)
	viper.SetDefault("outbound.retry.max_attempts", 10)
	viper.SetDefault("outbound.retry.initial_delay_sec", 10)

	// Default inbound server settings
	viper.SetDefault("inbound.base_url", "http://127.0.0.1:8012")
	viper.SetDefault("inbound.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("inbound.api_server.server_config.listen_port", 8012)
	viper.SetDefault("inbound.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("inbound.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("inbound.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"inbound.api_server.logging_config.request_id_header", "Sirimux-Request-ID",
	)
	viper.SetDefault(
		"inbound.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default delivery settings
	viper.SetDefault("delivery.publish", false)
	viper.SetDefault("delivery.subject_prefix", "sirimux.delivery")
	viper.SetDefault("delivery.stream_name", "SIRIMUX_DELIVERY")
	viper.SetDefault("delivery.max_age_sec", 3600)
	viper.SetDefault("delivery.max_bytes", 0)
}
