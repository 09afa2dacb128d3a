package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(5, cfg.HealthCheck.TickInterval)
		assert.Equal(30, cfg.HealthCheck.RunInterval)
		assert.Equal("sirimux.healthcheck", cfg.HealthCheck.LockKey)
		assert.Equal(10, cfg.Outbound.Retry.MaxAttempts)
		assert.Equal(10, cfg.Outbound.Retry.InitialDelay)
		assert.Equal("local", cfg.Cluster.Mode)
		assert.Equal(5, cfg.Cluster.SyncTimeout)
		assert.False(cfg.Delivery.Publish)
		assert.Equal("SIRIMUX_DELIVERY", cfg.Delivery.StreamName)
		assert.Equal(5110, cfg.Outbound.Retry.Backoff())
		assert.Nil(cfg.CheckTriggerTimeout())
	}

	// Case 2: invalid config
	{
		config := []byte(`---
inbound:
  api_server:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid config
	{
		config := []byte(`---
cluster:
  mode: zookeeper`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: valid override
	{
		config := []byte(`---
environment: test
health_check:
  run_interval_sec: 45
cluster:
  mode: nats`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(45, cfg.HealthCheck.RunInterval)
		assert.Equal("nats", cfg.Cluster.Mode)
		assert.Equal("test", cfg.Environment)
	}

	// Case 5: trigger timeout shorter than the retry backoff
	{
		config := []byte(`---
trigger:
  timeout_sec: 300`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.CheckTriggerTimeout())

		cfg.Outbound.Retry.MaxAttempts = 5
		assert.Equal(150, cfg.Outbound.Retry.Backoff())
		assert.Nil(cfg.CheckTriggerTimeout())
	}
}
