package outage

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by LoadConfig when the file does not exist
var ErrConfigNotFound = errors.New("config file not found")

// LoadConfig loads the service configuration from a YAML file.
// Defaults are applied before validation so a minimal file is enough.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.Pipeline.ApplyDefaults()
	if err := config.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if config.RefreshIntervalSeconds < 0 {
		return nil, fmt.Errorf("%w: refreshIntervalSeconds must not be negative", ErrInvalidConfig)
	}

	// Topics are only required once a broker is configured
	if config.MQTT.Broker != "" {
		if config.MQTT.ReadingsTopic == "" {
			return nil, fmt.Errorf("mqtt.readingsTopic is required when mqtt.broker is set")
		}
		if config.MQTT.EventsTopic == "" {
			return nil, fmt.Errorf("mqtt.eventsTopic is required when mqtt.broker is set")
		}
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// ApplyEnvOverrides lets MQTT_* environment variables take precedence over
// the file, matching how the broker settings are supplied in containers.
func ApplyEnvOverrides(config *Config) {
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		config.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_CLIENT_ID"); v != "" {
		config.MQTT.ClientID = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		config.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		config.MQTT.Password = v
	}
	if v := os.Getenv("MQTT_PUBLISH_PREFIX"); v != "" {
		config.MQTT.PublishPrefix = v
	}
}
