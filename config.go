package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"
)

// Config holds the application configuration
type Config struct {
	// BindAddress is the address the server listens on (e.g. "0.0.0.0:8080").
	// Empty disables the HTTP API.
	BindAddress string `toml:"bind_address" envconfig:"BIND_ADDRESS"`
	// SerialPort is the path to the modem's serial port (e.g. "/dev/ttyUSB0")
	SerialPort string `toml:"serial_port" envconfig:"SERIAL_PORT"`
	// BaudRate is the baud rate for serial communication with the modem (e.g. 115200)
	BaudRate int `toml:"baud_rate" envconfig:"BAUD_RATE"`
	// LogLevel sets the logging level (e.g. "debug", "info", "warn", "error")
	LogLevel string `toml:"log_level" envconfig:"LOG_LEVEL"`
	// LogFormat selects the log handler: "json" or "console"
	LogFormat string `toml:"log_format" envconfig:"LOG_FORMAT"`
	// SimPIN is the SIM card PIN code
	SimPIN string `toml:"sim_pin" envconfig:"SIM_PIN"`
	// EchoOn keeps command echo enabled on the modem
	EchoOn bool `toml:"echo" envconfig:"ECHO"`
	// HTTPToken, when set, is required as a bearer token on every API call
	HTTPToken string `toml:"http_token" envconfig:"HTTP_TOKEN"`
	// RatePerMin caps the number of messages sent per minute
	RatePerMin int `toml:"rate_per_min" envconfig:"RATE_PER_MIN"`
	// MaxRetries is how often a failed send is attempted again
	MaxRetries int `toml:"max_retries" envconfig:"MAX_RETRIES"`

	MQTT MQTTConfig `toml:"mqtt" envconfig:"MQTT"`
}

// MQTTConfig configures the MQTT bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker   string `toml:"broker" envconfig:"BROKER"`
	ClientID string `toml:"client_id" envconfig:"CLIENT_ID"`
	Username string `toml:"username" envconfig:"USERNAME"`
	Password string `toml:"password" envconfig:"PASSWORD"`
	// Topic receives send requests.
	Topic string `toml:"topic" envconfig:"TOPIC"`
	// EventsTopic is the prefix modem events are published under.
	EventsTopic string `toml:"events_topic" envconfig:"EVENTS_TOPIC"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.RatePerMin <= 0 {
		return fmt.Errorf("config: rate_per_min must be positive, got %d", c.RatePerMin)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative, got %d", c.MaxRetries)
	}
	return nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.SerialPort = "/dev/ttyUSB0"
		c.BaudRate = 115200
		c.LogLevel = "info"
		c.LogFormat = "json"
		c.RatePerMin = 30
		c.MaxRetries = 3
		c.MQTT.ClientID = "sms-gw-1"
		c.MQTT.Topic = "sms/send"
		c.MQTT.EventsTopic = "sms/events"
		return nil
	}
}

// WithFile loads configuration from a TOML file. Keys missing from the
// file keep their current value; an empty path is a no-op.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		defer f.Close()

		if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(c); err != nil {
			return fmt.Errorf("config: decode %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables. Unset
// variables keep the current value.
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if err := envconfig.Process("", c); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return nil
	}
}

// WithFlags loads configuration from command-line flags. Only flags set
// on the command line are applied.
func WithFlags(fSet *pflag.FlagSet) ConfigOption {
	return func(c *Config) error {
		var err error
		fSet.Visit(func(f *pflag.Flag) {
			if err != nil {
				return
			}
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				c.BaudRate, err = fSet.GetInt(f.Name)
			case "log-level":
				c.LogLevel = f.Value.String()
			case "log-format":
				c.LogFormat = f.Value.String()
			case "sim-pin":
				c.SimPIN = f.Value.String()
			case "echo":
				c.EchoOn, err = fSet.GetBool(f.Name)
			case "http-token":
				c.HTTPToken = f.Value.String()
			case "rate-per-min":
				c.RatePerMin, err = fSet.GetInt(f.Name)
			case "max-retries":
				c.MaxRetries, err = fSet.GetInt(f.Name)
			case "mqtt-broker":
				c.MQTT.Broker = f.Value.String()
			}
		})
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		return nil
	}
}
