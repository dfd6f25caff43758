package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smsgw.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(WithDefaults())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", config.BindAddress)
	assert.Equal(t, "/dev/ttyUSB0", config.SerialPort)
	assert.Equal(t, 115200, config.BaudRate)
	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, "json", config.LogFormat)
	assert.Equal(t, 30, config.RatePerMin)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, "sms/send", config.MQTT.Topic)
	assert.Empty(t, config.MQTT.Broker)
}

func TestLoadConfigLayers(t *testing.T) {
	path := writeConfigFile(t, `
serial_port = "/dev/ttyUSB2"
baud_rate = 9600
log_level = "debug"
rate_per_min = 10

[mqtt]
broker = "tcp://broker:1883"
topic = "gw/send"
`)
	t.Setenv("BAUD_RATE", "57600")
	t.Setenv("SIM_PIN", "1980")
	t.Setenv("MQTT_TOPIC", "env/send")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log-level", "info", "")
	fs.String("serial-port", "", "")
	fs.Int("max-retries", 3, "")
	require.NoError(t, fs.Parse([]string{"--log-level=warn", "--max-retries=5"}))

	config, err := LoadConfig(WithDefaults(), WithFile(path), WithEnv(), WithFlags(fs))
	require.NoError(t, err)

	// file over defaults
	assert.Equal(t, "/dev/ttyUSB2", config.SerialPort)
	assert.Equal(t, 10, config.RatePerMin)
	assert.Equal(t, "tcp://broker:1883", config.MQTT.Broker)
	// env over file
	assert.Equal(t, 57600, config.BaudRate)
	assert.Equal(t, "1980", config.SimPIN)
	assert.Equal(t, "env/send", config.MQTT.Topic)
	// flags over env, unset flags ignored
	assert.Equal(t, "warn", config.LogLevel)
	assert.Equal(t, 5, config.MaxRetries)
	// untouched
	assert.Equal(t, "0.0.0.0:8080", config.BindAddress)
	assert.Equal(t, "sms/events", config.MQTT.EventsTopic)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("Unknown key in file", func(t *testing.T) {
		path := writeConfigFile(t, `serial_prot = "/dev/ttyUSB2"`)
		_, err := LoadConfig(WithDefaults(), WithFile(path))
		assert.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadConfig(WithDefaults(), WithFile(filepath.Join(t.TempDir(), "none.toml")))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Malformed environment", func(t *testing.T) {
		t.Setenv("RATE_PER_MIN", "many")
		_, err := LoadConfig(WithDefaults(), WithEnv())
		assert.Error(t, err)
	})

	t.Run("Unknown log format", func(t *testing.T) {
		t.Setenv("LOG_FORMAT", "xml")
		_, err := LoadConfig(WithDefaults(), WithEnv())
		assert.ErrorContains(t, err, "log format")
	})

	t.Run("Non-positive rate", func(t *testing.T) {
		fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
		fs.Int("rate-per-min", 30, "")
		require.NoError(t, fs.Parse([]string{"--rate-per-min=0"}))
		_, err := LoadConfig(WithDefaults(), WithFlags(fs))
		assert.ErrorContains(t, err, "rate_per_min")
	})
}
