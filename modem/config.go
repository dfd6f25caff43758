package modem

import (
	"log/slog"
	"time"

	"i4.energy/across/atmodem/pdu"
)

func (c *Config) validate() error {
	if c.Dialer == nil {
		return ErrNoDialer
	}
	return nil
}

// Config holds the settings of a Modem session. Use NewConfigBuilder to
// obtain one with defaults applied.
type Config struct {
	Dialer Dialer
	Codec  pdu.Codec
	Logger *slog.Logger
	SimPIN string
	// MinSendInterval and MaxRetries pace and retry queued gateway sends.
	MinSendInterval time.Duration
	MaxRetries      int
	// EchoOn leaves command echo enabled during Init. Echoes are stripped
	// either way.
	EchoOn bool
	// ATTimeout is the default timeout of a job.
	ATTimeout   time.Duration
	InitTimeout time.Duration
	// MaxPartials bounds how many incomplete multi-part messages are kept;
	// PartialTTL expires those whose first part is older.
	MaxPartials   int
	PartialTTL    time.Duration
	MaxLineLength int
}

func (c *Config) setDefaults() {
	if c.Codec == nil {
		c.Codec = pdu.NewCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MinSendInterval == 0 {
		c.MinSendInterval = time.Minute / 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.ATTimeout == 0 {
		c.ATTimeout = 60 * time.Second
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.MaxPartials == 0 {
		c.MaxPartials = 256
	}
	if c.PartialTTL == 0 {
		c.PartialTTL = 24 * time.Hour
	}
	if c.MaxLineLength == 0 {
		c.MaxLineLength = 64 * 1024
	}
}

// ConfigBuilder assembles a Config step by step.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.Dialer = d
	return b
}

func (b *ConfigBuilder) WithCodec(c pdu.Codec) *ConfigBuilder {
	b.config.Codec = c
	return b
}

func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.config.Logger = l
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.SimPIN = pin
	return b
}

func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.MinSendInterval = d
	return b
}

func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.MaxRetries = n
	return b
}

func (b *ConfigBuilder) WithEcho(on bool) *ConfigBuilder {
	b.config.EchoOn = on
	return b
}

func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.ATTimeout = d
	return b
}

func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.InitTimeout = d
	return b
}

// WithPartialRetention bounds the reassembly table.
func (b *ConfigBuilder) WithPartialRetention(maxPartials int, ttl time.Duration) *ConfigBuilder {
	b.config.MaxPartials = maxPartials
	b.config.PartialTTL = ttl
	return b
}

// Build applies defaults and validates the configuration.
func (b *ConfigBuilder) Build() (Config, error) {
	c := b.config
	c.setDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
