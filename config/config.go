package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Identity struct {
	KeyFile string `yaml:"keyFile"`
	Secret  string `yaml:"secret"` // unlocks the encrypted key file
}

type Timeouts struct {
	Request   time.Duration `yaml:"request"`   // per storage-server request
	Discovery time.Duration `yaml:"discovery"` // per relay round
}

type CacheConfig struct {
	MediaTTL time.Duration `yaml:"mediaTTL"` // merged media view
	ProbeTTL time.Duration `yaml:"probeTTL"` // confirmed-presence results
	BytesDir string        `yaml:"bytesDir"` // mirror byte cache, empty = in-memory
	BytesTTL time.Duration `yaml:"bytesTTL"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // requests per second, per server
	Burst int     `yaml:"burst"`
}

type Config struct {
	Relays        []string          `yaml:"relays"`                  // default discovery set
	PublishRelays []string          `yaml:"publishRelays,omitempty"` // overrides where list events go
	Identity      Identity          `yaml:"identity"`
	Timeouts      Timeouts          `yaml:"timeouts"`
	Cache         CacheConfig       `yaml:"cache"`
	RateLimiter   RateLimiterConfig `yaml:"rateLimiter"`
	SkipVerify    bool              `yaml:"skipVerify"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrRelaysMissing            = errors.New("relays are missing in config")
	ErrIdentityKeyFileMissing   = errors.New("identity.keyFile is missing in config")
	ErrIdentitySecretMissing    = errors.New("identity.secret is missing in config")
)

const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
	DefaultMediaTTL         = 5 * time.Minute
	DefaultProbeTTL         = 30 * time.Second
	DefaultBytesTTL         = time.Hour
	DefaultRateLimit        = 10.0
	DefaultRateBurst        = 20
)

func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) Validate() error {
	if len(c.Relays) == 0 {
		return ErrRelaysMissing
	}
	if c.Identity.KeyFile == "" {
		return ErrIdentityKeyFileMissing
	}
	if c.Identity.Secret == "" {
		return ErrIdentitySecretMissing
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = DefaultRequestTimeout
	}
	if c.Timeouts.Discovery == 0 {
		c.Timeouts.Discovery = DefaultDiscoveryTimeout
	}
	if c.Cache.MediaTTL == 0 {
		c.Cache.MediaTTL = DefaultMediaTTL
	}
	if c.Cache.ProbeTTL == 0 {
		c.Cache.ProbeTTL = DefaultProbeTTL
	}
	if c.Cache.BytesTTL == 0 {
		c.Cache.BytesTTL = DefaultBytesTTL
	}
	if c.RateLimiter.Limit == 0 {
		c.RateLimiter.Limit = DefaultRateLimit
	}
	if c.RateLimiter.Burst == 0 {
		c.RateLimiter.Burst = DefaultRateBurst
	}
}
