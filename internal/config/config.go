package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"auth"`
	Collab struct {
		// All windows are tunable defaults, in seconds.
		HeartbeatTTLSeconds int `mapstructure:"heartbeatTtlSeconds"`
		LockTTLSeconds      int `mapstructure:"lockTtlSeconds"`
		LockSweepSeconds    int `mapstructure:"lockSweepSeconds"`
	} `mapstructure:"collab"`
}

// Load reads collabConfig.yaml from the first of the given directories that
// has one (defaults cover launching from the repo root or from cmd/collabd)
// and fills in defaults for anything the file leaves out.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Running.Port == 0 {
		c.Running.Port = 3003
	}
	if c.Collab.HeartbeatTTLSeconds == 0 {
		c.Collab.HeartbeatTTLSeconds = 30
	}
	if c.Collab.LockTTLSeconds == 0 {
		c.Collab.LockTTLSeconds = 300
	}
	if c.Collab.LockSweepSeconds == 0 {
		c.Collab.LockSweepSeconds = 30
	}
}

func (c *Config) HeartbeatTTL() time.Duration {
	return time.Duration(c.Collab.HeartbeatTTLSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Collab.LockTTLSeconds) * time.Second
}

func (c *Config) LockSweepInterval() time.Duration {
	return time.Duration(c.Collab.LockSweepSeconds) * time.Second
}
