// Package config holds the local client configuration (file, environment
// and flags through viper) and the experiment configuration pushed by
// the control server.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const ENV_PREFIX = "EDGE"

type ControlConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

type StoreConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type NTPConfig struct {
	Polls   int           `mapstructure:"polls" yaml:"polls"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type ConnectConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

type StatusConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// ClientConfig is everything the client needs before it talks to the
// control server
type ClientConfig struct {
	Control   ControlConfig `mapstructure:"control" yaml:"control"`
	Store     StoreConfig   `mapstructure:"store" yaml:"store"`
	Transport string        `mapstructure:"transport" yaml:"transport"`
	NTP       NTPConfig     `mapstructure:"ntp" yaml:"ntp"`
	Connect   ConnectConfig `mapstructure:"connect" yaml:"connect"`
	Status    StatusConfig  `mapstructure:"status" yaml:"status"`
	Log       LogConfig     `mapstructure:"log" yaml:"log"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 1337)
	v.SetDefault("store.dir", "steps")
	v.SetDefault("transport", "TCP")
	v.SetDefault("ntp.polls", 11)
	v.SetDefault("ntp.timeout", 100*time.Millisecond)
	v.SetDefault("connect.timeout", 100*time.Millisecond)
	v.SetDefault("connect.backoff", 100*time.Millisecond)
	v.SetDefault("status.addr", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// LoadDotEnv loads the given .env files (or ./.env). Missing files are
// not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("could not load %s: %w", p, err)
		}
		log.Debugf("[Config] Loaded environment from %s", p)
	}
	return nil
}

// Load reads the client configuration from file (optional), EDGE_*
// environment variables and whatever flags were bound to v
func Load(v *viper.Viper, file string) (*ClientConfig, error) {
	SetDefaults(v)
	v.SetEnvPrefix(ENV_PREFIX)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("could not read config file %s: %w", file, err)
		}
		log.Debugf("[Config] Using config file %s", v.ConfigFileUsed())
	}

	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.Control.Host == "" {
		return errors.New("control.host must be set")
	}
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("control.port %d out of range", c.Control.Port)
	}
	if c.Store.Dir == "" {
		return errors.New("store.dir must be set")
	}
	switch strings.ToUpper(c.Transport) {
	case "TCP", "QUIC":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.NTP.Polls <= 0 {
		return fmt.Errorf("ntp.polls must be positive, got %d", c.NTP.Polls)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c *ClientConfig) ControlAddr() string {
	return net.JoinHostPort(c.Control.Host, strconv.Itoa(c.Control.Port))
}

// YAML renders the effective configuration
func (c *ClientConfig) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
