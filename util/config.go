package util

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "mammut"
const ConfigFileName = "config.yaml"
const EnvFileName = ".env"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host             string
		HttpPort         int           `yaml:"httpPort"`
		SslDomain        string        `yaml:"sslDomain"`
		DatabasePath     string        `yaml:"databasePath"`
		TimelinePath     string        `yaml:"timelinePath"`
		MaxItems         int           `yaml:"maxItems"`
		ReblogFalloff    int           `yaml:"reblogFalloff"`
		SignatureWindow  int           `yaml:"signatureWindow"` // seconds
		ResolveFreshness time.Duration `yaml:"resolveFreshness"`
		LockTTL          time.Duration `yaml:"lockTTL"`
		HttpTimeout      time.Duration `yaml:"httpTimeout"`
		DeliveryTimeout  time.Duration `yaml:"deliveryTimeout"`
		Workers          int
		Debug            bool
		WithMetrics      bool `yaml:"withMetrics"`
	}
}

// ReadConf loads the configuration from the resolved config file (falling
// back to the embedded defaults), then applies .env and MAMMUT_* overrides.
func ReadConf() (*AppConfig, error) {
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := filepath.Join(configDir, ConfigFileName)
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	return ParseConf(buf)
}

// ParseConf decodes YAML on top of the embedded defaults and applies the
// environment overrides.
func ParseConf(buf []byte) (*AppConfig, error) {
	c := &AppConfig{}
	if err := yaml.Unmarshal(embeddedConfig, c); err != nil {
		return nil, fmt.Errorf("in embedded config: %w", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := godotenv.Load(EnvFileName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("in %s: %w", EnvFileName, err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	if v := os.Getenv("MAMMUT_HOST"); v != "" {
		c.Conf.Host = v
	}
	if v := os.Getenv("MAMMUT_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}
	if v := os.Getenv("MAMMUT_DATABASE"); v != "" {
		c.Conf.DatabasePath = v
	}
	if v, ok := os.LookupEnv("MAMMUT_TIMELINES"); ok {
		c.Conf.TimelinePath = v
	}
	if os.Getenv("MAMMUT_DEBUG") == "true" {
		c.Conf.Debug = true
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"MAMMUT_HTTPPORT", &c.Conf.HttpPort},
		{"MAMMUT_MAX_ITEMS", &c.Conf.MaxItems},
		{"MAMMUT_REBLOG_FALLOFF", &c.Conf.ReblogFalloff},
		{"MAMMUT_WORKERS", &c.Conf.Workers},
	}
	for _, i := range ints {
		v := os.Getenv(i.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", i.env, err)
		}
		*i.dst = n
	}
	return nil
}

// Validate rejects configurations the feed engine cannot honour.
func (c *AppConfig) Validate() error {
	if c.Conf.SslDomain == "" {
		return errors.New("sslDomain must be set")
	}
	if c.Conf.MaxItems <= 0 {
		return fmt.Errorf("maxItems must be positive, got %d", c.Conf.MaxItems)
	}
	if c.Conf.ReblogFalloff <= 0 || c.Conf.ReblogFalloff > c.Conf.MaxItems {
		return fmt.Errorf("reblogFalloff must be between 1 and maxItems (%d), got %d", c.Conf.MaxItems, c.Conf.ReblogFalloff)
	}
	return nil
}

// SignatureWindowDuration returns the allowed Date header skew.
func (c *AppConfig) SignatureWindowDuration() time.Duration {
	return time.Duration(c.Conf.SignatureWindow) * time.Second
}
