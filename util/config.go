package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const Name = "tusker"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host      string
		HttpPort  int    `yaml:"httpPort"`
		SslDomain string `yaml:"sslDomain"`
		WithAp    bool   `yaml:"withAp"`
		Database  string `yaml:"database"`
		LogLevel  string `yaml:"logLevel"`
	}
	Auth struct {
		JwtSecret string `yaml:"jwtSecret"`
	}
	Federation struct {
		VerifySignatures bool          `yaml:"verifySignatures"`
		Timeout          time.Duration `yaml:"timeout"`
	}
	Delivery struct {
		Queue    bool          `yaml:"queue"`
		Interval time.Duration `yaml:"interval"`
		Batch    int           `yaml:"batch"`
	}
	Cache struct {
		Driver string        `yaml:"driver"` // none, memory, memcached or redis
		Addr   string        `yaml:"addr"`
		Ttl    time.Duration `yaml:"ttl"`
	}
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		Db       int    `yaml:"db"`
	}
	Notify struct {
		Channel string `yaml:"channel"`
	}
	Trace struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	}

	// Source is the file the configuration was read from, or "embedded".
	Source string `yaml:"-"`
}

// Domain is the public host name actor ids are minted under.
func (c *AppConfig) Domain() string {
	if c.Conf.SslDomain != "" {
		return c.Conf.SslDomain
	}
	return c.Conf.Host
}

// BaseURL is the scheme and host of this server.
func (c *AppConfig) BaseURL() string {
	if c.Conf.SslDomain != "" {
		return "https://" + c.Conf.SslDomain
	}
	return fmt.Sprintf("http://%s:%d", c.Conf.Host, c.Conf.HttpPort)
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		buf = embeddedConfig
		c.Source = "embedded"

		if configDir, dirErr := GetConfigDir(); dirErr == nil {
			_ = os.WriteFile(configDir+"/"+ConfigFileName, embeddedConfig, 0644)
		}
	} else {
		c.Source = configPath
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return c, nil
}

func (c *AppConfig) applyEnv() error {
	strs := map[string]*string{
		"TUSKER_HOST":           &c.Conf.Host,
		"TUSKER_SSLDOMAIN":      &c.Conf.SslDomain,
		"TUSKER_DATABASE":       &c.Conf.Database,
		"TUSKER_LOG_LEVEL":      &c.Conf.LogLevel,
		"TUSKER_JWT_SECRET":     &c.Auth.JwtSecret,
		"TUSKER_CACHE_DRIVER":   &c.Cache.Driver,
		"TUSKER_CACHE_ADDR":     &c.Cache.Addr,
		"TUSKER_REDIS_ADDR":     &c.Redis.Addr,
		"TUSKER_REDIS_PASSWORD": &c.Redis.Password,
		"TUSKER_NOTIFY_CHANNEL": &c.Notify.Channel,
		"TUSKER_TRACE_ENDPOINT": &c.Trace.Endpoint,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"TUSKER_HTTPPORT":       &c.Conf.HttpPort,
		"TUSKER_REDIS_DB":       &c.Redis.Db,
		"TUSKER_DELIVERY_BATCH": &c.Delivery.Batch,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	bools := map[string]*bool{
		"TUSKER_WITH_AP":           &c.Conf.WithAp,
		"TUSKER_VERIFY_SIGNATURES": &c.Federation.VerifySignatures,
		"TUSKER_DELIVERY_QUEUE":    &c.Delivery.Queue,
		"TUSKER_TRACE_ENABLED":     &c.Trace.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}

	durations := map[string]*time.Duration{
		"TUSKER_DELIVERY_INTERVAL": &c.Delivery.Interval,
		"TUSKER_CACHE_TTL":         &c.Cache.Ttl,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.Host == "" {
		c.Conf.Host = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.Database == "" {
		c.Conf.Database = "database.db"
	}
	if c.Federation.Timeout == 0 {
		c.Federation.Timeout = 10 * time.Second
	}
	if c.Delivery.Interval == 0 {
		c.Delivery.Interval = 10 * time.Second
	}
	if c.Delivery.Batch == 0 {
		c.Delivery.Batch = 10
	}
	if c.Cache.Driver == "" {
		c.Cache.Driver = "none"
	}
	if c.Cache.Ttl == 0 {
		c.Cache.Ttl = 30 * time.Second
	}
	if c.Notify.Channel == "" {
		c.Notify.Channel = Name + ":notifications"
	}
}
