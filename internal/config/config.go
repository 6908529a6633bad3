package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration
type Config struct {
	// IRC side
	Nick          string `yaml:"nick"`
	Alternate     string `yaml:"alternate"`
	Server        string `yaml:"server"`
	Port          int    `yaml:"port"`
	UseTLS        bool   `yaml:"use_tls"`
	ServerPass    string `yaml:"server_pass"`
	IRCName       string `yaml:"irc_name"`
	Username      string `yaml:"username"`
	Channel       string `yaml:"channel"`
	CommandPrefix string `yaml:"command_prefix"`

	// MQTT side
	MQTTBroker      string `yaml:"mqtt_broker"`
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`

	// ACL datastore
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 6667
	}
	if c.Alternate == "" && c.Nick != "" {
		c.Alternate = c.Nick + "_"
	}
	if c.Username == "" {
		c.Username = c.Nick
	}
	if c.IRCName == "" {
		c.IRCName = c.Nick
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "~"
	}
	if c.MQTTBroker == "" {
		c.MQTTBroker = "tcp://localhost:1883"
	}
	if c.MQTTClientID == "" {
		c.MQTTClientID = "ircmq-" + uuid.NewString()
	}
	if c.MQTTTopicPrefix == "" {
		c.MQTTTopicPrefix = "GHBot/"
	}
	if c.DBDriver == "" {
		c.DBDriver = "mysql"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first setting that makes the configuration unusable.
func (c *Config) Validate() error {
	switch {
	case c.Server == "":
		return errors.New("config: server is required")
	case c.Nick == "":
		return errors.New("config: nick is required")
	case c.Channel == "":
		return errors.New("config: channel is required")
	case !strings.ContainsAny(c.Channel[:1], "#&"):
		return fmt.Errorf("config: channel %q must start with # or &", c.Channel)
	case len(c.CommandPrefix) != 1:
		return fmt.Errorf("config: command_prefix %q must be a single character", c.CommandPrefix)
	case c.DBDSN == "":
		return errors.New("config: db_dsn is required")
	}

	switch c.DBDriver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("config: unsupported db_driver %q", c.DBDriver)
	}
	return nil
}

// Addr returns the IRC server address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

// Prefix returns the command prefix character.
func (c *Config) Prefix() byte {
	return c.CommandPrefix[0]
}
