package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when the file leaves a field empty.
const (
	DefaultTokenURL      = "https://www.googleapis.com/oauth2/v4/token"
	DefaultSDMBaseURL    = "https://smartdevicemanagement.googleapis.com/"
	DefaultTopicProject  = "sdm-prod"
	DefaultTopic         = "enterprise-afe1d925-161d-4cdd-9947-6115089782fa"
	DefaultSubscription  = "homebridge_system_events"
	DefaultBridgeName    = "Nest Bridge"
	DefaultHomeKitPin    = "00102003"
	DefaultHomeKitPort   = 51826
	DefaultStoragePath   = "./hap"
	DefaultDatabasePath  = "./nestbridge.db"
	DefaultAPIPort       = 8081
	DefaultLogLevel      = "info"
	DefaultNamespace     = "nestbridge"
)

// Config is the parsed config.yaml
type Config struct {
	ClientID       string       `yaml:"client_id"`
	ClientSecret   string       `yaml:"client_secret"`
	RefreshToken   string       `yaml:"refresh_token"`
	ProjectID      string       `yaml:"project_id"`
	ServiceAccount string       `yaml:"service_account"`
	Thermostats    []Thermostat `yaml:"thermostats"`
	Access         Access       `yaml:"access"`
	PubSub         PubSub       `yaml:"pubsub"`
	HomeKit        HomeKit      `yaml:"homekit"`
	Statsd         Statsd       `yaml:"statsd"`
	DatabasePath   string       `yaml:"database_path"`
	APIPort        int          `yaml:"api_port"`
	LogLevel       string       `yaml:"log_level"`
	SDMBaseURL     string       `yaml:"sdm_base_url"`
	TokenURL       string       `yaml:"token_url"`
}

// Thermostat describes one configured device. It is immutable once loaded.
type Thermostat struct {
	DeviceID     string `yaml:"device_id" json:"device_id"`
	Name         string `yaml:"name" json:"name"`
	SerialNumber string `yaml:"serial_number" json:"serial_number"`
}

// Access is an optional previously issued access token.
type Access struct {
	Token string `yaml:"token"`

	// Expiration is epoch milliseconds.
	Expiration int64 `yaml:"expiration"`
}

// ExpiresAt returns the expiration as a time, or the zero time if unset.
func (a Access) ExpiresAt() time.Time {
	if a.Expiration == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.Expiration)
}

// PubSub configures the device event subscription.
type PubSub struct {
	// ProjectID owns the subscription. Defaults to the top-level project_id.
	ProjectID    string `yaml:"project_id"`
	TopicProject string `yaml:"topic_project"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"`
	ApplyUpdates bool   `yaml:"apply_updates"`
	Disabled     bool   `yaml:"disabled"`
}

// HomeKit configures the HAP bridge.
type HomeKit struct {
	BridgeName  string `yaml:"bridge_name"`
	Pin         string `yaml:"pin"`
	Port        int    `yaml:"port"`
	StoragePath string `yaml:"storage_path"`
}

// Statsd configures optional DogStatsD metrics. Empty address disables them.
type Statsd struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// Load reads the YAML file at path, applies NEST_* environment overrides,
// fills defaults and validates the result.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	logger.Info("Config loaded successfully",
		zap.String("project_id", cfg.ProjectID),
		zap.Int("thermostats", len(cfg.Thermostats)))
	return cfg, nil
}

// Parse decodes, overrides, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	strOverrides := map[string]*string{
		"NEST_CLIENT_ID":       &c.ClientID,
		"NEST_CLIENT_SECRET":   &c.ClientSecret,
		"NEST_REFRESH_TOKEN":   &c.RefreshToken,
		"NEST_PROJECT_ID":      &c.ProjectID,
		"NEST_SERVICE_ACCOUNT": &c.ServiceAccount,
		"NEST_LOG_LEVEL":       &c.LogLevel,
		"NEST_DATABASE_PATH":   &c.DatabasePath,
		"NEST_HOMEKIT_PIN":     &c.HomeKit.Pin,
		"NEST_STATSD_ADDRESS":  &c.Statsd.Address,
	}
	for key, field := range strOverrides {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*field = v
		}
	}

	if v := os.Getenv("NEST_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid NEST_API_PORT %q: %w", v, err)
		}
		c.APIPort = port
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.TokenURL == "" {
		c.TokenURL = DefaultTokenURL
	}
	if c.SDMBaseURL == "" {
		c.SDMBaseURL = DefaultSDMBaseURL
	}
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = c.ProjectID
	}
	if c.PubSub.TopicProject == "" {
		c.PubSub.TopicProject = DefaultTopicProject
	}
	if c.PubSub.Topic == "" {
		c.PubSub.Topic = DefaultTopic
	}
	if c.PubSub.Subscription == "" {
		c.PubSub.Subscription = DefaultSubscription
	}
	if c.HomeKit.BridgeName == "" {
		c.HomeKit.BridgeName = DefaultBridgeName
	}
	if c.HomeKit.Pin == "" {
		c.HomeKit.Pin = DefaultHomeKitPin
	}
	if c.HomeKit.Port == 0 {
		c.HomeKit.Port = DefaultHomeKitPort
	}
	if c.HomeKit.StoragePath == "" {
		c.HomeKit.StoragePath = DefaultStoragePath
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.APIPort == 0 {
		c.APIPort = DefaultAPIPort
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Statsd.Namespace == "" {
		c.Statsd.Namespace = DefaultNamespace
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("client_id and client_secret are required")
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("refresh_token is required")
	}
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if len(c.Thermostats) == 0 {
		return fmt.Errorf("at least one thermostat must be configured")
	}

	seen := make(map[string]bool, len(c.Thermostats))
	for i, t := range c.Thermostats {
		if t.DeviceID == "" {
			return fmt.Errorf("thermostat %d: device_id is required", i)
		}
		if t.Name == "" {
			return fmt.Errorf("thermostat %s: name is required", t.DeviceID)
		}
		if seen[t.DeviceID] {
			return fmt.Errorf("duplicate thermostat device_id %s", t.DeviceID)
		}
		seen[t.DeviceID] = true
	}
	return nil
}
