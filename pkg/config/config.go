package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/conference"
	"github.com/jitsi-go/jicofo/pkg/telemetry"
	"github.com/jitsi-go/jicofo/pkg/xmpp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Focus configuration.
type Config struct {
	// XMPP server connection and component addressing.
	XMPP xmpp.Config `yaml:"xmpp"`
	// Bridge registry, selection and health checking.
	Bridge BridgeConfig `yaml:"bridge"`
	// Conference (call) configuration.
	Conference conference.Config `yaml:"conference"`
	// HTTP surface for health, metrics and debug state.
	Rest RestConfig `yaml:"rest"`
	// Trace export configuration. Empty leaves tracing off.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

// Bridge fleet configuration. The interval keys are in milliseconds,
// as the schema has always spelled them.
type BridgeConfig struct {
	// Which bridge selection strategy to run.
	SelectionStrategy string `yaml:"bridge-selection-strategy"`
	// How long a failed bridge stays out of selection before it may be
	// retried.
	FailureResetThresholdMS int `yaml:"bridge-failure-reset-threshold-ms"`
	// Period between health probe rounds.
	HealthCheckIntervalMS int `yaml:"health-check-interval-ms"`
	// Delay before a failed probe is retried once, after which the
	// bridge is marked unhealthy.
	HealthCheckRetryMS int `yaml:"health-check-retry-ms"`
	// How stale a stats report may grow before the bridge is dropped
	// from selection.
	MaxStatsReportAgeMS int `yaml:"max-stats-report-age-ms"`
	// Period between forced brewery refreshes. Zero disables
	// rediscovery.
	RediscoveryIntervalMS int `yaml:"service-rediscovery-interval-ms"`
}

// FailureResetThreshold is the failure threshold as a duration.
func (c BridgeConfig) FailureResetThreshold() time.Duration {
	return time.Duration(c.FailureResetThresholdMS) * time.Millisecond
}

// HealthCheckInterval is the probe period as a duration.
func (c BridgeConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMS) * time.Millisecond
}

// HealthCheckRetry is the probe retry delay as a duration.
func (c BridgeConfig) HealthCheckRetry() time.Duration {
	return time.Duration(c.HealthCheckRetryMS) * time.Millisecond
}

// MaxStatsReportAge is the stats expiry age as a duration.
func (c BridgeConfig) MaxStatsReportAge() time.Duration {
	return time.Duration(c.MaxStatsReportAgeMS) * time.Millisecond
}

// RediscoveryInterval is the brewery refresh period as a duration,
// zero when rediscovery is disabled.
func (c BridgeConfig) RediscoveryInterval() time.Duration {
	return time.Duration(c.RediscoveryIntervalMS) * time.Millisecond
}

// HTTP server configuration.
type RestConfig struct {
	// Listen address. Empty disables the server.
	Addr string `yaml:"addr"`
}

// Flags carries the values of the connection flag group. Zero-valued
// fields mean the flag was not set and the file value stands.
type Flags struct {
	Host         string
	Port         int
	Domain       string
	Subdomain    string
	Secret       string
	UserDomain   string
	UserName     string
	UserPassword string
}

// Default returns the configuration with every documented default
// filled in.
func Default() *Config {
	return &Config{
		XMPP: xmpp.Config{
			Host:      "localhost",
			Port:      5347,
			Subdomain: "focus",
		},
		Bridge: BridgeConfig{
			SelectionStrategy:       bridge.StrategySingle,
			FailureResetThresholdMS: 300000,
			HealthCheckIntervalMS:   10000,
			HealthCheckRetryMS:      5000,
			MaxStatsReportAgeMS:     15000,
		},
		Conference: conference.DefaultConfig(),
		Rest:       RestConfig{Addr: ":8888"},
		LogLevel:   "info",
	}
}

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML); an empty path means defaults
// only. Either way the connection flag group and the credential
// environment variables are applied on top and the result is validated.
func LoadConfig(path string, flags Flags) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		if path != "" {
			if config, err = LoadConfigFromPath(path); err != nil {
				return nil, err
			}
		} else {
			config = Default()
		}
	}

	flags.apply(config)
	applyCredentialEnv(config)
	deriveDomains(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
var ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")

// Tries to load the config from environment variable (`CONFIG`).
// Returns an error if the variable is not set.
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string on top of the defaults.
// Returns an error if the string is not a valid YAML.
func LoadConfigFromString(configString string) (*Config, error) {
	config := Default()
	if err := yaml.Unmarshal([]byte(configString), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	return config, nil
}

func (f Flags) apply(config *Config) {
	if f.Host != "" {
		config.XMPP.Host = f.Host
	}
	if f.Port != 0 {
		config.XMPP.Port = f.Port
	}
	if f.Domain != "" {
		config.XMPP.Domain = f.Domain
	}
	if f.Subdomain != "" {
		config.XMPP.Subdomain = f.Subdomain
	}
	if f.Secret != "" {
		config.XMPP.Secret = f.Secret
	}
	if f.UserDomain != "" {
		config.XMPP.UserDomain = f.UserDomain
	}
	if f.UserName != "" {
		config.XMPP.UserName = f.UserName
	}
	if f.UserPassword != "" {
		config.XMPP.UserPassword = f.UserPassword
	}
}

// applyCredentialEnv fills the credentials from the environment when
// neither the file nor the flags set them.
func applyCredentialEnv(config *Config) {
	if config.XMPP.Secret == "" {
		config.XMPP.Secret = os.Getenv("JICOFO_SECRET")
	}
	if config.XMPP.UserPassword == "" {
		config.XMPP.UserPassword = os.Getenv("JICOFO_AUTH_PASSWORD")
	}
}

// deriveDomains fills the conventional MUC and brewery addresses from
// the served domains when the config spells neither out.
func deriveDomains(config *Config) {
	if config.XMPP.MUCDomain == "" && config.XMPP.Domain != "" {
		config.XMPP.MUCDomain = "conference." + config.XMPP.Domain
	}
	if config.XMPP.BreweryRoom == "" && config.XMPP.UserDomain != "" {
		config.XMPP.BreweryRoom = "jvbbrewery@internal." + config.XMPP.UserDomain
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.XMPP.Secret == "" {
		return errors.New("missing component secret (--secret or JICOFO_SECRET)")
	}
	if c.XMPP.Domain == "" {
		return errors.New("missing XMPP domain (--domain)")
	}
	if c.XMPP.Port <= 0 {
		return errors.New("component port must be positive")
	}
	if c.Conference.MaxSourcesPerUser <= 0 {
		return errors.New("max-sources-per-user must be positive")
	}
	if c.Bridge.HealthCheckIntervalMS <= 0 || c.Bridge.HealthCheckRetryMS <= 0 {
		return errors.New("health check intervals must be positive")
	}
	if c.Bridge.MaxStatsReportAgeMS <= 0 {
		return errors.New("max-stats-report-age-ms must be positive")
	}

	return nil
}
