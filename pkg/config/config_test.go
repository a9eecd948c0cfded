package config_test

import (
	"testing"
	"time"

	"github.com/jitsi-go/jicofo/pkg/bridge"
	"github.com/jitsi-go/jicofo/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Setenv("CONFIG", "")
	t.Setenv("JICOFO_SECRET", "")
	t.Setenv("JICOFO_AUTH_PASSWORD", "")
}

func TestDefault_DocumentedValues(t *testing.T) {
	defaults := config.Default()

	assert.Equal(t, "localhost", defaults.XMPP.Host)
	assert.Equal(t, 5347, defaults.XMPP.Port)
	assert.Equal(t, "focus", defaults.XMPP.Subdomain)
	assert.Equal(t, bridge.StrategySingle, defaults.Bridge.SelectionStrategy)
	assert.Equal(t, 5*time.Minute, defaults.Bridge.FailureResetThreshold())
	assert.Equal(t, 10*time.Second, defaults.Bridge.HealthCheckInterval())
	assert.Equal(t, 5*time.Second, defaults.Bridge.HealthCheckRetry())
	assert.Equal(t, 15*time.Second, defaults.Bridge.MaxStatsReportAge())
	assert.Zero(t, defaults.Bridge.RediscoveryInterval())
	assert.Equal(t, 20, defaults.Conference.MaxSourcesPerUser)
	assert.True(t, defaults.Conference.OpenSCTP)
	assert.Equal(t, ":8888", defaults.Rest.Addr)
}

func TestLoadConfigFromString_OverlaysDefaults(t *testing.T) {
	loaded, err := config.LoadConfigFromString(`
xmpp:
  domain: meet.example.com
  secret: hunter2
bridge:
  bridge-selection-strategy: region-based
  health-check-interval-ms: 2000
conference:
  max-sources-per-user: 8
`)
	require.NoError(t, err)

	assert.Equal(t, "meet.example.com", loaded.XMPP.Domain)
	assert.Equal(t, "region-based", loaded.Bridge.SelectionStrategy)
	assert.Equal(t, 2*time.Second, loaded.Bridge.HealthCheckInterval())
	assert.Equal(t, 8, loaded.Conference.MaxSourcesPerUser)

	// Keys the file does not mention keep their defaults.
	assert.Equal(t, "localhost", loaded.XMPP.Host)
	assert.Equal(t, 5*time.Second, loaded.Bridge.HealthCheckRetry())
	assert.True(t, loaded.Conference.EnableRTX)
}

func TestLoadConfigFromString_RejectsBadYAML(t *testing.T) {
	_, err := config.LoadConfigFromString("{not yaml")
	require.Error(t, err)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG", `
xmpp:
  host: xmpp.internal
  domain: meet.example.com
  secret: from-file
`)

	loaded, err := config.LoadConfig("", config.Flags{
		Host:   "override.internal",
		Secret: "from-flag",
	})
	require.NoError(t, err)

	assert.Equal(t, "override.internal", loaded.XMPP.Host)
	assert.Equal(t, "from-flag", loaded.XMPP.Secret)
	assert.Equal(t, "meet.example.com", loaded.XMPP.Domain)
}

func TestLoadConfig_CredentialEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("JICOFO_SECRET", "from-env")
	t.Setenv("JICOFO_AUTH_PASSWORD", "auth-env")

	loaded, err := config.LoadConfig("", config.Flags{Domain: "meet.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "from-env", loaded.XMPP.Secret)
	assert.Equal(t, "auth-env", loaded.XMPP.UserPassword)
}

func TestLoadConfig_MissingSecret(t *testing.T) {
	clearEnv(t)

	_, err := config.LoadConfig("", config.Flags{Domain: "meet.example.com"})
	require.ErrorContains(t, err, "secret")
}

func TestLoadConfig_MissingDomain(t *testing.T) {
	clearEnv(t)

	_, err := config.LoadConfig("", config.Flags{Secret: "hunter2"})
	require.ErrorContains(t, err, "domain")
}

func TestLoadConfig_DerivesConventionalDomains(t *testing.T) {
	clearEnv(t)

	loaded, err := config.LoadConfig("", config.Flags{
		Domain:     "meet.example.com",
		Secret:     "hunter2",
		UserDomain: "auth.meet.example.com",
		UserName:   "focus",
	})
	require.NoError(t, err)

	assert.Equal(t, "conference.meet.example.com", loaded.XMPP.MUCDomain)
	assert.Equal(t, "jvbbrewery@internal.auth.meet.example.com", loaded.XMPP.BreweryRoom)
}

func TestLoadConfig_ExplicitAddressesWin(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONFIG", `
xmpp:
  domain: meet.example.com
  secret: hunter2
  muc-domain: rooms.example.com
  brewery-room: bridges@internal.example.com
`)

	loaded, err := config.LoadConfig("", config.Flags{UserDomain: "auth.meet.example.com"})
	require.NoError(t, err)

	assert.Equal(t, "rooms.example.com", loaded.XMPP.MUCDomain)
	assert.Equal(t, "bridges@internal.example.com", loaded.XMPP.BreweryRoom)
}

func TestValidate_RejectsBrokenIntervals(t *testing.T) {
	broken := config.Default()
	broken.XMPP.Domain = "meet.example.com"
	broken.XMPP.Secret = "hunter2"
	broken.Bridge.HealthCheckIntervalMS = 0

	require.ErrorContains(t, broken.Validate(), "health check")
}
