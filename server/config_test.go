package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Ensure NewConfig properly parses config files.
func TestNewConfigFromFile(t *testing.T) {
	config, err := NewConfig("configs/full.yaml")
	require.NoError(t, err)

	require.Equal(t, "localhost", config.Listen.Host)
	require.Equal(t, 9293, config.Listen.Port)
	require.Equal(t, "0.0.0.0", config.Host)
	require.Equal(t, 5050, config.Port)
	require.Equal(t, uint32(5), config.LogLevel)
	require.True(t, config.LogRecovery)
	require.True(t, config.LogRaft)
	require.True(t, config.LogNATS)
	require.Equal(t, "/foo", config.DataDir)
	require.Equal(t, "/foo", config.GetDataDir())

	require.Equal(t, []string{"nats://localhost:4222"}, config.NATS.Servers)
	require.Equal(t, "user", config.NATS.User)
	require.Equal(t, "pass", config.NATS.Password)
	require.True(t, config.EmbeddedNATS)

	require.Equal(t, "foo", config.Clustering.ServerID)
	require.Equal(t, "bar", config.Clustering.Namespace)
	require.Equal(t, 10, config.Clustering.RaftSnapshots)
	require.Equal(t, uint64(100), config.Clustering.RaftSnapshotThreshold)
	require.Equal(t, 5, config.Clustering.RaftCacheSize)
	require.Equal(t, []string{"a", "b"}, config.Clustering.RaftBootstrapPeers)
	require.Equal(t, 5*time.Second, config.Clustering.RaftApplyTimeout)

	require.Equal(t, 3*time.Second, config.Controller.RequestTimeout)
	require.Equal(t, 500*time.Millisecond, config.Controller.BrokerHeartbeatInterval)
	require.Equal(t, 2*time.Second, config.Controller.BrokerLivenessTimeout)

	require.False(t, config.Deletion.Enable)
	require.Equal(t, time.Minute, config.Deletion.RetryInterval)
}

// Ensure that default config is loaded.
func TestNewConfigDefault(t *testing.T) {
	config, err := NewConfig("")
	require.NoError(t, err)
	require.Equal(t, 512, config.Clustering.RaftCacheSize)
	require.Equal(t, "topicd-default", config.Clustering.Namespace)
	require.NotEmpty(t, config.Clustering.ServerID)
	require.True(t, config.Deletion.Enable)
	require.Equal(t, 30*time.Second, config.Deletion.RetryInterval)
	require.Equal(t, 10*time.Second, config.Controller.RequestTimeout)
	require.Equal(t, "/tmp/topicd/topicd-default", config.GetDataDir())
	require.Equal(t, HostPort{Host: "0.0.0.0", Port: DefaultPort}, config.GetListenAddress())
}

// Ensure that both config file and default configs are loaded.
func TestNewConfigDefaultAndFile(t *testing.T) {
	config, err := NewConfig("configs/simple.yaml")
	require.NoError(t, err)
	// Ensure custom configs are loaded
	require.True(t, config.LogRecovery)
	require.Equal(t, 10*time.Second, config.Deletion.RetryInterval)

	// Ensure also default values are loaded at the same time
	require.Equal(t, 512, config.Clustering.RaftCacheSize)
	require.Equal(t, "topicd-default", config.Clustering.Namespace)
	require.True(t, config.Deletion.Enable)
}

// Ensure we can properly parse NATS username and password from a config file.
func TestNewConfigNATSAuth(t *testing.T) {
	config, err := NewConfig("configs/nats-auth.yaml")
	require.NoError(t, err)
	require.Equal(t, "admin", config.NATS.User)
	require.Equal(t, "password", config.NATS.Password)
}

// Ensure parsing host and listen.
func TestNewConfigListen(t *testing.T) {
	config, err := NewConfig("configs/listen-host.yaml")
	require.NoError(t, err)
	require.Equal(t, "192.168.0.1", config.Listen.Host)
	require.Equal(t, 4222, config.Listen.Port)
	require.Equal(t, "my-host", config.Host)
	require.Equal(t, 4333, config.Port)
	require.Equal(t, HostPort{Host: "my-host", Port: 4333}, config.GetConnectionAddress())
}

// Ensure error is raised when given config file not found.
func TestNewConfigFileNotFound(t *testing.T) {
	_, err := NewConfig("somefile.yaml")
	require.Error(t, err)
}

// Ensure an error is returned when there is invalid configuration in listen.
func TestNewConfigInvalidListen(t *testing.T) {
	_, err := NewConfig("configs/invalid-listen.yaml")
	require.Error(t, err)
}

// Ensure an error is returned when there is an unknown setting in the file.
func TestNewConfigUnknownSetting(t *testing.T) {
	_, err := NewConfig("configs/unknown-setting.yaml")
	require.Error(t, err)
}

// Ensure invalid durations, log levels and liveness settings are rejected.
func TestNewConfigInvalidValues(t *testing.T) {
	for _, file := range []string{
		"configs/invalid-duration.yaml",
		"configs/invalid-log-level.yaml",
		"configs/invalid-liveness.yaml",
	} {
		_, err := NewConfig(file)
		require.Error(t, err, file)
	}
}

// Ensure the deletion settings render in a readable form.
func TestDeletionConfigString(t *testing.T) {
	d := DeletionConfig{Enable: true, RetryInterval: 90 * time.Second}
	require.Equal(t, "[Enabled: true, Retry: 1 minute 30 seconds]", d.String())
}
