package server

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// DefaultNamespace is the default cluster namespace to use if one is not
	// specified.
	DefaultNamespace = "topicd-default"

	// DefaultPort is the port to bind to if one is not specified.
	DefaultPort = 9393
)

const (
	defaultListenAddress           = "0.0.0.0"
	defaultConnectionAddress       = "localhost"
	defaultRaftSnapshots           = 2
	defaultRaftCacheSize           = 512
	defaultRaftApplyTimeout        = 30 * time.Second
	defaultRequestTimeout          = 10 * time.Second
	defaultBrokerHeartbeatInterval = time.Second
	defaultBrokerLivenessTimeout   = 5 * time.Second
	defaultDeletionRetryInterval   = 30 * time.Second
	defaultDeletionEnabled         = true
	defaultDataDirRoot             = "/tmp/topicd"
)

// knownSettings lists every key a configuration file may contain.
var knownSettings = map[string]struct{}{
	"listen":                               {},
	"host":                                 {},
	"port":                                 {},
	"log.level":                            {},
	"log.raft":                             {},
	"log.nats":                             {},
	"log.recovery":                         {},
	"data.dir":                             {},
	"nats.servers":                         {},
	"nats.user":                            {},
	"nats.password":                        {},
	"nats.embedded":                        {},
	"clustering.server.id":                 {},
	"clustering.namespace":                 {},
	"clustering.raft.snapshot.retain":      {},
	"clustering.raft.snapshot.threshold":   {},
	"clustering.raft.cache.size":           {},
	"clustering.raft.bootstrap.seed":       {},
	"clustering.raft.bootstrap.peers":      {},
	"clustering.raft.apply.timeout":        {},
	"controller.request.timeout":           {},
	"controller.broker.heartbeat.interval": {},
	"controller.broker.liveness.timeout":   {},
	"deletion.retry.interval":              {},
	"deletion.enable":                      {},
}

// ClusteringConfig contains settings for controlling cluster behavior.
type ClusteringConfig struct {
	ServerID              string
	Namespace             string
	RaftSnapshots         int
	RaftSnapshotThreshold uint64
	RaftCacheSize         int
	RaftBootstrapSeed     bool
	RaftBootstrapPeers    []string
	RaftApplyTimeout      time.Duration
}

// ControllerSettings contains settings for the controller and broker
// liveness tracking.
type ControllerSettings struct {
	RequestTimeout          time.Duration
	BrokerHeartbeatInterval time.Duration
	BrokerLivenessTimeout   time.Duration
}

// DeletionConfig contains settings for topic deletion.
type DeletionConfig struct {
	Enable        bool
	RetryInterval time.Duration
}

// String returns a human-readable summary of the deletion settings.
func (d DeletionConfig) String() string {
	return fmt.Sprintf("[Enabled: %t, Retry: %s]", d.Enable, durafmt.Parse(d.RetryInterval))
}

// Config contains all settings for a topicd Server.
type Config struct {
	Listen       HostPort
	Host         string
	Port         int
	LogLevel     uint32
	LogRecovery  bool
	LogRaft      bool
	LogNATS      bool
	LogSilent    bool
	DataDir      string
	NATS         nats.Options
	EmbeddedNATS bool
	Clustering   ClusteringConfig
	Controller   ControllerSettings
	Deletion     DeletionConfig
}

// NewDefaultConfig creates a new Config with default settings.
func NewDefaultConfig() *Config {
	config := &Config{
		NATS: nats.GetDefaultOptions(),
		Port: DefaultPort,
	}
	config.LogLevel = uint32(log.InfoLevel)
	config.Clustering.ServerID = nuid.Next()
	config.Clustering.Namespace = DefaultNamespace
	config.Clustering.RaftSnapshots = defaultRaftSnapshots
	config.Clustering.RaftCacheSize = defaultRaftCacheSize
	config.Clustering.RaftApplyTimeout = defaultRaftApplyTimeout
	config.Controller.RequestTimeout = defaultRequestTimeout
	config.Controller.BrokerHeartbeatInterval = defaultBrokerHeartbeatInterval
	config.Controller.BrokerLivenessTimeout = defaultBrokerLivenessTimeout
	config.Deletion.Enable = defaultDeletionEnabled
	config.Deletion.RetryInterval = defaultDeletionRetryInterval
	return config
}

// GetListenAddress returns the address and port to listen to.
func (c Config) GetListenAddress() HostPort {
	if len(c.Listen.Host) > 0 {
		return c.Listen
	}
	if len(c.Host) > 0 {
		return HostPort{Host: c.Host, Port: c.Port}
	}
	return HostPort{Host: defaultListenAddress, Port: c.Port}
}

// GetConnectionAddress returns the host if specified and listen otherwise.
func (c Config) GetConnectionAddress() HostPort {
	if len(c.Host) > 0 {
		return HostPort{Host: c.Host, Port: c.Port}
	}
	if len(c.Listen.Host) > 0 {
		return c.Listen
	}
	return HostPort{Host: defaultConnectionAddress, Port: c.Port}
}

// GetDataDir returns the data directory, defaulting to a directory named
// after the namespace.
func (c Config) GetDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return filepath.Join(defaultDataDirRoot, c.Clustering.Namespace)
}

// Summary returns a human-readable description of the settings that matter
// most when reading startup logs.
func (c Config) Summary() string {
	return fmt.Sprintf("request timeout %s, broker liveness %s, raft cache %s entries, deletion %s",
		durafmt.Parse(c.Controller.RequestTimeout),
		durafmt.Parse(c.Controller.BrokerLivenessTimeout),
		humanize.Comma(int64(c.Clustering.RaftCacheSize)),
		c.Deletion)
}

// GetLogLevel converts the level string to its corresponding int value. It
// returns an error if the level is invalid.
func GetLogLevel(level string) (uint32, error) {
	var l uint32
	switch strings.ToLower(level) {
	case "debug":
		l = uint32(log.DebugLevel)
	case "info":
		l = uint32(log.InfoLevel)
	case "warn":
		l = uint32(log.WarnLevel)
	case "error":
		l = uint32(log.ErrorLevel)
	default:
		return 0, fmt.Errorf("Invalid log.level setting %q", level)
	}
	return l, nil
}

// NewConfig creates a new Config with default settings and applies any
// settings from the given configuration file. An empty path yields the
// defaults.
func NewConfig(configFile string) (*Config, error) { // nolint: gocyclo
	config := NewDefaultConfig()
	if configFile == "" {
		return config, nil
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "failed to read configuration file")
	}

	for _, key := range v.AllKeys() {
		if _, ok := knownSettings[key]; !ok {
			return nil, fmt.Errorf("Unknown setting %q", key)
		}
	}

	if v.IsSet("listen") {
		hp, err := parseListen(v)
		if err != nil {
			return nil, err
		}
		config.Listen = *hp
	}
	if v.IsSet("port") {
		config.Port = v.GetInt("port")
	}
	if v.IsSet("host") {
		config.Host = v.GetString("host")
	}

	if v.IsSet("log.level") {
		levelInt, err := GetLogLevel(v.GetString("log.level"))
		if err != nil {
			return nil, err
		}
		config.LogLevel = levelInt
	}
	if v.IsSet("log.recovery") {
		config.LogRecovery = v.GetBool("log.recovery")
	}
	if v.IsSet("log.raft") {
		config.LogRaft = v.GetBool("log.raft")
	}
	if v.IsSet("log.nats") {
		config.LogNATS = v.GetBool("log.nats")
	}

	if v.IsSet("data.dir") {
		config.DataDir = v.GetString("data.dir")
	}

	if err := parseNATSConfig(config, v); err != nil {
		return nil, err
	}
	if err := parseClusteringConfig(config, v); err != nil {
		return nil, err
	}
	if err := parseControllerConfig(config, v); err != nil {
		return nil, err
	}
	if err := parseDeletionConfig(config, v); err != nil {
		return nil, err
	}
	return config, nil
}

// parseNATSConfig parses the `nats` section of a config file.
func parseNATSConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("nats.servers") {
		config.NATS.Servers = v.GetStringSlice("nats.servers")
	}
	if v.IsSet("nats.user") {
		config.NATS.User = v.GetString("nats.user")
	}
	if v.IsSet("nats.password") {
		config.NATS.Password = v.GetString("nats.password")
	}
	if v.IsSet("nats.embedded") {
		config.EmbeddedNATS = v.GetBool("nats.embedded")
	}
	return nil
}

// parseClusteringConfig parses the `clustering` section of a config file.
func parseClusteringConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("clustering.server.id") {
		config.Clustering.ServerID = v.GetString("clustering.server.id")
	}
	if v.IsSet("clustering.namespace") {
		config.Clustering.Namespace = v.GetString("clustering.namespace")
	}
	if v.IsSet("clustering.raft.snapshot.retain") {
		config.Clustering.RaftSnapshots = v.GetInt("clustering.raft.snapshot.retain")
	}
	if v.IsSet("clustering.raft.snapshot.threshold") {
		config.Clustering.RaftSnapshotThreshold = uint64(v.GetInt64("clustering.raft.snapshot.threshold"))
	}
	if v.IsSet("clustering.raft.cache.size") {
		config.Clustering.RaftCacheSize = v.GetInt("clustering.raft.cache.size")
	}
	if v.IsSet("clustering.raft.bootstrap.seed") {
		config.Clustering.RaftBootstrapSeed = v.GetBool("clustering.raft.bootstrap.seed")
	}
	if v.IsSet("clustering.raft.bootstrap.peers") {
		config.Clustering.RaftBootstrapPeers = v.GetStringSlice("clustering.raft.bootstrap.peers")
	}
	return parseDuration(v, "clustering.raft.apply.timeout", &config.Clustering.RaftApplyTimeout)
}

// parseControllerConfig parses the `controller` section of a config file.
func parseControllerConfig(config *Config, v *viper.Viper) error {
	if err := parseDuration(v, "controller.request.timeout", &config.Controller.RequestTimeout); err != nil {
		return err
	}
	if err := parseDuration(v, "controller.broker.heartbeat.interval",
		&config.Controller.BrokerHeartbeatInterval); err != nil {
		return err
	}
	if err := parseDuration(v, "controller.broker.liveness.timeout",
		&config.Controller.BrokerLivenessTimeout); err != nil {
		return err
	}
	if config.Controller.BrokerLivenessTimeout <= config.Controller.BrokerHeartbeatInterval {
		return fmt.Errorf("controller.broker.liveness.timeout (%s) must exceed controller.broker.heartbeat.interval (%s)",
			config.Controller.BrokerLivenessTimeout, config.Controller.BrokerHeartbeatInterval)
	}
	return nil
}

// parseDeletionConfig parses the `deletion` section of a config file.
func parseDeletionConfig(config *Config, v *viper.Viper) error {
	if v.IsSet("deletion.enable") {
		config.Deletion.Enable = v.GetBool("deletion.enable")
	}
	return parseDuration(v, "deletion.retry.interval", &config.Deletion.RetryInterval)
}

func parseDuration(v *viper.Viper, key string, dst *time.Duration) error {
	if !v.IsSet(key) {
		return nil
	}
	dur, err := time.ParseDuration(v.GetString(key))
	if err != nil {
		return errors.Wrapf(err, "invalid %s setting", key)
	}
	*dst = dur
	return nil
}

// HostPort is simple struct to hold parsed listen/addr strings.
type HostPort struct {
	Host string
	Port int
}

// parseListen will parse the `listen` option containing the host and port.
func parseListen(v *viper.Viper) (*HostPort, error) {
	hp := &HostPort{}
	switch listenConf := v.Get("listen").(type) {
	// Only a port
	case int:
		hp.Port = listenConf
	case int64:
		hp.Port = int(listenConf)
	case string:
		host, port, err := net.SplitHostPort(listenConf)
		if err != nil {
			return nil, fmt.Errorf("Could not parse address string %q", listenConf)
		}
		hp.Port, err = strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("Could not parse port %q", port)
		}
		hp.Host = host
	default:
		return nil, fmt.Errorf("Could not parse listen setting %v", listenConf)
	}
	return hp, nil
}
