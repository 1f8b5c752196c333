package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"membership/internal/failure"
	"membership/internal/member"
	"membership/internal/sbr"
)

// ErrUnknownStrategy is returned by Validate for an unrecognized split brain
// resolver strategy.
var ErrUnknownStrategy = sbr.ErrUnknownStrategy

// Config holds the node configuration.
type Config struct {
	Node               NodeConfig               `toml:"node"`
	Gossip             GossipConfig             `toml:"gossip"`
	FailureDetector    FailureDetectorConfig    `toml:"failure_detector"`
	MultiDC            MultiDCConfig            `toml:"multi_dc"`
	SplitBrainResolver SplitBrainResolverConfig `toml:"split_brain_resolver"`
	Discovery          DiscoveryConfig          `toml:"discovery"`
	Metrics            MetricsConfig            `toml:"metrics"`
	Log                LogConfig                `toml:"log"`
}

type NodeConfig struct {
	Host       string   `toml:"host"`
	Port       int      `toml:"port"`
	Roles      []string `toml:"roles"`
	DataCenter string   `toml:"data_center"`
	// SeedNodes are "host:port" addresses. The first seed bootstraps the
	// cluster when it lists itself.
	SeedNodes []string `toml:"seed_nodes"`
}

type GossipConfig struct {
	Interval                  time.Duration `toml:"interval"`
	LeaderActionsInterval     time.Duration `toml:"leader_actions_interval"`
	UnreachableReaperInterval time.Duration `toml:"unreachable_reaper_interval"`
	RetryJoinAfter            time.Duration `toml:"retry_join_after"`
	MinNrOfMembers            int           `toml:"min_nr_of_members"`
	AllowWeaklyUpMembers      bool          `toml:"allow_weakly_up_members"`
	AssertInvariants          bool          `toml:"assert_invariants"`
	// PublishStatsInterval enables periodic CurrentInternalStats events.
	PublishStatsInterval time.Duration `toml:"publish_stats_interval"`
}

type FailureDetectorConfig struct {
	HeartbeatInterval        time.Duration `toml:"heartbeat_interval"`
	ExpectedResponseAfter    time.Duration `toml:"expected_response_after"`
	MonitoredByNrOfMembers   int           `toml:"monitored_by_nr_of_members"`
	Threshold                float64       `toml:"threshold"`
	MaxSampleSize            int           `toml:"max_sample_size"`
	MinStdDeviation          time.Duration `toml:"min_std_deviation"`
	AcceptableHeartbeatPause time.Duration `toml:"acceptable_heartbeat_pause"`
	FirstHeartbeatEstimate   time.Duration `toml:"first_heartbeat_estimate"`
}

type MultiDCConfig struct {
	CrossDCConnections int           `toml:"cross_dc_connections"`
	HeartbeatInterval  time.Duration `toml:"heartbeat_interval"`
}

type SplitBrainResolverConfig struct {
	ActiveStrategy string        `toml:"active_strategy"`
	StableAfter    time.Duration `toml:"stable_after"`
	StaticQuorum   struct {
		QuorumSize int    `toml:"quorum_size"`
		Role       string `toml:"role"`
	} `toml:"static_quorum"`
	KeepMajority struct {
		Role string `toml:"role"`
	} `toml:"keep_majority"`
	KeepOldest struct {
		DownIfAlone bool   `toml:"down_if_alone"`
		Role        string `toml:"role"`
	} `toml:"keep_oldest"`
	KeepReferee struct {
		Address                string `toml:"address"`
		DownAllIfLessThanNodes int    `toml:"down_all_if_less_than_nodes"`
	} `toml:"keep_referee"`
}

type DiscoveryConfig struct {
	EtcdEndpoints []string      `toml:"etcd_endpoints"`
	Prefix        string        `toml:"prefix"`
	LeaseTTL      time.Duration `toml:"lease_ttl"`
	DialTimeout   time.Duration `toml:"dial_timeout"`
}

type MetricsConfig struct {
	// Listen is the address of the HTTP endpoint; empty disables it.
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.Node = NodeConfig{Host: "127.0.0.1", Port: 2552, DataCenter: member.DefaultDataCenter}
	c.Gossip = GossipConfig{
		Interval:                  time.Second,
		LeaderActionsInterval:     time.Second,
		UnreachableReaperInterval: time.Second,
		RetryJoinAfter:            5 * time.Second,
		MinNrOfMembers:            1,
		AllowWeaklyUpMembers:      true,
	}
	c.FailureDetector = FailureDetectorConfig{
		HeartbeatInterval:        time.Second,
		ExpectedResponseAfter:    time.Second,
		MonitoredByNrOfMembers:   9,
		Threshold:                8,
		MaxSampleSize:            1000,
		MinStdDeviation:          100 * time.Millisecond,
		AcceptableHeartbeatPause: 3 * time.Second,
		FirstHeartbeatEstimate:   time.Second,
	}
	c.MultiDC = MultiDCConfig{CrossDCConnections: 5, HeartbeatInterval: time.Second}
	c.SplitBrainResolver.ActiveStrategy = sbr.Off
	c.SplitBrainResolver.StableAfter = 20 * time.Second
	c.SplitBrainResolver.KeepOldest.DownIfAlone = true
	c.SplitBrainResolver.KeepReferee.DownAllIfLessThanNodes = 1
	c.Discovery = DiscoveryConfig{Prefix: "/membership/nodes/", LeaseTTL: 10 * time.Second, DialTimeout: 5 * time.Second}
	c.Metrics = MetricsConfig{Listen: "127.0.0.1:9102"}
	c.Log = LogConfig{Level: "info"}
	return c
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if c.Node.Host == "" {
		errs = append(errs, errors.New("node.host is required"))
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		errs = append(errs, fmt.Errorf("node.port out of range: %d", c.Node.Port))
	}
	if _, err := c.Seeds(); err != nil {
		errs = append(errs, err)
	}

	positive := func(key string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	positive("gossip.interval", c.Gossip.Interval)
	positive("gossip.leader_actions_interval", c.Gossip.LeaderActionsInterval)
	positive("gossip.unreachable_reaper_interval", c.Gossip.UnreachableReaperInterval)
	positive("gossip.retry_join_after", c.Gossip.RetryJoinAfter)
	positive("failure_detector.heartbeat_interval", c.FailureDetector.HeartbeatInterval)
	positive("failure_detector.expected_response_after", c.FailureDetector.ExpectedResponseAfter)
	positive("failure_detector.min_std_deviation", c.FailureDetector.MinStdDeviation)
	positive("failure_detector.first_heartbeat_estimate", c.FailureDetector.FirstHeartbeatEstimate)
	positive("multi_dc.heartbeat_interval", c.MultiDC.HeartbeatInterval)
	positive("split_brain_resolver.stable_after", c.SplitBrainResolver.StableAfter)
	if c.Gossip.MinNrOfMembers < 1 {
		errs = append(errs, fmt.Errorf("gossip.min_nr_of_members must be at least 1, got %d", c.Gossip.MinNrOfMembers))
	}
	if c.FailureDetector.MonitoredByNrOfMembers < 1 {
		errs = append(errs, fmt.Errorf("failure_detector.monitored_by_nr_of_members must be at least 1, got %d", c.FailureDetector.MonitoredByNrOfMembers))
	}
	if c.FailureDetector.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("failure_detector.threshold must be positive, got %v", c.FailureDetector.Threshold))
	}
	if c.FailureDetector.MaxSampleSize < 1 {
		errs = append(errs, fmt.Errorf("failure_detector.max_sample_size must be at least 1, got %d", c.FailureDetector.MaxSampleSize))
	}
	if c.MultiDC.CrossDCConnections < 1 {
		errs = append(errs, fmt.Errorf("multi_dc.cross_dc_connections must be at least 1, got %d", c.MultiDC.CrossDCConnections))
	}
	if _, err := sbr.NewStrategy(c.SBRSettings()); err != nil {
		errs = append(errs, fmt.Errorf("split_brain_resolver: %w", err))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// SelfAddress returns the address the node binds to.
func (c Config) SelfAddress() member.Address {
	return member.Address{Host: c.Node.Host, Port: c.Node.Port}
}

// Roles returns the configured roles plus the data center role, unless a
// dc- role is already configured.
func (c Config) Roles() []string {
	roles := append([]string(nil), c.Node.Roles...)
	for _, r := range roles {
		if strings.HasPrefix(r, member.DataCenterRolePrefix) {
			return roles
		}
	}
	dc := c.Node.DataCenter
	if dc == "" {
		dc = member.DefaultDataCenter
	}
	return append(roles, member.DataCenterRolePrefix+dc)
}

// Seeds parses Node.SeedNodes.
func (c Config) Seeds() ([]member.Address, error) {
	return ParseSeedNodes(strings.Join(c.Node.SeedNodes, ","))
}

// PhiSettings returns the failure detector settings.
func (c Config) PhiSettings() failure.Settings {
	fd := c.FailureDetector
	return failure.Settings{
		Threshold:                fd.Threshold,
		MaxSampleSize:            fd.MaxSampleSize,
		MinStdDeviation:          fd.MinStdDeviation,
		AcceptableHeartbeatPause: fd.AcceptableHeartbeatPause,
		FirstHeartbeatEstimate:   fd.FirstHeartbeatEstimate,
	}
}

// SBRSettings returns the split brain resolver settings.
func (c Config) SBRSettings() sbr.Settings {
	s := c.SplitBrainResolver
	return sbr.Settings{
		ActiveStrategy: s.ActiveStrategy,
		StaticQuorum:   sbr.StaticQuorumSettings{QuorumSize: s.StaticQuorum.QuorumSize, Role: s.StaticQuorum.Role},
		KeepMajority:   sbr.KeepMajoritySettings{Role: s.KeepMajority.Role},
		KeepOldest:     sbr.KeepOldestSettings{DownIfAlone: s.KeepOldest.DownIfAlone, Role: s.KeepOldest.Role},
		KeepReferee: sbr.KeepRefereeSettings{
			Address:                s.KeepReferee.Address,
			DownAllIfLessThanNodes: s.KeepReferee.DownAllIfLessThanNodes,
		},
	}
}

// NewLogger builds the process logger.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ParseSeedNodes parses a comma-separated list of seed nodes in the format:
// "host1:port1,host2:port2"
func ParseSeedNodes(s string) ([]member.Address, error) {
	if strings.TrimSpace(s) == "" {
		return []member.Address{}, nil
	}

	parts := strings.Split(s, ",")
	seeds := make([]member.Address, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		addr, err := member.ParseAddress(part)
		if err != nil {
			return nil, fmt.Errorf("invalid seed node: %w", err)
		}
		seeds = append(seeds, addr)
	}

	return seeds, nil
}
