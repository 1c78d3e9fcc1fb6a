// Package config holds the YAML scenario description for a simulation run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/crahn-simulator/internal/mac"
	"github.com/signalsfoundry/crahn-simulator/internal/pu"
	"github.com/signalsfoundry/crahn-simulator/internal/repository"
	"github.com/signalsfoundry/crahn-simulator/internal/spectrum"
	"github.com/signalsfoundry/crahn-simulator/timectrl"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// DefaultDuration is the simulated run length when none is configured.
const DefaultDuration = 60 * time.Second

// Config is a complete run description.
type Config struct {
	RunLabel    string        `yaml:"run_label"`
	Seed        uint64        `yaml:"seed"`
	Duration    time.Duration `yaml:"duration"`
	Pace        string        `yaml:"pace"` // accelerated, realtime
	MetricsAddr string        `yaml:"metrics_addr"`

	Limits   LimitsConfig   `yaml:"limits"`
	Datasets DatasetsConfig `yaml:"datasets"`
	Spectrum SpectrumConfig `yaml:"spectrum"`
	Traffic  TrafficConfig  `yaml:"traffic"`
	Nodes    []NodeConfig   `yaml:"nodes"`
	Output   OutputConfig   `yaml:"output"`
}

// LimitsConfig bounds table sizes.
type LimitsConfig struct {
	MaxNodes       int `yaml:"max_nodes"`
	MaxChannels    int `yaml:"max_channels"`
	MaxPUs         int `yaml:"max_pus"`
	MaxPUIntervals int `yaml:"max_pu_intervals"`
}

// DatasetsConfig names the input files. Relative paths resolve against the
// config file's directory.
type DatasetsConfig struct {
	PU       string `yaml:"pu"`
	Spectrum string `yaml:"spectrum"`
}

// SpectrumConfig configures every node's spectrum manager.
type SpectrumConfig struct {
	SenseTime            time.Duration `yaml:"sense_time"`
	TransmitTime         time.Duration `yaml:"transmit_time"`
	SwitchingDelay       time.Duration `yaml:"switching_delay"`
	MisdetectProbability float64       `yaml:"misdetect_probability"`
	DecisionPolicy       string        `yaml:"decision_policy"`
	SpectrumPolicy       string        `yaml:"spectrum_policy"`
	SwitchProbability    float64       `yaml:"switch_probability"`
	ChannelDecisionMAC   *bool         `yaml:"channel_decision_mac"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"`
}

// TrafficConfig configures the per-node radios.
type TrafficConfig struct {
	TxPower        float64       `yaml:"tx_power"`
	PacketInterval time.Duration `yaml:"packet_interval"`
	PacketTxTime   time.Duration `yaml:"packet_tx_time"`
}

// NodeConfig places one CR.
type NodeConfig struct {
	ID      int     `yaml:"id"`
	X       float64 `yaml:"x"`
	Y       float64 `yaml:"y"`
	Channel int     `yaml:"channel"`
}

// OutputConfig names the statistics files. Empty paths disable that output.
type OutputConfig struct {
	InterferenceSummary string `yaml:"interference_summary"`
	SensingSummary      string `yaml:"sensing_summary"`
	InterferenceLog     string `yaml:"interference_log"`
}

// DefaultConfig returns a config with every default applied and no nodes.
func DefaultConfig() *Config {
	sm := spectrum.DefaultConfig()
	tr := mac.DefaultTraffic()
	decideOnMAC := sm.ChannelDecisionMAC
	return &Config{
		Duration: DefaultDuration,
		Pace:     timectrl.Accelerated.String(),
		Limits: LimitsConfig{
			MaxNodes:       repository.DefaultMaxNodes,
			MaxChannels:    repository.DefaultMaxChannels,
			MaxPUs:         pu.DefaultMaxPUs,
			MaxPUIntervals: pu.DefaultMaxIntervals,
		},
		Spectrum: SpectrumConfig{
			SenseTime:            sm.SenseTime,
			TransmitTime:         sm.TransmitTime,
			SwitchingDelay:       sm.SwitchingDelay,
			MisdetectProbability: sm.MisdetectProbability,
			DecisionPolicy:       sm.DecisionPolicy.String(),
			SpectrumPolicy:       sm.SpectrumPolicy.String(),
			SwitchProbability:    sm.SwitchProbability,
			ChannelDecisionMAC:   &decideOnMAC,
			LivenessTimeout:      repository.DefaultLivenessTimeout,
		},
		Traffic: TrafficConfig{
			TxPower:        tr.TxPower,
			PacketInterval: tr.PacketInterval,
			PacketTxTime:   tr.PacketTxTime,
		},
	}
}

// Load reads a YAML file on top of the defaults. Dataset paths are made
// relative to the file's directory and a run label is generated when none
// is set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RunLabel == "" {
		cfg.RunLabel = "run-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) resolvePaths(dir string) {
	for _, p := range []*string{
		&c.Datasets.PU,
		&c.Datasets.Spectrum,
		&c.Output.InterferenceSummary,
		&c.Output.SensingSummary,
		&c.Output.InterferenceLog,
	} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

// Validate checks ranges and cross-references. Unknown policy names are not
// errors; they fall back when the managers are built.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Duration <= 0 {
		add("duration must be positive")
	}
	if _, err := timectrl.ParseMode(c.Pace); err != nil {
		add("pace: %v", err)
	}
	if c.Limits.MaxNodes <= 0 || c.Limits.MaxChannels < 2 {
		add("limits: need max_nodes > 0 and max_channels >= 2")
	}
	if c.Limits.MaxPUs <= 0 || c.Limits.MaxPUIntervals <= 0 {
		add("limits: max_pus and max_pu_intervals must be positive")
	}
	if c.Datasets.PU == "" {
		add("datasets.pu is required")
	}
	if err := c.SpectrumManager().Validate(); err != nil {
		add("spectrum: %v", err)
	}
	if c.Spectrum.LivenessTimeout <= 0 {
		add("spectrum.liveness_timeout must be positive")
	}
	if err := c.RadioTraffic().Validate(); err != nil {
		add("traffic: %v", err)
	}
	if len(c.Nodes) == 0 {
		add("at least one node is required")
	}
	seen := make(map[int]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID < 0 || n.ID >= c.Limits.MaxNodes {
			add("node %d outside [0,%d)", n.ID, c.Limits.MaxNodes)
		}
		if seen[n.ID] {
			add("node %d defined twice", n.ID)
		}
		seen[n.ID] = true
		if n.Channel <= repository.ControlChannel || n.Channel >= c.Limits.MaxChannels {
			add("node %d channel %d outside [1,%d)", n.ID, n.Channel, c.Limits.MaxChannels)
		}
	}
	return errors.Join(errs...)
}

// Mode returns the pacing mode, defaulting to accelerated.
func (c *Config) Mode() timectrl.Mode {
	m, err := timectrl.ParseMode(c.Pace)
	if err != nil {
		return timectrl.Accelerated
	}
	return m
}

// SpectrumManager converts the spectrum section, silently applying policy
// fallbacks.
func (c *Config) SpectrumManager() spectrum.Config {
	cfg, _ := c.SpectrumManagerWithWarnings()
	return cfg
}

// SpectrumManagerWithWarnings is SpectrumManager plus any policy fallbacks.
func (c *Config) SpectrumManagerWithWarnings() (spectrum.Config, []error) {
	var warnings []error
	dp, err := spectrum.ParseDecisionPolicy(c.Spectrum.DecisionPolicy)
	if err != nil {
		warnings = append(warnings, err)
	}
	sp, err := spectrum.ParseSpectrumPolicy(c.Spectrum.SpectrumPolicy)
	if err != nil {
		warnings = append(warnings, err)
	}
	decideOnMAC := true
	if c.Spectrum.ChannelDecisionMAC != nil {
		decideOnMAC = *c.Spectrum.ChannelDecisionMAC
	}
	return spectrum.Config{
		SenseTime:            c.Spectrum.SenseTime,
		TransmitTime:         c.Spectrum.TransmitTime,
		SwitchingDelay:       c.Spectrum.SwitchingDelay,
		MisdetectProbability: c.Spectrum.MisdetectProbability,
		DecisionPolicy:       dp,
		SpectrumPolicy:       sp,
		SwitchProbability:    c.Spectrum.SwitchProbability,
		ChannelDecisionMAC:   decideOnMAC,
	}, warnings
}

// Repository converts the limits into a repository config.
func (c *Config) Repository() repository.Config {
	return repository.Config{
		MaxNodes:        c.Limits.MaxNodes,
		MaxChannels:     c.Limits.MaxChannels,
		LivenessTimeout: c.Spectrum.LivenessTimeout,
	}
}

// PULimits converts the limits into dataset loader limits.
func (c *Config) PULimits() pu.Limits {
	return pu.Limits{
		MaxPUs:       c.Limits.MaxPUs,
		MaxIntervals: c.Limits.MaxPUIntervals,
		MaxChannels:  c.Limits.MaxChannels,
	}
}

// RadioTraffic converts the traffic section.
func (c *Config) RadioTraffic() mac.Traffic {
	return mac.Traffic{
		TxPower:        c.Traffic.TxPower,
		PacketInterval: c.Traffic.PacketInterval,
		PacketTxTime:   c.Traffic.PacketTxTime,
	}
}
