// Package config holds the caller-supplied configuration structs for the
// media server core (§6: "callers supply configuration structs ... no
// on-disk state" beyond loading them once at startup).
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

const generatedCLIFlagUsage = "generated"

var (
	ErrInvalidSampleRate = errors.New("invalid sample rate")
	ErrInvalidPortRange  = errors.New("invalid port range")
	ErrNoSTUNServers     = errors.New("ice: at least one stun server required when turn is disabled")
)

// Config is the root configuration for a media server instance.
type Config struct {
	BindAddresses []string      `yaml:"bind_addresses,omitempty"`
	PortRange     PortRange     `yaml:"port_range,omitempty"`
	Workers       WorkerConfig  `yaml:"workers,omitempty"`
	Audio         AudioConfig   `yaml:"audio,omitempty"`
	Video         VideoConfig   `yaml:"video,omitempty"`
	ICE           ICEConfig     `yaml:"ice,omitempty"`
	Pacer         PacerConfig   `yaml:"pacer,omitempty"`
	BWE           BWEConfig     `yaml:"bwe,omitempty"`
	Logging       LoggingConfig `yaml:"logging,omitempty"`

	Development bool `yaml:"development,omitempty"`
}

type PortRange struct {
	Start uint16 `yaml:"start,omitempty"`
	End   uint16 `yaml:"end,omitempty"`
}

// WorkerConfig sizes the three thread categories from spec §5.
type WorkerConfig struct {
	IOWorkers    int `yaml:"io_workers,omitempty"`
	MediaWorkers int `yaml:"media_workers,omitempty"`
}

type AudioConfig struct {
	SampleRate       int           `yaml:"sample_rate,omitempty"`
	Channels         int           `yaml:"channels,omitempty"`
	FrameDurationMs  int           `yaml:"frame_duration_ms,omitempty"`
	JitterMinDelay   time.Duration `yaml:"jitter_min_delay,omitempty"`
	JitterMaxDelay   time.Duration `yaml:"jitter_max_delay,omitempty"`
	EnableAdaptiveJB bool          `yaml:"enable_adaptive_jitter,omitempty"`
}

type VideoConfig struct {
	ClockRateHz     uint32        `yaml:"clock_rate_hz,omitempty"`
	TargetDelay     time.Duration `yaml:"target_delay,omitempty"`
	MaxNackAge      int           `yaml:"max_nack_age,omitempty"`
	WaitForKeyframe bool          `yaml:"wait_for_keyframe,omitempty"`
}

type ICEConfig struct {
	STUNServers                []string      `yaml:"stun_servers,omitempty"`
	TURNServers                []TURNServer  `yaml:"turn_servers,omitempty"`
	ConnectivityCheckInterval  time.Duration `yaml:"connectivity_check_interval,omitempty"`
	KeepaliveInterval          time.Duration `yaml:"keepalive_interval,omitempty"`
	CheckTimeout               time.Duration `yaml:"check_timeout,omitempty"`
	AggressiveNomination       bool          `yaml:"aggressive_nomination,omitempty"`
}

type TURNServer struct {
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	Username   string `yaml:"username,omitempty"`
	Credential string `yaml:"credential,omitempty"`
}

type PacerConfig struct {
	CapacityBytes  int `yaml:"capacity_bytes,omitempty"`
	MaxQueueSize   int `yaml:"max_queue_size,omitempty"`
	TickInterval   time.Duration `yaml:"tick_interval,omitempty"`
}

type BWEConfig struct {
	MinBps        int64         `yaml:"min_bps,omitempty"`
	MaxBps        int64         `yaml:"max_bps,omitempty"`
	StartBps      int64         `yaml:"start_bps,omitempty"`
	LossThreshold float64       `yaml:"loss_threshold,omitempty"`
	DecreaseRate  float64       `yaml:"decrease_rate,omitempty"`
	IncreaseRate  float64       `yaml:"increase_rate,omitempty"`
	UpdateInterval time.Duration `yaml:"update_interval,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level,omitempty"`
	JSON  bool   `yaml:"json,omitempty"`
}

// DefaultConfig returns the configuration matching the defaults named
// throughout spec.md (§4.D, §4.F, §4.G, §4.H).
func DefaultConfig() Config {
	return Config{
		BindAddresses: []string{"0.0.0.0"},
		PortRange:     PortRange{Start: 20000, End: 30000},
		Workers:       WorkerConfig{IOWorkers: 4, MediaWorkers: 4},
		Audio: AudioConfig{
			SampleRate:       48000,
			Channels:         1,
			FrameDurationMs:  20,
			JitterMinDelay:   20 * time.Millisecond,
			JitterMaxDelay:   200 * time.Millisecond,
			EnableAdaptiveJB: true,
		},
		Video: VideoConfig{
			ClockRateHz:     90000,
			TargetDelay:     100 * time.Millisecond,
			MaxNackAge:      100,
			WaitForKeyframe: true,
		},
		ICE: ICEConfig{
			ConnectivityCheckInterval: 50 * time.Millisecond,
			KeepaliveInterval:         15 * time.Second,
			CheckTimeout:              5 * time.Second,
			AggressiveNomination:      false,
		},
		Pacer: PacerConfig{
			CapacityBytes: 64 * 1024,
			MaxQueueSize:  2000,
			TickInterval:  5 * time.Millisecond,
		},
		BWE: BWEConfig{
			MinBps:         50_000,
			MaxBps:         8_000_000,
			StartBps:       1_000_000,
			LossThreshold:  0.02,
			DecreaseRate:   0.85,
			IncreaseRate:   1.08,
			UpdateInterval: 25 * time.Millisecond,
		},
	}
}

// Validate rejects configuration errors at initialize(), per the §7
// "Configuration" error kind policy.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return errors.Wrapf(ErrInvalidSampleRate, "got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return errors.New("audio: channels must be 1 or 2")
	}
	if c.PortRange.Start == 0 || c.PortRange.End <= c.PortRange.Start {
		return errors.Wrapf(ErrInvalidPortRange, "%d-%d", c.PortRange.Start, c.PortRange.End)
	}
	if len(c.ICE.STUNServers) == 0 && len(c.ICE.TURNServers) == 0 {
		return ErrNoSTUNServers
	}
	if c.BWE.MinBps <= 0 || c.BWE.MaxBps < c.BWE.MinBps {
		return errors.New("bwe: invalid min/max bps")
	}
	return nil
}

// UnmarshalYAML loads a Config from YAML bytes, starting from DefaultConfig
// so callers only need to specify overrides.
func UnmarshalYAML(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: unmarshal")
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file from disk.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config: reading %s", path)
	}
	return UnmarshalYAML(data)
}

// CLIFlags returns the urfave/cli flags mirroring Config's fields, in the
// teacher's "generated" flag-usage convention.
func CLIFlags() []cli.Flag {
	d := DefaultConfig()
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: generatedCLIFlagUsage},
		&cli.IntFlag{Name: "port-range-start", Value: int(d.PortRange.Start), Usage: generatedCLIFlagUsage},
		&cli.IntFlag{Name: "port-range-end", Value: int(d.PortRange.End), Usage: generatedCLIFlagUsage},
		&cli.IntFlag{Name: "io-workers", Value: d.Workers.IOWorkers, Usage: generatedCLIFlagUsage},
		&cli.IntFlag{Name: "media-workers", Value: d.Workers.MediaWorkers, Usage: generatedCLIFlagUsage},
		&cli.StringSliceFlag{Name: "stun-server", Usage: generatedCLIFlagUsage},
		&cli.StringFlag{Name: "log-level", Value: "info", Usage: generatedCLIFlagUsage},
	}
}

// FromCLI applies the flags set on c back onto cfg.
func FromCLI(cfg Config, c *cli.Context) Config {
	if c.IsSet("port-range-start") {
		cfg.PortRange.Start = uint16(c.Int("port-range-start"))
	}
	if c.IsSet("port-range-end") {
		cfg.PortRange.End = uint16(c.Int("port-range-end"))
	}
	if c.IsSet("io-workers") {
		cfg.Workers.IOWorkers = c.Int("io-workers")
	}
	if c.IsSet("media-workers") {
		cfg.Workers.MediaWorkers = c.Int("media-workers")
	}
	if servers := c.StringSlice("stun-server"); len(servers) > 0 {
		cfg.ICE.STUNServers = servers
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	return cfg
}
