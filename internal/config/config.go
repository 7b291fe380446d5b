// Package config loads host and client settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/protocol"
)

var (
	ErrUnknownFormat = errors.New("config: unknown file format")
	ErrInvalid       = errors.New("config: invalid value")
)

type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Simulation SimulationConfig `yaml:"simulation" toml:"simulation"`
	Replica    ReplicaConfig    `yaml:"replica" toml:"replica"`
	Transport  protocol.Config  `yaml:"transport" toml:"transport"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Persist    PersistConfig    `yaml:"persist" toml:"persist"`
}

type ServerConfig struct {
	Name string `yaml:"name" toml:"name"`
	// InboxSize bounds the packets queued between transport goroutines and
	// the tick loop. Packets arriving on a full inbox are dropped.
	InboxSize       int           `yaml:"inbox_size" toml:"inbox_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

type SimulationConfig struct {
	TickRate int `yaml:"tick_rate" toml:"tick_rate"`
	// AckTimeout is rounded up to whole ticks.
	AckTimeout        time.Duration `yaml:"ack_timeout" toml:"ack_timeout"`
	TimeoutPolicy     string        `yaml:"timeout_policy" toml:"timeout_policy"`
	MaxPacketBytes    int           `yaml:"max_packet_bytes" toml:"max_packet_bytes"`
	ExportBufferBytes int           `yaml:"export_buffer_bytes" toml:"export_buffer_bytes"`
}

type ReplicaConfig struct {
	Name                    string        `yaml:"name" toml:"name"`
	Lookahead               int           `yaml:"lookahead" toml:"lookahead"`
	RedundantInputs         int           `yaml:"redundant_inputs" toml:"redundant_inputs"`
	InterpolationDelayTicks int           `yaml:"interpolation_delay_ticks" toml:"interpolation_delay_ticks"`
	JoinTimeout             time.Duration `yaml:"join_timeout" toml:"join_timeout"`
}

type LoggingConfig struct {
	Level    string   `yaml:"level" toml:"level"`
	Encoding string   `yaml:"encoding" toml:"encoding"`
	Output   []string `yaml:"output" toml:"output"`
}

type PersistConfig struct {
	// Dir enables snapshots when set.
	Dir            string        `yaml:"dir" toml:"dir"`
	Key            string        `yaml:"key" toml:"key"`
	Interval       time.Duration `yaml:"interval" toml:"interval"`
	RestoreOnStart bool          `yaml:"restore_on_start" toml:"restore_on_start"`
}

func Default() *Config {
	auth := orchestrator.DefaultAuthorityConfig()
	replica := orchestrator.DefaultReplicaConfig()
	return &Config{
		Server: ServerConfig{
			Name:            "replicore",
			InboxSize:       4096,
			ShutdownTimeout: 5 * time.Second,
		},
		Simulation: SimulationConfig{
			TickRate:          auth.TickRate,
			AckTimeout:        5 * time.Second,
			TimeoutPolicy:     string(auth.TimeoutPolicy),
			MaxPacketBytes:    auth.MaxPacketBytes,
			ExportBufferBytes: auth.ExportBufferBytes,
		},
		Replica: ReplicaConfig{
			Name:                    "player",
			Lookahead:               replica.Lookahead,
			RedundantInputs:         replica.RedundantInputs,
			InterpolationDelayTicks: replica.InterpolationDelayTicks,
			JoinTimeout:             5 * time.Second,
		},
		Transport: protocol.DefaultConfig(),
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
			Output:   []string{"stderr"},
		},
		Persist: PersistConfig{
			Key:      "world",
			Interval: time.Minute,
		},
	}
}

// Load reads path over the defaults. The format follows the extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.InboxSize <= 0 {
		return fmt.Errorf("%w: inbox size %d", ErrInvalid, c.Server.InboxSize)
	}
	if c.Simulation.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack timeout %s", ErrInvalid, c.Simulation.AckTimeout)
	}
	if c.Persist.Dir != "" && (c.Persist.Key == "" || c.Persist.Interval < 0) {
		return fmt.Errorf("%w: persist key %q interval %s", ErrInvalid, c.Persist.Key, c.Persist.Interval)
	}
	if err := c.Authority().Validate(); err != nil {
		return err
	}
	if err := c.ReplicaSettings().Validate(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return c.Transport.Validate()
}

// Authority converts the simulation section. The ack timeout becomes a
// tick count, rounded up.
func (c *Config) Authority() orchestrator.AuthorityConfig {
	cfg := orchestrator.AuthorityConfig{
		TickRate:          c.Simulation.TickRate,
		TimeoutPolicy:     orchestrator.TimeoutPolicy(c.Simulation.TimeoutPolicy),
		MaxPacketBytes:    c.Simulation.MaxPacketBytes,
		ExportBufferBytes: c.Simulation.ExportBufferBytes,
	}
	if cfg.TickRate > 0 {
		scaled := int64(c.Simulation.AckTimeout) * int64(cfg.TickRate)
		cfg.AckTimeoutTicks = int((scaled + int64(time.Second) - 1) / int64(time.Second))
	}
	return cfg
}

// ReplicaSettings converts the replica section. The tick rate is the
// local default until the authority's welcome overrides it.
func (c *Config) ReplicaSettings() orchestrator.ReplicaConfig {
	cfg := orchestrator.DefaultReplicaConfig()
	cfg.Name = c.Replica.Name
	cfg.TickRate = c.Simulation.TickRate
	cfg.Lookahead = c.Replica.Lookahead
	cfg.RedundantInputs = c.Replica.RedundantInputs
	cfg.InterpolationDelayTicks = c.Replica.InterpolationDelayTicks
	cfg.MaxPacketBytes = c.Transport.MaxPacketSize
	return cfg
}

func (c *Config) Log() (log.Config, error) {
	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		return log.Config{}, err
	}
	return log.Config{Level: level, Encoding: c.Logging.Encoding, Output: c.Logging.Output}, nil
}
