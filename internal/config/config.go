// Package config holds the TOML-decoded configuration for the router session:
// listener address, backend server list, and every knob named in the read/write
// split specification (slave selection, failure modes, session-command history,
// causal reads). Modeled on tiproxy's lib/config.Config / Check() / NewConfig().
package config

import (
	"bytes"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rwsplit/rwsplit/internal/errors"
)

var (
	ErrInvalidConfigValue = errors.New("invalid config value")
)

// Master failure modes, spec.md §6.
const (
	FailInstantly = "fail_instantly"
	ErrorOnWrite  = "error_on_write"
	FailOnWrite   = "fail_on_write"
)

// Slave selection criteria, spec.md §6.
const (
	CriterionLeastCurrentOperations = "LEAST_CURRENT_OPERATIONS"
	CriterionLeastBehindMaster      = "LEAST_BEHIND_MASTER"
	CriterionLeastGlobalConnections = "LEAST_GLOBAL_CONNECTIONS"
	CriterionLeastRouterConnections = "LEAST_ROUTER_CONNECTIONS"
	CriterionAdaptiveRouting        = "ADAPTIVE_ROUTING"
)

type Config struct {
	Listen  Listen   `toml:"listen,omitempty" json:"listen,omitempty"`
	Cluster Cluster  `toml:"cluster,omitempty" json:"cluster,omitempty"`
	RWSplit RWSplit  `toml:"rwsplit,omitempty" json:"rwsplit,omitempty"`
	Log     Log      `toml:"log,omitempty" json:"log,omitempty"`
	Metrics Metrics  `toml:"metrics,omitempty" json:"metrics,omitempty"`
}

type Listen struct {
	Addr           string `toml:"addr,omitempty" json:"addr,omitempty"`
	ConnBufferSize int    `toml:"conn-buffer-size,omitempty" json:"conn-buffer-size,omitempty"`
}

// Server describes one statically-configured backend. In production the role and
// lag fields are refreshed by an external monitor (topology.Snapshot); the values
// here only seed the initial snapshot.
type Server struct {
	Name string `toml:"name" json:"name"`
	Addr string `toml:"addr" json:"addr"`
	Role string `toml:"role,omitempty" json:"role,omitempty"`
}

type Cluster struct {
	Servers []Server `toml:"servers,omitempty" json:"servers,omitempty"`
}

type KeepAlive struct {
	Idle    time.Duration `toml:"idle,omitempty" json:"idle,omitempty"`
	Cnt     int           `toml:"cnt,omitempty" json:"cnt,omitempty"`
	Intvl   time.Duration `toml:"intvl,omitempty" json:"intvl,omitempty"`
	Timeout time.Duration `toml:"timeout,omitempty" json:"timeout,omitempty"`
}

// RWSplit holds every option enumerated in the read/write split specification's
// configuration table.
type RWSplit struct {
	SlaveSelectionCriteria  string        `toml:"slave-selection-criteria,omitempty" json:"slave-selection-criteria,omitempty"`
	MaxSlaveConnections     int           `toml:"max-slave-connections,omitempty" json:"max-slave-connections,omitempty"`
	MaxSlaveReplicationLag  time.Duration `toml:"max-slave-replication-lag,omitempty" json:"max-slave-replication-lag,omitempty"`
	MasterAcceptReads       bool          `toml:"master-accept-reads,omitempty" json:"master-accept-reads,omitempty"`
	MasterReconnection      bool          `toml:"master-reconnection,omitempty" json:"master-reconnection,omitempty"`
	MasterFailureMode       string        `toml:"master-failure-mode,omitempty" json:"master-failure-mode,omitempty"`
	StrictMultiStmt         bool          `toml:"strict-multi-stmt,omitempty" json:"strict-multi-stmt,omitempty"`
	StrictSPCalls           bool          `toml:"strict-sp-calls,omitempty" json:"strict-sp-calls,omitempty"`
	RetryFailedReads        bool          `toml:"retry-failed-reads,omitempty" json:"retry-failed-reads,omitempty"`
	ConnectionKeepalive     time.Duration `toml:"connection-keepalive,omitempty" json:"connection-keepalive,omitempty"`
	HealthyKeepAlive        KeepAlive     `toml:"healthy-keepalive,omitempty" json:"healthy-keepalive,omitempty"`
	UnhealthyKeepAlive      KeepAlive     `toml:"unhealthy-keepalive,omitempty" json:"unhealthy-keepalive,omitempty"`
	DisableSescmdHistory    bool          `toml:"disable-sescmd-history,omitempty" json:"disable-sescmd-history,omitempty"`
	MaxSescmdHistory        int           `toml:"max-sescmd-history,omitempty" json:"max-sescmd-history,omitempty"`
	CausalReads             bool          `toml:"causal-reads,omitempty" json:"causal-reads,omitempty"`
	CausalReadsTimeout      time.Duration `toml:"causal-reads-timeout,omitempty" json:"causal-reads-timeout,omitempty"`
	QueryQueueSize          int           `toml:"query-queue-size,omitempty" json:"query-queue-size,omitempty"`
	GTIDWaitFunction        string        `toml:"gtid-wait-function,omitempty" json:"gtid-wait-function,omitempty"`
}

type Log struct {
	Level    string `toml:"level,omitempty" json:"level,omitempty"`
	Encoding string `toml:"encoding,omitempty" json:"encoding,omitempty"`
}

type Metrics struct {
	Addr string `toml:"addr,omitempty" json:"addr,omitempty"`
}

// NewConfig returns a Config populated with spec.md §6's defaults.
func NewConfig() *Config {
	var cfg Config
	cfg.Listen.Addr = "0.0.0.0:4006"
	cfg.Listen.ConnBufferSize = 16 * 1024

	cfg.RWSplit = DefaultRWSplit()

	cfg.Log.Level = "info"
	cfg.Log.Encoding = "console"

	cfg.Metrics.Addr = "0.0.0.0:9104"
	return &cfg
}

func DefaultRWSplit() RWSplit {
	return RWSplit{
		SlaveSelectionCriteria: CriterionLeastCurrentOperations,
		MaxSlaveConnections:    255,
		MaxSlaveReplicationLag: -1,
		MasterAcceptReads:      false,
		MasterReconnection:     false,
		MasterFailureMode:      FailInstantly,
		StrictMultiStmt:        true,
		StrictSPCalls:          true,
		RetryFailedReads:       true,
		ConnectionKeepalive:    300 * time.Second,
		HealthyKeepAlive:       KeepAlive{Idle: 60 * time.Second, Cnt: 5, Intvl: 3 * time.Second, Timeout: 15 * time.Second},
		UnhealthyKeepAlive:     KeepAlive{Idle: 10 * time.Second, Cnt: 5, Intvl: 1 * time.Second, Timeout: 5 * time.Second},
		DisableSescmdHistory:   false,
		MaxSescmdHistory:       50,
		CausalReads:            false,
		CausalReadsTimeout:     10 * time.Second,
		QueryQueueSize:         128,
		GTIDWaitFunction:       GTIDWaitMariaDB,
	}
}

// Causal-read GTID wait functions, spec.md §4.3 step 7 ("server type
// distinguishes which function name is emitted").
const (
	GTIDWaitMariaDB = "MASTER_GTID_WAIT"
	GTIDWaitMySQL   = "WAIT_FOR_EXECUTED_GTID_SET"
)

// Load decodes a TOML config file, filling unset fields with defaults.
func Load(data []byte) (*Config, error) {
	cfg := NewConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the configuration and rejects contradictory combinations.
func (cfg *Config) Check() error {
	switch cfg.RWSplit.MasterFailureMode {
	case FailInstantly, ErrorOnWrite, FailOnWrite, "":
		if cfg.RWSplit.MasterFailureMode == "" {
			cfg.RWSplit.MasterFailureMode = FailInstantly
		}
	default:
		return errors.Wrapf(ErrInvalidConfigValue, "unknown master-failure-mode %q", cfg.RWSplit.MasterFailureMode)
	}

	switch cfg.RWSplit.SlaveSelectionCriteria {
	case CriterionLeastCurrentOperations, CriterionLeastBehindMaster,
		CriterionLeastGlobalConnections, CriterionLeastRouterConnections, CriterionAdaptiveRouting, "":
		if cfg.RWSplit.SlaveSelectionCriteria == "" {
			cfg.RWSplit.SlaveSelectionCriteria = CriterionLeastCurrentOperations
		}
	default:
		return errors.Wrapf(ErrInvalidConfigValue, "unknown slave-selection-criteria %q", cfg.RWSplit.SlaveSelectionCriteria)
	}

	if cfg.RWSplit.MaxSlaveConnections < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "max-slave-connections must be >= 0")
	}
	if cfg.RWSplit.MaxSescmdHistory < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "max-sescmd-history must be >= 0")
	}

	switch cfg.RWSplit.GTIDWaitFunction {
	case GTIDWaitMariaDB, GTIDWaitMySQL, "":
		if cfg.RWSplit.GTIDWaitFunction == "" {
			cfg.RWSplit.GTIDWaitFunction = GTIDWaitMariaDB
		}
	default:
		return errors.Wrapf(ErrInvalidConfigValue, "unknown gtid-wait-function %q", cfg.RWSplit.GTIDWaitFunction)
	}
	return nil
}

func (cfg *Config) Clone() *Config {
	newCfg := *cfg
	newCfg.Cluster.Servers = append([]Server(nil), cfg.Cluster.Servers...)
	return &newCfg
}

func (cfg *Config) ToBytes() ([]byte, error) {
	b := new(bytes.Buffer)
	err := toml.NewEncoder(b).Encode(cfg)
	return b.Bytes(), errors.WithStack(err)
}
