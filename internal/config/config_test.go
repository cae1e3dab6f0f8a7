package config_test

import (
	"testing"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := config.NewConfig()
	require.Equal(t, config.CriterionLeastCurrentOperations, cfg.RWSplit.SlaveSelectionCriteria)
	require.Equal(t, 255, cfg.RWSplit.MaxSlaveConnections)
	require.Equal(t, config.FailInstantly, cfg.RWSplit.MasterFailureMode)
	require.True(t, cfg.RWSplit.StrictMultiStmt)
	require.True(t, cfg.RWSplit.StrictSPCalls)
	require.NoError(t, cfg.Check())
}

func TestLoadOverridesDefaults(t *testing.T) {
	data := []byte(`
[rwsplit]
master-accept-reads = true
max-slave-connections = 10

[cluster]
[[cluster.servers]]
name = "primary"
addr = "127.0.0.1:3306"
role = "primary"

[[cluster.servers]]
name = "replica1"
addr = "127.0.0.1:3307"
role = "replica"
`)
	cfg, err := config.Load(data)
	require.NoError(t, err)
	require.True(t, cfg.RWSplit.MasterAcceptReads)
	require.Equal(t, 10, cfg.RWSplit.MaxSlaveConnections)
	// untouched fields keep their defaults
	require.True(t, cfg.RWSplit.StrictMultiStmt)
	require.Len(t, cfg.Cluster.Servers, 2)
	require.Equal(t, "primary", cfg.Cluster.Servers[0].Role)
}

func TestCheckRejectsUnknownMode(t *testing.T) {
	cfg := config.NewConfig()
	cfg.RWSplit.MasterFailureMode = "bogus"
	require.Error(t, cfg.Check())

	cfg = config.NewConfig()
	cfg.RWSplit.SlaveSelectionCriteria = "bogus"
	require.Error(t, cfg.Check())

	cfg = config.NewConfig()
	cfg.RWSplit.MaxSlaveConnections = -1
	require.Error(t, cfg.Check())
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := config.NewConfig()
	cfg.Cluster.Servers = []config.Server{{Name: "primary", Addr: "127.0.0.1:3306", Role: "primary"}}

	clone := cfg.Clone()
	clone.Cluster.Servers[0].Addr = "10.0.0.1:3306"

	require.Equal(t, "127.0.0.1:3306", cfg.Cluster.Servers[0].Addr)
}
