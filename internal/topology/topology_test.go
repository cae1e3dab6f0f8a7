package topology_test

import (
	"testing"

	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPrimaryAndByName(t *testing.T) {
	snap := &topology.Snapshot{Servers: []topology.Server{
		{Name: "p1", Role: topology.RolePrimary},
		{Name: "r1", Role: topology.RoleReplica},
		{Name: "r2", Role: topology.RoleDown},
	}}

	primary, ok := snap.Primary()
	require.True(t, ok)
	require.Equal(t, "p1", primary.Name)

	srv, ok := snap.ByName("r1")
	require.True(t, ok)
	require.Equal(t, topology.RoleReplica, srv.Role)

	_, ok = snap.ByName("missing")
	require.False(t, ok)
}

func TestSnapshotReplicasIncludeMaster(t *testing.T) {
	snap := &topology.Snapshot{Servers: []topology.Server{
		{Name: "p1", Role: topology.RolePrimary},
		{Name: "r1", Role: topology.RoleReplica},
		{Name: "relay1", Role: topology.RoleRelay},
	}}

	require.ElementsMatch(t, []string{"r1", "relay1"}, names(snap.Replicas(false)))
	require.ElementsMatch(t, []string{"p1", "r1", "relay1"}, names(snap.Replicas(true)))
}

func names(servers []topology.Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Name
	}
	return out
}

func TestParseRole(t *testing.T) {
	cases := map[string]topology.Role{
		"primary": topology.RolePrimary,
		"master":  topology.RolePrimary,
		"replica": topology.RoleReplica,
		"slave":   topology.RoleReplica,
		"relay":   topology.RoleRelay,
		"down":    topology.RoleDown,
		"bogus":   topology.RoleUnknown,
		"":        topology.RoleUnknown,
	}
	for input, want := range cases {
		require.Equal(t, want, topology.ParseRole(input), "input %q", input)
	}
}

func TestViewLoadStoreIsVisibleImmediately(t *testing.T) {
	v := topology.NewView(&topology.Snapshot{Servers: []topology.Server{{Name: "p1", Role: topology.RolePrimary}}})
	require.Len(t, v.Load().Servers, 1)

	v.Store(&topology.Snapshot{Servers: []topology.Server{{Name: "p1"}, {Name: "r1"}}})
	require.Len(t, v.Load().Servers, 2)
}

func TestNewViewNilDefaultsToEmptySnapshot(t *testing.T) {
	v := topology.NewView(nil)
	require.NotNil(t, v.Load())
	require.Empty(t, v.Load().Servers)
}
