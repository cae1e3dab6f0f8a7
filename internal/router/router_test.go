package router_test

import (
	"testing"

	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/hint"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/stretchr/testify/require"
)

func TestDecideSessionWriteGoesToAll(t *testing.T) {
	target := router.Decide(router.DecideContext{IsSessionWrite: true, SQLType: classify.TypeSet})
	require.Equal(t, router.TargetAll, target.Class)
}

func TestDecideHintRouteToServer(t *testing.T) {
	h := hint.Parse("-- rwsplit:route to server replica2")
	target := router.Decide(router.DecideContext{Hints: h, SQLType: classify.TypeSelect})
	require.Equal(t, router.TargetNamedServer, target.Class)
	require.Equal(t, "replica2", target.ServerName)
}

func TestDecideTransactionPinsToMaster(t *testing.T) {
	target := router.Decide(router.DecideContext{InTransaction: true, SQLType: classify.TypeSelect})
	require.Equal(t, router.TargetMaster, target.Class)
}

func TestDecideReadOnlyTransactionPinsToChosenBackend(t *testing.T) {
	target := router.Decide(router.DecideContext{
		InTransaction:            true,
		ReadOnlyTransaction:      true,
		TransactionPinnedBackend: "replica1",
		SQLType:                  classify.TypeSelect,
	})
	require.Equal(t, router.TargetNamedServer, target.Class)
	require.Equal(t, "replica1", target.ServerName)
}

func TestDecideStmtFetchFallsThroughToSlave(t *testing.T) {
	target := router.Decide(router.DecideContext{IsStmtFetch: true, ExecMapFound: false})
	require.Equal(t, router.TargetSlave, target.Class)
}

func TestDecideStmtFetchUsesExecMap(t *testing.T) {
	target := router.Decide(router.DecideContext{IsStmtFetch: true, ExecMapFound: true, ExecMapBackend: "replica1"})
	require.Equal(t, router.TargetNamedServer, target.Class)
	require.Equal(t, "replica1", target.ServerName)
}

func TestDecideWriteGoesToMaster(t *testing.T) {
	target := router.Decide(router.DecideContext{SQLType: classify.TypeInsert})
	require.Equal(t, router.TargetMaster, target.Class)
}

func TestDecideAutocommitReadGoesToSlave(t *testing.T) {
	target := router.Decide(router.DecideContext{SQLType: classify.TypeSelect})
	require.Equal(t, router.TargetSlave, target.Class)
	require.True(t, target.StoreForRetry)
}

func TestDecideLargeQueryContinuationInheritsTarget(t *testing.T) {
	prev := router.RouteTarget{Class: router.TargetMaster}
	target := router.Decide(router.DecideContext{IsLargeQueryContinuation: true, PreviousTarget: prev})
	require.Equal(t, router.TargetMaster, target.Class)
}

func TestSelectSlaveRanksByLeastCurrentOperations(t *testing.T) {
	p := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetSlave},
		Candidates: []router.Candidate{
			{Name: "replica1", CurrentOperations: 5},
			{Name: "replica2", CurrentOperations: 1},
		},
		Criterion:    router.LeastCurrentOperations{},
		MaxLagMillis: -1,
	}
	chosen, ok := router.Select(p)
	require.True(t, ok)
	require.Equal(t, "replica2", chosen.Name)
}

func TestSelectSlaveExcludesOverLagLimit(t *testing.T) {
	p := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetLagMax, MaxLagMillis: 100},
		Candidates: []router.Candidate{
			{Name: "replica1", LagMillis: 500},
			{Name: "replica2", LagMillis: 50},
		},
		Criterion: router.LeastCurrentOperations{},
	}
	chosen, ok := router.Select(p)
	require.True(t, ok)
	require.Equal(t, "replica2", chosen.Name)
}

func TestSelectMasterExcludesWhenAbsent(t *testing.T) {
	p := router.SelectParams{
		Target:     router.RouteTarget{Class: router.TargetMaster},
		Candidates: nil,
	}
	_, ok := router.Select(p)
	require.False(t, ok)
}

func TestSelectMasterFindsTheUniquePrimary(t *testing.T) {
	p := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetMaster},
		Candidates: []router.Candidate{
			{Name: "replica1"},
			{Name: "primary", IsMaster: true},
		},
	}
	chosen, ok := router.Select(p)
	require.True(t, ok)
	require.Equal(t, "primary", chosen.Name)
}

func TestSelectNamedServerIsCaseInsensitive(t *testing.T) {
	p := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetNamedServer, ServerName: "Replica1"},
		Candidates: []router.Candidate{
			{Name: "replica1", Connectable: true, InUse: true},
		},
	}
	chosen, ok := router.Select(p)
	require.True(t, ok)
	require.Equal(t, "replica1", chosen.Name)
}

func TestSelectNamedServerRejectsNotInUseOrNotConnectable(t *testing.T) {
	notInUse := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetNamedServer, ServerName: "replica1"},
		Candidates: []router.Candidate{
			{Name: "replica1", Connectable: true, InUse: false},
		},
	}
	_, ok := router.Select(notInUse)
	require.False(t, ok, "a named-server target must already be in-use, per spec.md §4.3")

	notConnectable := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetNamedServer, ServerName: "replica1"},
		Candidates: []router.Candidate{
			{Name: "replica1", Connectable: false, InUse: true},
		},
	}
	_, ok = router.Select(notConnectable)
	require.False(t, ok, "a named-server target whose role is down must not match")
}

func TestSelectSlaveExcludesMasterUnlessAcceptReads(t *testing.T) {
	p := router.SelectParams{
		Target: router.RouteTarget{Class: router.TargetSlave},
		Candidates: []router.Candidate{
			{Name: "primary", IsMaster: true},
		},
		Criterion:    router.LeastCurrentOperations{},
		MaxLagMillis: -1,
	}
	_, ok := router.Select(p)
	require.False(t, ok)

	p.MasterAcceptReads = true
	chosen, ok := router.Select(p)
	require.True(t, ok)
	require.Equal(t, "primary", chosen.Name)
}
