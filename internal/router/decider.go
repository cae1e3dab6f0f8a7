package router

import (
	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/hint"
	"github.com/rwsplit/rwsplit/internal/wire"
)

// DecideContext carries everything the pure Route Decider needs: the
// classified packet, any hints, and the session's current routing-relevant
// state. It deliberately holds no pointers back into the session.
type DecideContext struct {
	Command wire.Command
	SQLType classify.SQLType
	Hints   *hint.Hint

	IsLargeQueryContinuation bool
	PreviousTarget           RouteTarget

	InTransaction            bool
	ReadOnlyTransaction      bool
	TransactionPinnedBackend string
	LockedToMaster           bool

	IsSessionWrite bool

	IsStmtFetch       bool
	ExecMapBackend    string
	ExecMapFound      bool
}

// Decide implements spec.md §4.3's nine ordered rules, first match wins.
func Decide(ctx DecideContext) RouteTarget {
	// 1. Large-query continuation packets inherit the prior target verbatim.
	if ctx.IsLargeQueryContinuation {
		return ctx.PreviousTarget
	}

	// 2. Routing hints.
	if route := hint.Find(ctx.Hints, hint.KindRouteToServer); route != nil {
		return RouteTarget{Class: TargetNamedServer, ServerName: route.ServerName}
	}
	if lag := hint.Find(ctx.Hints, hint.KindMaxSlaveReplicationLag); lag != nil {
		return RouteTarget{Class: TargetLagMax, MaxLagMillis: lag.LagMillis}
	}

	// 3. Session-write classification: writes to connection state, not data.
	if ctx.IsSessionWrite {
		return RouteTarget{Class: TargetAll}
	}

	// 4. Active non-read-only transaction, or locked-to-master.
	if (ctx.InTransaction && !ctx.ReadOnlyTransaction) || ctx.LockedToMaster {
		return RouteTarget{Class: TargetMaster}
	}

	// 5. Active read-only transaction: stick to the backend chosen at BEGIN.
	// Until that first backend is known (this very statement may be the one
	// that picks it), fall through to ordinary slave selection.
	if ctx.InTransaction && ctx.ReadOnlyTransaction {
		if ctx.TransactionPinnedBackend != "" {
			return RouteTarget{Class: TargetNamedServer, ServerName: ctx.TransactionPinnedBackend}
		}
		return RouteTarget{Class: TargetSlave}
	}

	// 6. COM_STMT_FETCH targets the backend recorded in the ExecMap; falls
	// back to SLAVE (with a caller-side warning) when unknown.
	if ctx.IsStmtFetch {
		if ctx.ExecMapFound {
			return RouteTarget{Class: TargetNamedServer, ServerName: ctx.ExecMapBackend}
		}
		return RouteTarget{Class: TargetSlave}
	}

	// 7. Data-mutating writes.
	if ctx.SQLType.IsWrite() {
		return RouteTarget{Class: TargetMaster, StoreForRetry: false}
	}

	// 8. Reads in autocommit, no transaction.
	if !ctx.InTransaction {
		return RouteTarget{Class: TargetSlave, StoreForRetry: true}
	}

	// 9. Otherwise.
	return RouteTarget{Class: TargetMaster}
}
