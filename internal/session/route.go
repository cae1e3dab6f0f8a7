package session

import (
	"context"

	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/wire"
)

// decideContext builds the Route Decider's input context from the session's
// current state and st, per spec.md §4.3.
func (r *Router) decideContext(st statement, largeQueryContinuation bool) router.DecideContext {
	return router.DecideContext{
		Command: st.cmd,
		SQLType: st.sqlType,
		Hints:   st.hints,

		IsLargeQueryContinuation: largeQueryContinuation,
		PreviousTarget:           r.large.target,

		InTransaction:            r.txn.inTransaction,
		ReadOnlyTransaction:      r.txn.readOnly,
		TransactionPinnedBackend: r.txn.pinnedBackend,
		LockedToMaster:           r.txn.lockedToMaster() || r.pinnedByStrictMode(st),

		IsSessionWrite: st.isSessionWr,

		IsStmtFetch:    st.cmd == wire.ComStmtFetch,
		ExecMapBackend: r.execMapBackend(st),
		ExecMapFound:   r.execMapFound(st),
	}
}

// pinnedByStrictMode implements SPEC_FULL.md §4.4 supplement: a multi-
// statement query pins to MASTER under strict_multi_stmt, a CALL pins under
// strict_sp_calls. Per spec.md §9's Open Question, when neither applies and
// the session has no other reason to be pinned, no pin is introduced here
// (the txn/lockedToMaster pin, if any, still applies independently).
func (r *Router) pinnedByStrictMode(st statement) bool {
	if st.isMultiStmt && r.cfg.StrictMultiStmt {
		return true
	}
	if st.sqlType == "call" && r.cfg.StrictSPCalls {
		return true
	}
	return false
}

func (r *Router) execMapFound(st statement) bool {
	if st.cmd != wire.ComStmtFetch {
		return false
	}
	_, ok := r.prepared.ExecBackend(st.stmtID)
	return ok
}

func (r *Router) execMapBackend(st statement) string {
	if st.cmd != wire.ComStmtFetch {
		return ""
	}
	name, _ := r.prepared.ExecBackend(st.stmtID)
	return name
}

// candidates builds the Route Decider's backend-selection view from the
// session's currently known backends.
func (r *Router) candidates() []router.Candidate {
	out := make([]router.Candidate, 0, len(r.backends))
	for name, b := range r.backends {
		out = append(out, router.Candidate{
			Name:              name,
			IsMaster:          name == r.primaryName,
			LagMillis:         b.Server.LagMillis,
			CurrentOperations: b.RunningQueries(),
			RunningQueries:    b.RunningQueries(),
			LastUsedAt:        b.LastReadAt(),
			EWMALatencyMicros: b.EWMALatencyMicros(),
			InUse:             b.InUse(),
			Connectable:       b.CanConnect(),
		})
	}
	return out
}

// resolveBackend turns target into one open Backend, lazily connecting it if
// necessary (spec.md §4.3 "If the chosen Backend is not currently open but
// can connect... open it; else fail this routing decision").
func (r *Router) resolveBackend(ctx context.Context, target router.RouteTarget) (*backendconn.Backend, error) {
	maxLag := int64(-1) // config's "-1 means unlimited" sentinel, regardless of unit
	if r.cfg.MaxSlaveReplicationLag >= 0 {
		maxLag = r.cfg.MaxSlaveReplicationLag.Milliseconds()
	}
	params := router.SelectParams{
		Target:            target,
		Candidates:        r.candidates(),
		Criterion:         r.criterion,
		MasterAcceptReads: r.cfg.MasterAcceptReads,
		MaxLagMillis:      maxLag,
		SessionSlaveCount: r.sessionSlaveCount(),
		MaxSlaveCount:     r.cfg.MaxSlaveConnections,
	}
	chosen, ok := router.Select(params)
	if !ok {
		return nil, errors.WithStack(ErrNoSuitableBackend)
	}
	b, ok := r.backends[chosen.Name]
	if !ok {
		return nil, errors.WithStack(ErrNoSuitableBackend)
	}
	if err := r.ensureOpen(ctx, b); err != nil {
		return nil, err
	}
	metrics.ObserveReplicaCount(r.sessionSlaveCount())
	return b, nil
}
