package session

import (
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// maybeAdoptNewPrimary implements spec.md §4.4's "Primary replacement": when
// master_reconnection is on, the session is outside a transaction and not
// locked to master, and the topology view now names a different primary,
// the session switches to it and drops temporary-table tracking (temporary
// tables never survive a primary change, per the GLOSSARY). A DDL/user-
// variable lock, if any, is unaffected: whichever server is primary now is
// still the one it pins to.
//
// Grounded on tiproxy's BackendConnManager redirect path
// (backend_conn_mgr.go), trimmed to this router's simpler case: nothing is
// drained or moved here; the next statement routed to the new primary opens
// its backend through ensureOpen if it is not already in use.
func (r *Router) maybeAdoptNewPrimary(st statement) {
	if !r.cfg.MasterReconnection {
		return
	}
	if r.txn.inTransaction || r.txn.lockedToMaster() {
		return
	}
	if st.cmd != wire.ComQuery || !st.sqlType.IsWrite() {
		return
	}

	snap := r.topo.Load()
	primary, ok := snap.Primary()
	if !ok || primary.Name == r.primaryName {
		return
	}

	old := r.primaryName
	r.primaryName = primary.Name
	r.txn.tempTableLock = false
	r.logger.Info("adopted new primary", zap.String("old", old), zap.String("new", primary.Name))
}

// primaryWriteFailure implements spec.md §4.4's "Primary write failure":
// cause is the resolveBackend error encountered while targeting MASTER.
// Its return value is what the caller should propagate: a non-nil error
// tears the client connection down (RW_FAIL_INSTANTLY, or any config the
// caller can't otherwise satisfy); a nil return means the router already
// answered the client itself and the session lives on.
func (r *Router) primaryWriteFailure(cause error) error {
	switch r.cfg.MasterFailureMode {
	case config.ErrorOnWrite:
		return r.client.WritePacket(wire.BuildGenericErrPacket(wire.ErrCodeOptionPreventsStatement, "The MySQL server is running with the --read-only option so it cannot execute this statement"), true)
	case config.FailOnWrite:
		if b, ok := r.primary(); ok {
			b.MarkClosed()
		}
		return r.client.WritePacket(wire.BuildGenericErrPacket(wire.ErrCodeOptionPreventsStatement, "The MySQL server is running with the --read-only option so it cannot execute this statement"), true)
	default: // config.FailInstantly and unrecognised values
		return errors.Wrap(ErrReadOnly, cause)
	}
}

// routerTargetIsMaster reports whether target resolves to the MASTER class,
// used by dispatch to decide whether a resolveBackend failure should go
// through primaryWriteFailure instead of surfacing ErrNoSuitableBackend.
func routerTargetIsMaster(target router.RouteTarget) bool {
	return target.Class == router.TargetMaster
}
