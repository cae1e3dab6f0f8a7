package session

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/prepared"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// dispatchPreparedUse handles COM_STMT_EXECUTE and COM_STMT_FETCH: both
// target one specific backend (the decider's rule 6 ExecMap affinity for
// FETCH; the prepared statement's own recorded SQLKind for EXECUTE, since the
// command byte alone doesn't say whether the prepared text reads or writes),
// lazily replaying the PREPARE there if it hasn't run on that backend yet,
// per spec.md §4.5.
func (r *Router) dispatchPreparedUse(ctx context.Context, st statement) error {
	stmt, ok := r.prepared.Get(st.stmtID)
	if !ok {
		return errors.WithStack(ErrNoSuitableBackend)
	}

	dst := st
	if st.cmd == wire.ComStmtExecute {
		dst.sqlType = classify.SQLType(stmt.SQLKind)
	}
	r.updateTxnStateBefore(dst)
	target := router.Decide(r.decideContext(dst, false))
	metrics.RouteCounter.WithLabelValues(targetMetricLabel(target.Class)).Inc()

	b, err := r.resolveBackend(ctx, target)
	if err != nil {
		if routerTargetIsMaster(target) {
			return r.primaryWriteFailure(err)
		}
		return err
	}
	if r.txn.inTransaction && r.txn.readOnly && r.txn.pinnedBackend == "" {
		r.txn.pinnedBackend = b.Server.Name
	}
	if err := r.drainBackend(b); err != nil {
		return err
	}

	if stmt.NeedsReplay(b.Server.Name) {
		if err := r.replayPrepare(b, stmt); err != nil {
			return err
		}
	}
	internalID, ok := stmt.InternalIDFor(b.Server.Name)
	if !ok {
		return errors.WithStack(ErrNoSuitableBackend)
	}

	if err := b.WriteCommand(rewriteStmtID(st.payload, internalID), backendconn.ExpectResponse); err != nil {
		return err
	}
	b.IncRunningQueries()
	start := time.Now()
	rep, err := r.readReplyFor(b, st.cmd)
	b.DecRunningQueries()
	if err != nil {
		return r.handleBackendFailure(ctx, st, target, err)
	}
	b.ObserveLatency(time.Since(start))
	b.ConsumeReply()

	if err := r.forwardReply(rep); err != nil {
		return err
	}
	r.updateTxnStateAfter(dst, rep)

	if st.cmd == wire.ComStmtExecute {
		r.prepared.RecordExec(st.stmtID, b.Server.Name)
	}
	if target.Class == router.TargetMaster {
		r.counters.ToPrimary++
	} else {
		r.counters.ToReplica++
	}
	return nil
}

// replayPrepare runs stmt's original PREPARE text against b and records the
// statement id b itself assigned.
func (r *Router) replayPrepare(b *backendconn.Backend, stmt *prepared.Statement) error {
	if err := b.WriteCommand(stmt.PreparePkt, backendconn.ExpectResponse); err != nil {
		return err
	}
	rep, err := r.readPrepareReply(b)
	if err != nil {
		return err
	}
	b.ConsumeReply()
	if rep.outcome.IsError || len(rep.payloads) == 0 || len(rep.payloads[0]) < 5 {
		return errors.WithStack(ErrNoSuitableBackend)
	}
	internalID := binary.LittleEndian.Uint32(rep.payloads[0][1:5])
	stmt.MarkPreparedOn(b.Server.Name)
	stmt.SetInternalID(b.Server.Name, internalID)
	return nil
}

// rewriteStmtID returns a copy of payload with its statement-id field (bytes
// 1:5) replaced by id, since every backend assigns its own id for "the same"
// prepared statement.
func rewriteStmtID(payload []byte, id uint32) []byte {
	if len(payload) < 5 {
		return payload
	}
	out := append([]byte(nil), payload...)
	binary.LittleEndian.PutUint32(out[1:5], id)
	return out
}

// dispatchStmtClose forwards COM_STMT_CLOSE to every backend that has the
// statement prepared and forgets it; the command has no reply in the wire
// protocol, so nothing is forwarded to the client.
func (r *Router) dispatchStmtClose(st statement) error {
	stmt, ok := r.prepared.Get(st.stmtID)
	if !ok {
		return nil
	}
	backends := r.prepared.Close(st.stmtID)
	sort.Strings(backends)
	for _, name := range backends {
		b, ok := r.backends[name]
		if !ok || b.Closed() {
			continue
		}
		internalID, ok := stmt.InternalIDFor(name)
		if !ok {
			continue
		}
		if err := r.drainBackend(b); err != nil {
			r.logger.Warn("drain before STMT_CLOSE failed", zap.Error(err))
			continue
		}
		if err := b.WriteCommand(rewriteStmtID(st.payload, internalID), backendconn.NoResponse); err != nil {
			r.logger.Warn("forward STMT_CLOSE failed", zap.Error(err))
		}
	}
	return nil
}

// dispatchStmtReset forwards COM_STMT_RESET to every backend that has the
// statement prepared (it resets the statement's cursor/long-data state but
// does not unprepare it, per spec.md §4.5), forwarding the first reply to the
// client and discarding the rest.
func (r *Router) dispatchStmtReset(ctx context.Context, st statement) error {
	stmt, ok := r.prepared.Get(st.stmtID)
	if !ok {
		return errors.WithStack(ErrNoSuitableBackend)
	}
	backends := r.prepared.PreparedOn(st.stmtID)
	sort.Strings(backends)

	var canonical *reply
	for _, name := range backends {
		b, ok := r.backends[name]
		if !ok || b.Closed() {
			continue
		}
		internalID, ok := stmt.InternalIDFor(name)
		if !ok {
			continue
		}
		if err := r.drainBackend(b); err != nil {
			continue
		}
		if err := b.WriteCommand(rewriteStmtID(st.payload, internalID), backendconn.ExpectResponse); err != nil {
			continue
		}
		rep, err := r.readSimpleReply(b)
		if err != nil {
			continue
		}
		b.ConsumeReply()
		if canonical == nil {
			canonical = &rep
		}
	}
	if canonical == nil {
		return errors.WithStack(ErrNoSuitableBackend)
	}
	return r.forwardReply(*canonical)
}
