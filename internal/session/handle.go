package session

import (
	"context"
	"sort"
	"time"

	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// HandleClientPacket is the Router's single entry point: one physical packet
// read from the client connection, per spec.md §4.4. The caller (the
// per-connection loop in internal/server) reads packets off the client PacketIO and feeds them here in
// order; Router never reads from the client itself, so it stays easy to drive
// from tests with canned payloads.
func (r *Router) HandleClientPacket(ctx context.Context, payload []byte, isMax bool) error {
	if !r.large.active {
		// Large-query continuation packets keep targeting the backend
		// already pinned in beginLargeQuery; resyncing mid-sequence could
		// otherwise hand a continuation to a Backend the session just
		// learned about, which has never seen the head packet.
		r.syncBackendSet(r.topo.Load())
	}
	if r.large.active {
		return r.continueLargeQuery(ctx, payload, isMax)
	}

	st := classifyPacket(payload)

	if st.cmd == wire.ComQuit {
		return r.Close()
	}

	if isMax {
		return r.beginLargeQuery(ctx, st, payload)
	}
	return r.dispatch(ctx, st)
}

// dispatch routes one complete (non-large-query) statement per spec.md §4.3
// and §4.4.
func (r *Router) dispatch(ctx context.Context, st statement) error {
	r.updateTxnStateBefore(st)
	r.maybeAdoptNewPrimary(st)

	switch {
	case st.cmd == wire.ComStmtExecute, st.cmd == wire.ComStmtFetch:
		return r.dispatchPreparedUse(ctx, st)
	case st.cmd == wire.ComStmtClose:
		return r.dispatchStmtClose(st)
	case st.cmd == wire.ComStmtReset:
		return r.dispatchStmtReset(ctx, st)
	}

	target := router.Decide(r.decideContext(st, false))
	metrics.RouteCounter.WithLabelValues(targetMetricLabel(target.Class)).Inc()

	if target.Class == router.TargetAll {
		rep, err := r.broadcastSessionCommand(ctx, st)
		if err != nil {
			return err
		}
		if err := r.forwardReply(rep); err != nil {
			return err
		}
		r.updateTxnStateAfter(st, rep)
		return nil
	}

	return r.dispatchToOne(ctx, st, target)
}

// dispatchToOne resolves target to a single backend, writes the statement,
// reads its reply, forwards it to the client, and runs the causal-read /
// retry-on-stale-read machinery for plain queries.
func (r *Router) dispatchToOne(ctx context.Context, st statement, target router.RouteTarget) error {
	payload := st.payload
	wrapped := false
	if target.Class == router.TargetSlave && r.cfg.CausalReads && r.gtid != "" && st.cmd == wire.ComQuery {
		payload = wrapCausalRead(st.payload, r.gtid, r.cfg.CausalReadsTimeout, r.cfg.GTIDWaitFunction)
		wrapped = true
	}

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
	if err := b.WriteCommand(payload, backendconn.ExpectResponse); err != nil {
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

	if wrapped && causalReadTimedOut(rep) {
		return r.retryOnPrimary(ctx, st)
	}

	if err := r.forwardReply(rep); err != nil {
		return err
	}

	if target.Class == router.TargetMaster {
		r.counters.ToPrimary++
		if gtid, ok := wire.ParseGTIDFromOK(lastPayload(rep)); ok {
			r.gtid = gtid
		}
	} else {
		r.counters.ToReplica++
	}
	r.updateTxnStateAfter(st, rep)
	return nil
}

// retryOnPrimary implements spec.md §7's causal-read-timeout recovery: the
// statement is re-issued against the primary, unchanged, and its reply (not
// the timed-out one) is what reaches the client.
func (r *Router) retryOnPrimary(ctx context.Context, st statement) error {
	r.counters.Reroutes++
	metrics.RerouteCounter.WithLabelValues(metrics.ResErr).Inc()
	b, ok := r.primary()
	if !ok {
		return errors.WithStack(ErrReadOnly)
	}
	if err := r.ensureOpen(ctx, b); err != nil {
		return err
	}
	if err := r.drainBackend(b); err != nil {
		return err
	}
	if err := b.WriteCommand(st.payload, backendconn.ExpectResponse); err != nil {
		return err
	}
	rep, err := r.readReplyFor(b, st.cmd)
	if err != nil {
		return err
	}
	b.ConsumeReply()
	r.counters.ToPrimary++
	return r.forwardReply(rep)
}

// handleBackendFailure implements spec.md §7's read-retry: a read that was
// marked StoreForRetry is reissued once, against the primary, before the
// error is surfaced; it is not retried on another replica. Any other failed
// statement returns cause unchanged.
func (r *Router) handleBackendFailure(ctx context.Context, st statement, target router.RouteTarget, cause error) error {
	r.logger.Warn("backend read failed", zap.Error(cause), zap.String("target", target.Class.String()))
	if !target.StoreForRetry {
		return cause
	}
	return r.retryOnPrimary(ctx, st)
}

// drainBackend writes and consumes every queued session command on b before
// an ordinary statement may use it (spec.md §4.4 step 4). This is where a
// newly-attached backend catches up on the session's retained history, so
// each command's round trip is timed into SescmdExecHistogram.
func (r *Router) drainBackend(b *backendconn.Backend) error {
	for b.HaveSessionCommands() {
		start := time.Now()
		cmd, err := b.ExecuteSessionCommand()
		if err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}
		if !cmd.ExpectResponse {
			continue
		}
		rep, err := r.readReplyFor(b, cmd.Cmd)
		if err != nil {
			return err
		}
		b.ConsumeReply()
		metrics.SescmdExecHistogram.Observe(time.Since(start).Seconds())
		outcome := rep.outcome
		r.sescmdLog.RecordResponse(cmd.Position, &outcome)
	}
	r.pruneSescmdResponses()
	return nil
}

// beginLargeQuery handles the first (max-length) physical packet of a logical
// query that will span more than one packet (spec.md §4.4 step 8). Subsequent
// packets are opaque continuation data and must not be reclassified.
func (r *Router) beginLargeQuery(ctx context.Context, st statement, payload []byte) error {
	target := router.Decide(r.decideContext(st, false))

	var b *backendconn.Backend
	var err error
	if target.Class == router.TargetAll {
		// A session-write statement spanning multiple packets still needs a
		// single representative backend to answer synchronously; true
		// multi-packet ALL-broadcast isn't supported (documented limitation).
		var ok bool
		b, ok = r.primary()
		if !ok {
			return errors.WithStack(ErrReadOnly)
		}
		err = r.ensureOpen(ctx, b)
	} else {
		b, err = r.resolveBackend(ctx, target)
	}
	if err != nil {
		return err
	}
	if err := r.drainBackend(b); err != nil {
		return err
	}
	if err := b.WriteCommand(payload, backendconn.NoResponse); err != nil {
		return err
	}
	r.large = largeQuery{active: true, target: target, backend: b.Server.Name}
	return nil
}

// continueLargeQuery forwards one continuation packet to the pinned backend.
// isMax indicates more continuation packets follow; a short packet closes the
// logical query and its reply is read and forwarded as usual.
func (r *Router) continueLargeQuery(ctx context.Context, payload []byte, isMax bool) error {
	b, ok := r.backends[r.large.backend]
	if !ok {
		r.large = largeQuery{}
		return errors.WithStack(ErrNoSuitableBackend)
	}
	if isMax {
		return b.Write(payload, backendconn.NoResponse)
	}

	target := r.large.target
	r.large = largeQuery{}
	if err := b.Write(payload, backendconn.ExpectResponse); err != nil {
		return err
	}
	cmd := wire.ComQuery
	rep, err := r.readReplyFor(b, cmd)
	if err != nil {
		return err
	}
	b.ConsumeReply()
	if err := r.forwardReply(rep); err != nil {
		return err
	}
	if target.Class == router.TargetMaster {
		r.counters.ToPrimary++
	} else {
		r.counters.ToReplica++
	}
	return nil
}

func targetMetricLabel(c router.TargetClass) string {
	switch c {
	case router.TargetAll:
		return metrics.TargetAll
	case router.TargetMaster:
		return metrics.TargetMaster
	default:
		return metrics.TargetSlave
	}
}

func lastPayload(rep reply) []byte {
	if len(rep.payloads) == 0 {
		return nil
	}
	return rep.payloads[len(rep.payloads)-1]
}

// causalReadTimedOut reports whether the causal-read-wrapped statement came
// back as an error reply (spec.md §7). Any error counts, whether the GTID wait
// timed out or failed otherwise, or the wrapped statement itself failed.
func causalReadTimedOut(rep reply) bool {
	return rep.outcome.IsError
}

func sortedBackends(bs []*backendconn.Backend) []*backendconn.Backend {
	sort.Slice(bs, func(i, j int) bool { return bs[i].Server.Name < bs[j].Server.Name })
	return bs
}
