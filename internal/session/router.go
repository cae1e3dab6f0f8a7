// Package session implements the Router Session: the top-level state machine
// that wires the Backend Connection, Session Command Log, Prepared Statement
// Manager, and Route Decider together for one client connection. It owns
// client-visible response ordering, transaction state, causal-read
// bookkeeping, and failover reactions, per spec.md §4.4. Named Router (not
// RouterSession) to avoid package/type stutter, mirroring tiproxy's
// BackendConnManager living in package backend.
//
// Grounded on tiproxy's pkg/proxy/backend.BackendConnManager for the overall
// shape (a struct pinned to one connection's goroutine, a zap logger field, a
// processLock-free design since nothing here is called concurrently) but
// generalized from "one backend, redirect on demand" to "N backends routed
// per statement" per SPEC_FULL.md's expansion of spec.md §2-§4.
package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/prepared"
	"github.com/rwsplit/rwsplit/internal/router"
	"github.com/rwsplit/rwsplit/internal/sescmd"
	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrNoSuitableBackend        = errors.New("no suitable backend for this statement")
	ErrReadOnly                 = errors.New("router session: no primary available, session is read-only")
	ErrSessionCommandDivergence = errors.New("session command divergence between backends")
)

// Dialer opens a connection to a backend address. Injected so tests can use
// net.Pipe instead of real sockets, mirroring how backendconn.Backend.Connect
// takes its dial func as a parameter rather than hardcoding net.DialTimeout.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// txnState tracks the session's transaction and pin bookkeeping (spec.md §3's
// "an optional *locked* Backend" plus the transaction-scope rules of §4.3).
type txnState struct {
	inTransaction bool
	readOnly      bool
	pinnedBackend string // set on first statement of a read-only transaction

	// tempTableLock and otherLock both implement GLOSSARY's "locked-to-master"
	// (see txnState.lockedToMaster); kept apart because a primary replacement
	// drops temporary-table tracking (spec.md §4.4) but not a DDL/user-variable
	// lock, which still applies to whichever server is primary now.
	tempTableLock bool
	otherLock     bool
}

// largeQuery remembers the backend a multi-packet logical query was pinned
// to, so every continuation packet (payload length == wire.MaxPayloadLen)
// keeps targeting it until a short packet closes the sequence (spec.md §4.5,
// testable property "large-query atomicity").
type largeQuery struct {
	active  bool
	target  router.RouteTarget
	backend string
}

// Counters are the per-session routing counters named in spec.md §6's
// Observability table, returned by Router.Snapshot. The JSON document
// (metrics.TakeSnapshot) does not read them: it is built from the global
// prometheus counters, which the session increments alongside these.
type Counters struct {
	ToPrimary       uint64
	ToReplica       uint64
	ToAll           uint64
	SessionCommands uint64
	Reroutes        uint64
}

// Router is the per-client Read/Write Split router session (spec.md §3's
// RouterSession). It is pinned to exactly one goroutine for its entire
// lifetime (spec.md §5): nothing here is safe for concurrent use, and it
// holds no lock because nothing calls it concurrently.
type Router struct {
	id     uuid.UUID
	logger *zap.Logger
	cfg    *config.RWSplit
	topo   *topology.View
	dial   Dialer

	client *wire.PacketIO

	backends    map[string]*backendconn.Backend
	primaryName string

	sescmdLog *sescmd.Log
	prepared  *prepared.Manager
	criterion router.Criterion

	capability wire.Capability
	txn        txnState
	large      largeQuery
	gtid       string

	counters      Counters
	sentSescmd    int64
	recvSescmd    int64
	historyWarned bool

	closed bool
}

// New builds a Router for one accepted client connection. snapshot seeds the
// initial backend set from the topology view current at connect time;
// subsequent routing re-reads topo.Load() so a later monitor swap is picked
// up without reconstructing the session (spec.md §5(a)).
func New(id uuid.UUID, logger *zap.Logger, cfg *config.RWSplit, topo *topology.View, dial Dialer, client *wire.PacketIO) *Router {
	r := &Router{
		id:         id,
		logger:     logger.With(zap.String("session", id.String())),
		cfg:        cfg,
		topo:       topo,
		dial:       dial,
		client:     client,
		backends:   make(map[string]*backendconn.Backend),
		sescmdLog:  sescmd.NewLog(cfg.MaxSescmdHistory),
		prepared:   prepared.NewManager(),
		criterion:  router.CriterionByName(cfg.SlaveSelectionCriteria),
		capability: wire.ClientProtocol41 | wire.ClientTransactions,
	}
	if cfg.DisableSescmdHistory {
		r.sescmdLog.DisableHistory()
	}
	metrics.SessionGauge.Inc()
	r.syncBackendSet(topo.Load())
	return r
}

// syncBackendSet creates a lazily-connectable Backend handle for every server
// in snap that the session doesn't already know about, and, on the session's
// first sync, records the current primary's name. It never removes a Backend
// the session has already opened; failover handling (failover.go) decides
// when to drop one. After construction, r.primaryName only ever changes
// through maybeAdoptNewPrimary's gated "Primary replacement" logic
// (spec.md §4.4) — never unconditionally here, or master_reconnection=false
// (and the in-transaction/locked-to-master guards) would have no effect.
func (r *Router) syncBackendSet(snap *topology.Snapshot) {
	if snap == nil {
		return
	}
	for _, srv := range snap.Servers {
		b, ok := r.backends[srv.Name]
		if !ok {
			b = backendconn.New(srv, r.logger.Named("backend").With(zap.String("server", srv.Name)))
			b.ConfigureKeepAlive(backendconn.BCConfig{Healthy: r.cfg.HealthyKeepAlive, Unhealthy: r.cfg.UnhealthyKeepAlive})
			r.backends[srv.Name] = b
		} else {
			b.Server = srv
		}
		b.SetDegraded(srv.Role == topology.RoleDown)
		if srv.Role == topology.RolePrimary && r.primaryName == "" {
			r.primaryName = srv.Name
		}
	}
}

// Close tears the session down: abandons replay on idle backends, discards
// in-flight responses, and closes every backend (spec.md §5 "client
// disconnect triggers graceful teardown").
func (r *Router) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	metrics.SessionGauge.Dec()

	var wg sync.WaitGroup
	for _, b := range r.backends {
		if b.Closed() {
			continue
		}
		wg.Add(1)
		go func(b *backendconn.Backend) {
			defer wg.Done()
			b.MarkClosed()
		}(b)
	}
	wg.Wait()
	return nil
}

// TraceID is the session's trace id, attached to every log line for
// cross-backend correlation (SPEC_FULL.md DOMAIN STACK: google/uuid).
func (r *Router) TraceID() string { return r.id.String() }

// Snapshot returns the session's routing counters. They are not part of
// metrics.TakeSnapshot's JSON document, which reads the global prometheus
// counters.
func (r *Router) Snapshot() Counters { return r.counters }

// SescmdProgress returns the highest session-command position written
// (sent_sescmd) and the highest position whose reply has reached the client
// (recv_sescmd), per spec.md §4.4's reply-coalescing bookkeeping.
func (r *Router) SescmdProgress() (sent, recv int64) { return r.sentSescmd, r.recvSescmd }

func (r *Router) primary() (*backendconn.Backend, bool) {
	b, ok := r.backends[r.primaryName]
	return b, ok
}

func (r *Router) inUseBackends() []*backendconn.Backend {
	out := make([]*backendconn.Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if b.InUse() {
			out = append(out, b)
		}
	}
	return out
}

// pruneSescmdResponses drops cached session-command responses below the
// lowest cursor among in-use backends, once history has been disabled (the
// ordered log itself was already cleared by sescmd.Log.DisableHistory; this
// is the "prune the response map below the lowest in-flight per-backend
// cursor" half of spec.md §4.2's history-disabled pruning rule).
func (r *Router) pruneSescmdResponses() {
	if !r.sescmdLog.HistoryDisabled() {
		return
	}
	lowest := int64(-1)
	for _, b := range r.inUseBackends() {
		if lowest == -1 || b.Cursor() < lowest {
			lowest = b.Cursor()
		}
	}
	if lowest >= 0 {
		r.sescmdLog.PruneBelow(lowest)
	}
}

func (r *Router) sessionSlaveCount() int {
	n := 0
	for name, b := range r.backends {
		if name != r.primaryName && b.InUse() {
			n++
		}
	}
	return n
}

// ensureOpen lazily connects backend if it isn't already open, replaying the
// session command log per spec.md §4.1's connect contract. Refuses (without
// mutating closed/inUse state) when the log can't be safely replayed.
func (r *Router) ensureOpen(ctx context.Context, b *backendconn.Backend) error {
	if !b.Closed() && b.InUse() {
		return nil
	}
	if !b.CanConnect() {
		return errors.WithStack(ErrNoSuitableBackend)
	}
	if err := b.Connect(ctx, r.sescmdLog, r.dial); err != nil {
		return err
	}
	b.SetInUse(true)
	metrics.BackendConnGauge.WithLabelValues(b.Server.Name).Inc()
	return nil
}

// idleCheckInterval is how often the owning connection loop calls Tick to
// drive keepalive pings; it is exposed through IdleCheckInterval because the
// caller (internal/server's readOrTick) uses it as its read deadline.
const idleCheckInterval = time.Second

// IdleCheckInterval exposes idleCheckInterval to internal/server.
func IdleCheckInterval() time.Duration { return idleCheckInterval }

// Tick drives the time-based housekeeping spec.md §4.4 calls "Connection
// keep-alive": on an interval the owning connection loop controls (no
// shorter than IdleCheckInterval), every in-use backend whose idle time
// exceeds connection_keepalive and which isn't currently awaiting a reply
// receives an ignorable COM_PING. A failed ping closes that backend the same
// way any other write/read failure would; it does not fail the session.
func (r *Router) Tick(ctx context.Context) {
	if r.closed || r.cfg.ConnectionKeepalive <= 0 {
		return
	}
	for _, b := range r.inUseBackends() {
		if !b.NeedsKeepAlive(r.cfg.ConnectionKeepalive) {
			continue
		}
		if err := b.WriteCommand(wire.BuildPingPacket(), backendconn.ExpectResponse); err != nil {
			r.logger.Warn("keepalive ping write failed", zap.String("backend", b.Server.Name), zap.Error(err))
			continue
		}
		if _, err := r.readSimpleReply(b); err != nil {
			r.logger.Warn("keepalive ping reply failed", zap.String("backend", b.Server.Name), zap.Error(err))
			continue
		}
		b.ConsumeReply()
	}
}
