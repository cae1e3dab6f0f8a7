// Package backendconn implements the Backend Connection component: an owned
// handle to one backend server plus its per-session reply state, pending
// session-command queue, and reconnect behavior. Grounded on tiproxy's
// BackendConnManager (pkg/proxy/backend/backend_conn_mgr.go) for the overall
// shape (state enum, exponential backoff reconnect, zap logger carried as a
// field) but pared down to what the router session needs: this package does
// not terminate client-facing auth or TLS (out of scope per SPEC_FULL.md).
package backendconn

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/sescmd"
	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// BCConfig carries the two keep-alive tiers a Backend switches between,
// SPEC_FULL.md §4.1's supplement: a shorter idle/retry profile once the
// backend is observed unhealthy, so a request against it fails fast instead
// of hanging on a half-open socket.
type BCConfig struct {
	Healthy   config.KeepAlive
	Unhealthy config.KeepAlive
}

var (
	ErrNotConnected  = errors.New("backend connection is not open")
	ErrWriteNotIdle  = errors.New("write attempted while reply state is not IDLE")
	ErrCannotAttach  = errors.New("backend cannot attach: session command history is inconsistent")
)

// ReplyState is the Backend Connection's reply state machine, per spec.md §4.1.
type ReplyState int

const (
	StateIdle ReplyState = iota
	StateExpectingStart
	StateExpectingMore
	StateDone
)

func (s ReplyState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateExpectingStart:
		return "EXPECTING_START"
	case StateExpectingMore:
		return "EXPECTING_MORE"
	case StateDone:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

type ResponseMode int

const (
	NoResponse ResponseMode = iota
	ExpectResponse
)

// Backend is one open (or openable) connection to a backend server plus the
// per-session state layered on top of it. Only the owning RouterSession may
// mutate it; it carries no back-pointer to that session (SPEC_FULL.md Design
// Notes: replace raw back-pointers with passed context).
type Backend struct {
	Server topology.Server

	logger *zap.Logger
	pio    *wire.PacketIO

	state    ReplyState
	closed   bool
	inUse    bool
	lastRead time.Time

	cursor      int64 // position of next session command to replay
	pendingCmds []*sescmd.Command

	runningQueries int
	ewmaLatencyUs  float64

	kaCfg    BCConfig
	degraded bool
}

func New(server topology.Server, logger *zap.Logger) *Backend {
	return &Backend{Server: server, logger: logger, state: StateIdle}
}

// ConfigureKeepAlive records the keep-alive tiers this backend switches
// between; called once at session setup, before the backend ever connects.
func (b *Backend) ConfigureKeepAlive(cfg BCConfig) {
	b.kaCfg = cfg
}

// SetDegraded records a health change observed by the owning session (e.g.
// the topology monitor now reports this server down or lagging heavily
// while the session still has it open) and re-applies the matching
// keep-alive tier to the live connection, if one is open.
func (b *Backend) SetDegraded(v bool) {
	if b.degraded == v {
		return
	}
	b.degraded = v
	b.applyKeepAliveTier()
}

func (b *Backend) applyKeepAliveTier() {
	if b.pio == nil || b.closed {
		return
	}
	tier := b.kaCfg.Healthy
	if b.degraded {
		tier = b.kaCfg.Unhealthy
	}
	if tier.Idle <= 0 {
		return
	}
	if err := b.pio.SetKeepalive(tier.Idle, tier.Cnt, tier.Intvl); err != nil {
		b.logger.Warn("failed to set backend keepalive", zap.Error(err))
	}
}

// CanConnect reports whether the server is in a state from which a new
// connection could plausibly succeed: not closed and not marked down. It does
// not look at whether the server is the primary; slave selection filters that
// out itself.
func (b *Backend) CanConnect() bool {
	return !b.closed && b.Server.Role != topology.RoleDown
}

// Connect opens the TCP connection and, on success, enqueues every retained
// command in log for replay. Fails without mutating state if history is
// disabled and commands have already run (log.CanAttach() == false): the
// replica could never be brought to a consistent state.
func (b *Backend) Connect(ctx context.Context, log *sescmd.Log, dial func(ctx context.Context, addr string) (net.Conn, error)) error {
	if !log.CanAttach() {
		return errors.WithStack(ErrCannotAttach)
	}

	conn, err := dialWithBackoff(ctx, b.Server.Addr, dial)
	if err != nil {
		metrics.BackendReconnectCounter.WithLabelValues(b.Server.Name, metrics.ResErr).Inc()
		return errors.Wrapf(err, "connect to backend %s", b.Server.Name)
	}
	metrics.BackendReconnectCounter.WithLabelValues(b.Server.Name, metrics.ResOK).Inc()
	b.pio = wire.NewPacketIO(conn)
	b.state = StateIdle
	b.closed = false
	b.lastRead = time.Now()
	b.applyKeepAliveTier()

	b.pendingCmds = append(b.pendingCmds[:0], log.Entries(b.cursor)...)
	return nil
}

func dialWithBackoff(ctx context.Context, addr string, dial func(context.Context, string) (net.Conn, error)) (net.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 15 * time.Second

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = dial(ctx, addr)
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// WriteCommand sends packet as the first physical packet of a new top-level
// command, resetting the packet sequence counter first, per the MySQL wire
// protocol's per-command sequence reset (grounded on tiproxy's
// packetIO.ResetSequence() call at the top of CmdProcessor.query and
// friends). Continuation packets of an already-started multi-packet query
// must keep incrementing instead; those callers use Write directly.
func (b *Backend) WriteCommand(packet []byte, mode ResponseMode) error {
	if b.pio != nil {
		b.pio.ResetSequence()
	}
	return b.Write(packet, mode)
}

// Write sends one protocol packet. A write while not IDLE is a programming
// error (the owner must check HaveSessionCommands/State first).
func (b *Backend) Write(packet []byte, mode ResponseMode) error {
	if b.pio == nil || b.closed {
		return errors.WithStack(ErrNotConnected)
	}
	if b.state != StateIdle {
		return errors.WithStack(ErrWriteNotIdle)
	}
	if err := b.pio.WritePacket(packet, true); err != nil {
		b.MarkClosed()
		return errors.WithStack(err)
	}
	if mode == ExpectResponse {
		b.state = StateExpectingStart
	}
	return nil
}

// ReadReplyPacket reads one physical reply packet from the backend. The
// caller classifies it (OK/ERR/EOF, first/terminal) and feeds that
// classification to OnReplyPacket; Backend itself stays protocol-agnostic
// about which packets end a reply, since that depends on session-level
// capability flags (ClientDeprecateEOF) it doesn't track.
func (b *Backend) ReadReplyPacket() ([]byte, error) {
	if b.pio == nil || b.closed {
		return nil, errors.WithStack(ErrNotConnected)
	}
	payload, _, err := b.pio.ReadPacket()
	if err != nil {
		b.MarkClosed()
		return nil, errors.WithStack(err)
	}
	return payload, nil
}

// OnReplyPacket advances the reply state machine on receipt of one backend
// packet. isFirst is true for the first packet of this reply; isTerminal is
// true for an EOF/OK/ERR packet that concludes the reply.
func (b *Backend) OnReplyPacket(isFirst, isTerminal, isError bool) {
	b.lastRead = time.Now()
	switch b.state {
	case StateExpectingStart:
		if isError || isTerminal {
			b.state = StateDone
			return
		}
		b.state = StateExpectingMore
	case StateExpectingMore:
		if isTerminal {
			b.state = StateDone
		}
	}
}

// ConsumeReply transitions DONE -> IDLE once the owner has read the reply.
func (b *Backend) ConsumeReply() {
	if b.state == StateDone {
		b.state = StateIdle
	}
}

func (b *Backend) State() ReplyState { return b.state }

// AppendSessionCommand queues cmd for replay on this backend.
func (b *Backend) AppendSessionCommand(cmd *sescmd.Command) {
	b.pendingCmds = append(b.pendingCmds, cmd)
}

// HaveSessionCommands reports whether the replay queue is non-empty. The
// owner must gate ordinary query writes behind this.
func (b *Backend) HaveSessionCommands() bool {
	return len(b.pendingCmds) > 0
}

// ExecuteSessionCommand writes the head of the pending queue and advances the
// per-backend cursor. Returns the command written, or nil if the queue was
// empty.
func (b *Backend) ExecuteSessionCommand() (*sescmd.Command, error) {
	if len(b.pendingCmds) == 0 {
		return nil, nil
	}
	cmd := b.pendingCmds[0]
	mode := NoResponse
	if cmd.ExpectResponse {
		mode = ExpectResponse
	}
	if err := b.WriteCommand(cmd.Payload, mode); err != nil {
		return nil, err
	}
	b.pendingCmds = b.pendingCmds[1:]
	b.cursor = cmd.Position + 1
	return cmd, nil
}

func (b *Backend) Cursor() int64 { return b.cursor }

// LastReadAt returns the timestamp of the last packet read from this
// backend, used by the LEAST_GLOBAL_CONNECTIONS selection criterion as a
// least-recently-used proxy.
func (b *Backend) LastReadAt() time.Time { return b.lastRead }

func (b *Backend) IdleFor() time.Duration {
	if b.lastRead.IsZero() {
		return 0
	}
	return time.Since(b.lastRead)
}

func (b *Backend) InUse() bool    { return b.inUse }
func (b *Backend) SetInUse(v bool) { b.inUse = v }

func (b *Backend) MarkClosed() {
	b.closed = true
	b.state = StateDone
	if b.pio != nil {
		_ = b.pio.Close()
	}
}

func (b *Backend) Closed() bool { return b.closed }

func (b *Backend) RunningQueries() int { return b.runningQueries }
func (b *Backend) IncRunningQueries()  { b.runningQueries++ }
func (b *Backend) DecRunningQueries() {
	if b.runningQueries > 0 {
		b.runningQueries--
	}
}

// ObserveLatency folds one observed round-trip latency into the backend's
// EWMA, used by the ADAPTIVE_ROUTING selection criterion.
func (b *Backend) ObserveLatency(d time.Duration) {
	const alpha = 0.2
	us := float64(d.Microseconds())
	if b.ewmaLatencyUs == 0 {
		b.ewmaLatencyUs = us
		return
	}
	b.ewmaLatencyUs = alpha*us + (1-alpha)*b.ewmaLatencyUs
}

func (b *Backend) EWMALatencyMicros() float64 { return b.ewmaLatencyUs }

// NeedsKeepAlive reports whether idle time exceeds interval and the backend
// is not currently awaiting a reply (so a ping is safe to interleave).
func (b *Backend) NeedsKeepAlive(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	return b.state == StateIdle && b.IdleFor() >= interval
}
