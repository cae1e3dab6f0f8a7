package backendconn_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/sescmd"
	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/rwsplit/rwsplit/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newConnectedBackend(t *testing.T) (*backendconn.Backend, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }

	b := backendconn.New(topology.Server{Name: "r1", Addr: "ignored:3306", Role: topology.RoleReplica}, zaptest.NewLogger(t))
	log := sescmd.NewLog(50)
	require.NoError(t, b.Connect(context.Background(), log, dial))
	return b, srv
}

// A fresh backend starts IDLE and can write a request, which puts it into
// EXPECTING_START until a terminal reply arrives.
func TestWriteAdvancesReplyState(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	require.Equal(t, backendconn.StateIdle, b.State())
	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("ping"), backendconn.ExpectResponse))
	require.Equal(t, backendconn.StateExpectingStart, b.State())
}

// A NoResponse write leaves the backend IDLE: nothing is expected back.
func TestNoResponseWriteStaysIdle(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("set @x=1"), backendconn.NoResponse))
	require.Equal(t, backendconn.StateIdle, b.State())
}

// Writing while not IDLE (a reply is still outstanding) is a programming
// error the Backend refuses rather than silently interleaving packets.
func TestWriteWhileNotIdleFails(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("select 1"), backendconn.ExpectResponse))
	require.Error(t, b.Write([]byte("select 2"), backendconn.ExpectResponse))
}

// OnReplyPacket walks EXPECTING_START -> EXPECTING_MORE -> DONE across a
// multi-packet reply, and ConsumeReply returns it to IDLE.
func TestReplyStateMachineMultiPacket(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("select 1"), backendconn.ExpectResponse))

	b.OnReplyPacket(true, false, false)
	require.Equal(t, backendconn.StateExpectingMore, b.State())
	b.OnReplyPacket(false, false, false)
	require.Equal(t, backendconn.StateExpectingMore, b.State())
	b.OnReplyPacket(false, true, false)
	require.Equal(t, backendconn.StateDone, b.State())

	b.ConsumeReply()
	require.Equal(t, backendconn.StateIdle, b.State())
}

// An error or a single-packet terminal reply ends the reply immediately,
// without passing through EXPECTING_MORE.
func TestReplyStateMachineSinglePacket(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("set @x=1"), backendconn.ExpectResponse))

	b.OnReplyPacket(true, true, false)
	require.Equal(t, backendconn.StateDone, b.State())
}

// WriteCommand resets the packet sequence counter before writing, so a fresh
// top-level command always starts at sequence 0 regardless of how many
// packets preceded it on this connection.
func TestWriteCommandResetsSequence(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()
	pio := wire.NewPacketIO(srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = pio.ReadPacket()
		pio.ResetSequence()
		_, _, _ = pio.ReadPacket()
	}()

	require.NoError(t, b.WriteCommand([]byte("select 1"), backendconn.NoResponse))
	b.ConsumeReply()
	require.NoError(t, b.WriteCommand([]byte("select 2"), backendconn.NoResponse))
	<-done
}

// ExecuteSessionCommand drains the pending queue in order and advances the
// cursor to one past the last command it wrote.
func TestExecuteSessionCommandAdvancesCursor(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()
	go io_discardPackets(srv, 2)

	log := sescmd.NewLog(50)
	c1 := log.Append(wire.ComQuery, []byte("SET @a=1"), true)
	c2 := log.Append(wire.ComQuery, []byte("SET @b=2"), true)
	b.AppendSessionCommand(c1)
	b.AppendSessionCommand(c2)

	require.True(t, b.HaveSessionCommands())
	executed, err := b.ExecuteSessionCommand()
	require.NoError(t, err)
	require.Equal(t, c1, executed)
	require.Equal(t, int64(1), b.Cursor())
	b.OnReplyPacket(true, true, false)
	b.ConsumeReply()

	executed, err = b.ExecuteSessionCommand()
	require.NoError(t, err)
	require.Equal(t, c2, executed)
	require.Equal(t, int64(2), b.Cursor())
	b.OnReplyPacket(true, true, false)
	b.ConsumeReply()

	require.False(t, b.HaveSessionCommands())
	executed, err = b.ExecuteSessionCommand()
	require.NoError(t, err)
	require.Nil(t, executed)
}

// Connect refuses to attach a new backend once history is disabled and
// commands have already run: there is no way to bring it to a consistent
// replayed state.
func TestConnectRefusesWhenCannotAttach(t *testing.T) {
	client, _ := net.Pipe()
	dial := func(ctx context.Context, addr string) (net.Conn, error) { return client, nil }

	log := sescmd.NewLog(1)
	log.Append(wire.ComQuery, []byte("SET @a=1"), true)
	log.DisableHistory()

	b := backendconn.New(topology.Server{Name: "r1"}, zaptest.NewLogger(t))
	err := b.Connect(context.Background(), log, dial)
	require.ErrorIs(t, err, backendconn.ErrCannotAttach)
}

// NeedsKeepAlive only fires once idle time exceeds the interval and no reply
// is currently outstanding.
func TestNeedsKeepAlive(t *testing.T) {
	b, srv := newConnectedBackend(t)
	defer srv.Close()

	require.False(t, b.NeedsKeepAlive(0))
	require.False(t, b.NeedsKeepAlive(time.Hour))

	go io_discardOnePacket(t, srv)
	require.NoError(t, b.Write([]byte("select 1"), backendconn.ExpectResponse))
	require.False(t, b.NeedsKeepAlive(time.Nanosecond), "a backend awaiting a reply must not be pinged")
}

func io_discardOnePacket(t *testing.T, conn net.Conn) {
	t.Helper()
	pio := wire.NewPacketIO(conn)
	_, _, _ = pio.ReadPacket()
}

func io_discardPackets(conn net.Conn, n int) {
	pio := wire.NewPacketIO(conn)
	for i := 0; i < n; i++ {
		if _, _, err := pio.ReadPacket(); err != nil {
			return
		}
	}
}
