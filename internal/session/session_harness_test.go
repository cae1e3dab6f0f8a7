package session_test

// Test harness driving a Router end to end over net.Pipe, mirroring
// tiproxy's mock_backend_test.go pattern (a hand-rolled server that speaks
// the wire protocol directly against a PacketIO) but without the
// handshake/auth stage, since this router never terminates those.

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/session"
	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap/zaptest"
)

// fakeBackend is a mock MySQL server: for every complete request it reads (a
// run of maximum-length packets closed by a shorter one counts as one), it
// writes back the next queued scripted reply, or a plain OK if none was
// queued.
type fakeBackend struct {
	pio *wire.PacketIO

	mu       sync.Mutex
	received [][]byte
	queue    [][][]byte
}

func newFakeBackend(conn net.Conn) *fakeBackend {
	fb := &fakeBackend{pio: wire.NewPacketIO(conn)}
	go fb.loop()
	return fb
}

func (fb *fakeBackend) loop() {
	continuing := false
	for {
		// Every new top-level command resets the sequence counter to 0
		// (mirrors backendconn.Backend.WriteCommand on the other end); the
		// continuation packets of a large query and the reply that follows
		// keep incrementing from the request's sequence.
		if !continuing {
			fb.pio.ResetSequence()
		}
		payload, isMax, err := fb.pio.ReadPacket()
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.received = append(fb.received, append([]byte(nil), payload...))
		continuing = isMax
		if isMax {
			fb.mu.Unlock()
			continue
		}
		var reply [][]byte
		if len(fb.queue) > 0 {
			reply = fb.queue[0]
			fb.queue = fb.queue[1:]
		} else {
			reply = [][]byte{okPacket(0, 0)}
		}
		fb.mu.Unlock()

		for i, pkt := range reply {
			if err := fb.pio.WritePacket(pkt, i == len(reply)-1); err != nil {
				return
			}
		}
	}
}

// queueReply schedules payloads as the response to the next incoming packet.
func (fb *fakeBackend) queueReply(payloads ...[]byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.queue = append(fb.queue, payloads)
}

func (fb *fakeBackend) receivedCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.received)
}

func (fb *fakeBackend) lastReceived() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.received) == 0 {
		return nil
	}
	return fb.received[len(fb.received)-1]
}

// okPacket builds a minimal OK packet: affected rows and status, both
// single-byte length-encoded for the small values these tests use.
func okPacket(affectedRows uint8, status uint16) []byte {
	out := []byte{0x00, affectedRows, 0x00}
	out = append(out, byte(status), byte(status>>8))
	return out
}

func errPacket(code uint16, msg string) []byte {
	out := []byte{0xff, byte(code), byte(code >> 8), '#'}
	out = append(out, "HY000"...)
	out = append(out, msg...)
	return out
}

// selectOneRowReply builds a minimal classic-protocol result set: one
// column, one EOF ending the column definitions, one row, one EOF ending
// the row stream.
func selectOneRowReply(value string) [][]byte {
	colCount := []byte{0x01}
	colDef := []byte{'c', 'o', 'l'}
	eof := []byte{0xfe, 0x00, 0x00}
	row := append([]byte{byte(len(value))}, value...)
	return [][]byte{colCount, colDef, eof, row, eof}
}

// prepareOKReply builds a minimal COM_STMT_PREPARE response with no columns
// and no parameters, so readPrepareReply needs no further EOF-terminated
// groups.
func prepareOKReply(internalID uint32) [][]byte {
	pkt := make([]byte, 12)
	pkt[0] = 0x00
	binary.LittleEndian.PutUint32(pkt[1:5], internalID)
	return [][]byte{pkt}
}

// testHarness wires one Router up to one or more fakeBackend servers and a
// client-side pipe the test reads forwarded replies from.
type testHarness struct {
	t          *testing.T
	router     *session.Router
	backends   map[string]*fakeBackend
	clientConn net.Conn
	clientRd   *wire.PacketIO
	topo       *topology.View
}

func newTestHarness(t *testing.T, cfg *config.RWSplit, servers []topology.Server) *testHarness {
	t.Helper()

	// Every configured server gets its fakeBackend stood up eagerly, like a
	// real MySQL server listening before anything connects to it: its loop
	// just blocks on ReadPacket until the router actually dials. This lets
	// tests call queueReply before the first statement that reaches a given
	// backend, and receivedCount on a backend the router never dialed.
	backends := make(map[string]*fakeBackend)
	clientSides := make(map[string]net.Conn)
	for _, srv := range servers {
		clientSide, serverSide := net.Pipe()
		clientSides[srv.Addr] = clientSide
		backends[srv.Name] = newFakeBackend(serverSide)
	}

	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		conn, ok := clientSides[addr]
		if !ok {
			return nil, errors.New("no fakeBackend configured for " + addr)
		}
		return conn, nil
	}

	clientServer, clientTest := net.Pipe()
	clientPio := wire.NewPacketIO(clientServer)

	snap := &topology.Snapshot{Servers: servers}
	view := topology.NewView(snap)

	r := session.New(uuid.New(), zaptest.NewLogger(t), cfg, view, dial, clientPio)

	return &testHarness{
		t:          t,
		router:     r,
		backends:   backends,
		clientConn: clientTest,
		clientRd:   wire.NewPacketIO(clientTest),
		topo:       view,
	}
}

// send feeds one logical (single-packet) client statement through the
// router and returns every payload the router forwarded back. The router
// forwards its whole reply through one Flush, which (net.Pipe being a
// synchronous, unbuffered handoff) only returns once a Read has drained it;
// the first ReadPacket below is what unblocks HandleClientPacket, so it must
// run with no deadline, while the rest of the already-buffered reply is
// drained with a short deadline standing in for "no more data is coming".
func (h *testHarness) send(payload []byte) [][]byte {
	h.t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- h.router.HandleClientPacket(context.Background(), payload, false) }()

	first, _, err := h.clientRd.ReadPacket()
	if err != nil {
		h.t.Fatalf("reading forwarded reply: %v", err)
	}
	out := [][]byte{first}

	_ = h.clientConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	for {
		pkt, _, err := h.clientRd.ReadPacket()
		if err != nil {
			break
		}
		out = append(out, pkt)
	}
	_ = h.clientConn.SetReadDeadline(time.Time{})

	if err := <-errCh; err != nil {
		h.t.Fatalf("HandleClientPacket: %v", err)
	}
	return out
}

func comQuery(sql string) []byte {
	return append([]byte{wire.ComQuery.Byte()}, sql...)
}

func testServers(primary, replica string) []topology.Server {
	return []topology.Server{
		{Name: "primary", Addr: primary, Role: topology.RolePrimary},
		{Name: "replica1", Addr: replica, Role: topology.RoleReplica},
	}
}

func testConfig() *config.RWSplit {
	cfg := config.DefaultRWSplit()
	return &cfg
}
