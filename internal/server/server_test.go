package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/server"
	"github.com/rwsplit/rwsplit/internal/wire"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeBackendServer listens on an ephemeral port and answers every incoming
// packet with a plain OK, mirroring the session package's net.Pipe-based
// fakeBackend but over a real TCP socket since internal/server dials real
// addresses.
func fakeBackendServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		pio := wire.NewPacketIO(conn)
		for {
			pio.ResetSequence()
			if _, _, err := pio.ReadPacket(); err != nil {
				return
			}
			if err := pio.WritePacket([]byte{0x00, 0x00, 0x00, 0x02, 0x00}, true); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String()
}

// A client that opens a connection to the server and sends BEGIN gets back
// an OK forwarded verbatim, end to end through the real listener, dialer,
// and session.Router wiring cmd/rwsplitd assembles.
func TestServeRoundTripsOneStatement(t *testing.T) {
	backendAddr := fakeBackendServer(t)

	cfg := config.NewConfig()
	cfg.Listen.Addr = "127.0.0.1:0"
	cfg.Metrics.Addr = ""
	cfg.Cluster.Servers = []config.Server{{Name: "primary", Addr: backendAddr, Role: "primary"}}

	srv, err := server.NewServer(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	clientPio := wire.NewPacketIO(conn)
	require.NoError(t, clientPio.WritePacket(append([]byte{wire.ComQuery.Byte()}, "BEGIN"...), true))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, _, err := clientPio.ReadPacket()
	require.NoError(t, err)
	require.True(t, wire.IsOKPacket(reply))
}
