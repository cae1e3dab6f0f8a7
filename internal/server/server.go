// Package server wires one process's listener, topology view, and metrics
// endpoint together and drives one session.Router per accepted connection.
// Grounded on tiproxy's pkg/server.Server (NewServer/Close, one accept loop
// per listener) but without its namespace manager and gin-based admin API
// (dropped per SPEC_FULL.md's DOMAIN STACK table: no HTTP management API in
// scope), replaced here with a plain net/http mux serving /metrics and
// /status.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rwsplit/rwsplit/internal/config"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/session"
	"github.com/rwsplit/rwsplit/internal/topology"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// isTimeout reports whether err is (or wraps) a net.Error that timed out, the
// signal readOrTick uses to tell "nothing to read yet, go run Tick" apart
// from a real connection failure.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Server owns the client listener, the cluster topology view shared by every
// session it spawns, and (optionally) the metrics HTTP endpoint.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	topo   *topology.View

	listener   net.Listener
	metricsSrv *http.Server

	dialer net.Dialer
}

// NewServer opens the client listener and, if configured, the metrics HTTP
// server. It does not accept connections yet; call Serve for that.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	metrics.RegisterAll()
	metrics.SetInstance(cfg.Listen.Addr)

	snap := snapshotFromConfig(cfg)
	s := &Server{
		cfg:    cfg,
		logger: logger,
		topo:   topology.NewView(snap),
		dialer: net.Dialer{Timeout: 5 * time.Second},
	}

	ln, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", cfg.Listen.Addr)
	}
	s.listener = ln

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", s.serveStatus)
		s.metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	return s, nil
}

// serveStatus answers spec.md §6's "counters exposed as a JSON document"
// requirement directly, alongside the Prometheus /metrics scrape endpoint.
func (s *Server) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metrics.TakeSnapshot())
}

// Addr returns the client listener's bound address, useful when Listen.Addr
// in config requested an ephemeral port (":0") for tests.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrapf(err, "accept on %s", s.cfg.Listen.Addr)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts down the metrics server and the client listener. Already-
// accepted sessions are left to drain on their own connection's context.
func (s *Server) Close() error {
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(ctx)
	}
	return s.listener.Close()
}

// handleConn drives one accepted connection's session.Router for as long as
// the connection and the server's context stay alive: a per-command read
// loop (resetting the client-side sequence counter at each new top-level
// command, mirroring backendconn.Backend.WriteCommand on the backend side),
// per spec.md §5's "RouterSession pinned to exactly one goroutine" model.
// Keepalive housekeeping (Tick) runs on this same goroutine, driven by read
// deadlines, rather than on a second goroutine racing HandleClientPacket for
// Router's unsynchronized state.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	clientPio := wire.NewPacketIO(conn)
	logger := s.logger.Named("session")
	dial := func(ctx context.Context, addr string) (net.Conn, error) {
		return s.dialer.DialContext(ctx, "tcp", addr)
	}

	r := session.New(uuid.New(), logger, &s.cfg.RWSplit, s.topo, dial, clientPio)
	defer r.Close()

	for {
		clientPio.ResetSequence()
		payload, isMax, err := s.readOrTick(ctx, r, clientPio)
		if err != nil {
			return
		}
		if err := r.HandleClientPacket(ctx, payload, isMax); err != nil {
			logger.Warn("session terminated", zap.String("session", r.TraceID()), zap.Error(err))
			return
		}
		for isMax {
			payload, isMax, err = s.readOrTick(ctx, r, clientPio)
			if err != nil {
				return
			}
			if err := r.HandleClientPacket(ctx, payload, isMax); err != nil {
				logger.Warn("session terminated", zap.String("session", r.TraceID()), zap.Error(err))
				return
			}
		}
	}
}

// readOrTick reads the next physical packet, calling r.Tick whenever no
// packet arrives within IdleCheckInterval instead of blocking indefinitely,
// so keepalive pings happen on the same goroutine that owns r rather than a
// second one racing it. It keeps retrying past timeouts until a packet
// arrives, a real read error occurs, or ctx is cancelled.
func (s *Server) readOrTick(ctx context.Context, r *session.Router, clientPio *wire.PacketIO) ([]byte, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		_ = clientPio.SetReadDeadline(time.Now().Add(session.IdleCheckInterval()))
		payload, isMax, err := clientPio.ReadPacket()
		if err == nil {
			_ = clientPio.SetReadDeadline(time.Time{})
			return payload, isMax, nil
		}
		if !isTimeout(err) {
			return nil, false, err
		}
		r.Tick(ctx)
	}
}

func snapshotFromConfig(cfg *config.Config) *topology.Snapshot {
	snap := &topology.Snapshot{Servers: make([]topology.Server, 0, len(cfg.Cluster.Servers))}
	for _, srv := range cfg.Cluster.Servers {
		snap.Servers = append(snap.Servers, topology.Server{
			Name: srv.Name,
			Addr: srv.Addr,
			Role: topology.ParseRole(srv.Role),
		})
	}
	return snap
}
