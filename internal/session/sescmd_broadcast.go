package session

import (
	"context"

	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/prepared"
	"github.com/rwsplit/rwsplit/internal/sescmd"
	"github.com/rwsplit/rwsplit/internal/wire"
	"go.uber.org/zap"
)

// broadcastSessionCommand implements the ALL target: cmd is appended to the
// session command log once, then replayed against every in-use backend in a
// fixed (sorted) order so results are reproducible. The first backend's reply
// is the one forwarded to the client; every later backend's reply is checked
// for equivalence only, per spec.md §4.2.
func (r *Router) broadcastSessionCommand(ctx context.Context, st statement) (reply, error) {
	// A cold session opens the primary before cmd joins the log, so that
	// Connect's replay of the log does not queue cmd a second time.
	inUse := sortedBackends(r.inUseBackends())
	if len(inUse) == 0 {
		b, ok := r.primary()
		if !ok {
			return reply{}, errors.WithStack(ErrReadOnly)
		}
		if err := r.ensureOpen(ctx, b); err != nil {
			return reply{}, err
		}
		inUse = []*backendconn.Backend{b}
	}

	cmd := r.sescmdLog.Append(st.cmd, st.payload, true)
	r.counters.SessionCommands++
	r.counters.ToAll++
	metrics.SessionCommandCounter.Inc()
	r.sentSescmd = cmd.Position

	var canonical *reply
	perBackend := make(map[string]reply, len(inUse))

	for _, b := range inUse {
		b.AppendSessionCommand(cmd)
		for b.HaveSessionCommands() {
			executed, err := b.ExecuteSessionCommand()
			if err != nil {
				r.logger.Warn("session command write failed, dropping backend", zap.String("backend", b.Server.Name), zap.Error(err))
				break
			}
			if executed == nil {
				break
			}
			if !executed.ExpectResponse {
				continue
			}
			rep, err := r.readReplyFor(b, executed.Cmd)
			if err != nil {
				r.logger.Warn("session command reply read failed, dropping backend", zap.String("backend", b.Server.Name), zap.Error(err))
				break
			}
			b.ConsumeReply()
			outcome := rep.outcome
			first, prior := r.sescmdLog.RecordResponse(executed.Position, &outcome)

			if executed.Position != cmd.Position {
				continue // catching up on an older backlog entry, not this statement
			}
			perBackend[b.Server.Name] = rep
			switch {
			case first:
				canonical = &rep
			case !sescmd.Equivalent(prior, &outcome):
				r.logger.Warn("session command divergence between backends", zap.String("backend", b.Server.Name))
				b.MarkClosed()
			}
		}
	}

	if canonical == nil {
		return reply{}, errors.WithStack(ErrSessionCommandDivergence)
	}

	if st.cmd == wire.ComStmtPrepare && !canonical.outcome.IsError {
		r.registerPrepare(st, *canonical, perBackend)
	}

	r.recvSescmd = cmd.Position
	if r.sescmdLog.HistoryDisabled() && !r.historyWarned {
		r.historyWarned = true
		r.logger.Warn("session command history disabled: max-sescmd-history exceeded, new backends can no longer attach")
	}
	r.pruneSescmdResponses()
	return *canonical, nil
}

// registerPrepare records the new prepared statement under the client-
// visible id the canonical (forwarded) reply carries, plus every backend's
// own internally-assigned id so later EXECUTE/FETCH/CLOSE/RESET can be
// rewritten per backend.
func (r *Router) registerPrepare(st statement, canonical reply, perBackend map[string]reply) {
	if len(canonical.payloads) == 0 || len(canonical.payloads[0]) < 5 {
		return
	}
	externalID := leUint32(canonical.payloads[0][1:5])
	kind := string(classify.ComQuerySQLType(st.payload[1:]))
	text := prepared.DefaultTextCache.Intern(st.payload)
	stmt := r.prepared.PrepareWithKind(externalID, text, kind)

	for name, rep := range perBackend {
		if len(rep.payloads) == 0 || len(rep.payloads[0]) < 5 {
			continue
		}
		stmt.MarkPreparedOn(name)
		stmt.SetInternalID(name, leUint32(rep.payloads[0][1:5]))
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
