// Package sescmd implements the session command log: the ordered history of
// state-mutating statements (SET, USE, PREPARE, …) that must be replayed on
// every backend a session attaches, so that a read against any replica
// observes the same cumulative session state as the primary. Grounded on
// tiproxy's balance/router use of bahlo/generic-list-go for an ordered,
// O(1)-removal connection list (pkg/balance/router/router.go), repurposed
// here to hold ordered commands instead of connections.
package sescmd

import (
	"bytes"

	glist "github.com/bahlo/generic-list-go"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/metrics"
	"github.com/rwsplit/rwsplit/internal/wire"
)

var (
	ErrHistoryDisabled = errors.New("session command history is disabled")
	ErrDivergentReply  = errors.New("session command divergence between backends")
)

// Command is one state-mutating statement. Immutable after construction and
// shared by reference among every backend that must execute it.
type Command struct {
	Position       int64
	Cmd            wire.Command
	Payload        []byte
	ExpectResponse bool
}

// Response is the first reply observed for a Command, cached so that later
// backends' replies can be checked for equivalence and then discarded.
type Response struct {
	IsError bool
	OK      OKFields
	Err     ErrFields
}

type OKFields struct {
	AffectedRows uint64
	Status       uint16
	Warnings     uint16
}

type ErrFields struct {
	Code  uint16
	State string
}

// Log is the append-only, ordered session command history. Positions are
// strictly increasing; append is the only way to grow it. Two pruning modes
// apply after append: purge-duplicates (history retained) or full clear with
// history latched off (history disabled).
type Log struct {
	entries             *glist.List[*Command]
	responseByPosition  map[int64]*Response
	nextPosition        int64
	maxHistory          int
	historyDisabled     bool
	sawAnyCommand       bool
}

func NewLog(maxHistory int) *Log {
	return &Log{
		entries:            glist.New[*Command](),
		responseByPosition: make(map[int64]*Response),
		maxHistory:         maxHistory,
	}
}

// Append adds a new command at the next position and applies the pruning
// rule for the current mode. Returns the appended command.
func (l *Log) Append(cmd wire.Command, payload []byte, expectResponse bool) *Command {
	c := &Command{Position: l.nextPosition, Cmd: cmd, Payload: payload, ExpectResponse: expectResponse}
	l.nextPosition++
	l.sawAnyCommand = true

	if l.historyDisabled {
		// Nothing to retain; the response map still needs tracking until
		// every in-use backend has answered (handled by RecordResponse /
		// PruneBelow), so entries are simply not added to the ordered list.
		return c
	}

	l.entries.PushBack(c)
	metrics.SescmdLogLenGauge.Inc()

	if cmd != wire.ComStmtPrepare {
		before := l.entries.Len()
		l.purgeDuplicates(payload)
		metrics.SescmdLogLenGauge.Sub(float64(before - l.entries.Len()))
	}

	if l.maxHistory > 0 && l.entries.Len() > l.maxHistory {
		l.DisableHistory()
	}
	return c
}

// purgeDuplicates implements the "purge-duplicates" pruning law: once a third
// textually-equivalent entry exists (the one just appended plus two earlier
// ones), delete every occurrence but the first and the last, preserving the
// invariant that for any two retained commands with equal payload, no third
// equal-payload command exists between them.
func (l *Log) purgeDuplicates(payload []byte) {
	var matches []*glist.Element[*Command]
	for e := l.entries.Front(); e != nil; e = e.Next() {
		if bytes.Equal(e.Value.Payload, payload) {
			matches = append(matches, e)
		}
	}
	if len(matches) < 3 {
		return
	}
	for _, e := range matches[1 : len(matches)-1] {
		l.entries.Remove(e)
		delete(l.responseByPosition, e.Value.Position)
	}
}

// DisableHistory clears the retained log and latches history off. New
// backends may no longer attach (see CanAttach) since they cannot be brought
// to a consistent replayed state.
func (l *Log) DisableHistory() {
	metrics.SescmdLogLenGauge.Sub(float64(l.entries.Len()))
	l.historyDisabled = true
	l.entries = glist.New[*Command]()
}

// HistoryDisabled reports whether the log has been latched off.
func (l *Log) HistoryDisabled() bool {
	return l.historyDisabled
}

// CanAttach reports whether a brand-new backend may join this session: only
// when history is retained, or history is disabled but no command has run
// yet (so there is nothing to have missed).
func (l *Log) CanAttach() bool {
	if !l.historyDisabled {
		return true
	}
	return !l.sawAnyCommand
}

// Entries returns the retained commands in append order, from position
// `from` (inclusive) onward.
func (l *Log) Entries(from int64) []*Command {
	var out []*Command
	for e := l.entries.Front(); e != nil; e = e.Next() {
		if e.Value.Position >= from {
			out = append(out, e.Value)
		}
	}
	return out
}

func (l *Log) Len() int {
	return l.entries.Len()
}

func (l *Log) LastPosition() int64 {
	return l.nextPosition - 1
}

// RecordResponse stores the first reply seen for a position and reports
// whether this call was the first (the client-visible one) along with the
// previously stored response for equivalence checking on subsequent calls.
func (l *Log) RecordResponse(position int64, resp *Response) (first bool, prior *Response) {
	if existing, ok := l.responseByPosition[position]; ok {
		return false, existing
	}
	l.responseByPosition[position] = resp
	return true, nil
}

// Equivalent reports whether two responses to the same session command are
// equivalent: both OK with matching affected-rows/status/warning-count, or
// both errors with matching code/state, per spec.md §4.2's equivalence tuple.
func Equivalent(a, b *Response) bool {
	if a.IsError != b.IsError {
		return false
	}
	if a.IsError {
		return a.Err.Code == b.Err.Code && a.Err.State == b.Err.State
	}
	return a.OK.AffectedRows == b.OK.AffectedRows &&
		a.OK.Status == b.OK.Status &&
		a.OK.Warnings == b.OK.Warnings
}

// PruneBelow drops cached responses for positions below the lowest in-flight
// per-backend cursor. Used once history is disabled, since the ordered log
// itself has already been cleared.
func (l *Log) PruneBelow(lowestCursor int64) {
	for pos := range l.responseByPosition {
		if pos < lowestCursor {
			delete(l.responseByPosition, pos)
		}
	}
}
