// Package prepared implements the Prepared Statement Manager: it stores each
// PREPARE under a client-visible id, issues an internal id, tracks which
// backends have actually prepared it, and records the ExecMap (statement id
// -> backend) so COM_STMT_FETCH lands on the same backend as the preceding
// COM_STMT_EXECUTE. Grounded on tiproxy's cmd_processor_exec.go prepared
// statement bookkeeping (pkg/proxy/backend), adapted to a session-owned map
// instead of a single-backend forwarder.
package prepared

import (
	"sync"
	"sync/atomic"
)

// BackendKey identifies a backend the way Manager needs to: anything the
// caller already uses to distinguish one backend from another (e.g. a
// server name). Kept generic so this package need not import backendconn.
type BackendKey = string

// Statement is one PREPARE'd text, keyed by the client-visible id.
type Statement struct {
	ExternalID  uint32
	InternalID  uint32
	PreparePkt  []byte
	PreparedOn  map[BackendKey]struct{}

	// SQLKind is the classified SQL type of the prepared text (e.g. "select",
	// "insert"), carried as a plain string so this package need not import
	// the classify package. COM_STMT_EXECUTE's command byte alone can't tell
	// a read from a write; the caller fills this in at Prepare time and
	// consults it when routing each EXECUTE.
	SQLKind string

	// internalIDs maps a backend to the statement_id *that backend* assigned
	// when it ran PreparePkt. Each backend picks its own id independently, so
	// every EXECUTE/FETCH/CLOSE/RESET forwarded to it must have its id field
	// rewritten to this value; the client only ever sees ExternalID.
	internalIDs map[BackendKey]uint32
}

// Manager owns every live PreparedStatement for one session plus the ExecMap.
type Manager struct {
	nextInternalID uint32
	byExternal     map[uint32]*Statement
	execMap        map[uint32]BackendKey
}

func NewManager() *Manager {
	return &Manager{
		byExternal: make(map[uint32]*Statement),
		execMap:    make(map[uint32]BackendKey),
	}
}

// Prepare registers a new PREPARE under externalID, returning the Statement
// that now owns the canonical packet. Called once, when the client's
// COM_STMT_PREPARE is broadcast (target ALL, per the route decider).
func (m *Manager) Prepare(externalID uint32, preparePkt []byte) *Statement {
	s := &Statement{
		ExternalID: externalID,
		InternalID: atomic.AddUint32(&m.nextInternalID, 1),
		PreparePkt: preparePkt,
		PreparedOn: make(map[BackendKey]struct{}),
	}
	m.byExternal[externalID] = s
	return s
}

// PrepareWithKind is Prepare plus the prepared text's classified SQL type,
// used for routing its later EXECUTEs (see Statement.SQLKind).
func (m *Manager) PrepareWithKind(externalID uint32, preparePkt []byte, sqlKind string) *Statement {
	s := m.Prepare(externalID, preparePkt)
	s.SQLKind = sqlKind
	return s
}

func (m *Manager) Get(externalID uint32) (*Statement, bool) {
	s, ok := m.byExternal[externalID]
	return s, ok
}

// MarkPreparedOn records that backend now has this statement prepared,
// typically after replaying the stored PreparePkt against it.
func (s *Statement) MarkPreparedOn(backend BackendKey) {
	s.PreparedOn[backend] = struct{}{}
}

// SetInternalID records the statement id backend itself assigned when it
// prepared this statement.
func (s *Statement) SetInternalID(backend BackendKey, internalID uint32) {
	if s.internalIDs == nil {
		s.internalIDs = make(map[BackendKey]uint32)
	}
	s.internalIDs[backend] = internalID
}

// InternalIDFor returns the statement id backend assigned, if it has this
// statement prepared.
func (s *Statement) InternalIDFor(backend BackendKey) (uint32, bool) {
	id, ok := s.internalIDs[backend]
	return id, ok
}

// NeedsReplay reports whether backend must receive a replay PREPARE before
// the EXECUTE can be forwarded to it.
func (s *Statement) NeedsReplay(backend BackendKey) bool {
	_, ok := s.PreparedOn[backend]
	return !ok
}

// Close removes the statement and its ExecMap entries. Returns the set of
// backends that had it prepared, so the caller can forward COM_STMT_CLOSE to
// each of them.
func (m *Manager) Close(externalID uint32) []BackendKey {
	s, ok := m.byExternal[externalID]
	if !ok {
		return nil
	}
	delete(m.byExternal, externalID)
	delete(m.execMap, externalID)

	backends := make([]BackendKey, 0, len(s.PreparedOn))
	for b := range s.PreparedOn {
		backends = append(backends, b)
	}
	return backends
}

// PreparedOn returns every backend that currently has externalID prepared, so
// a COM_STMT_RESET can be forwarded to each of them without unregistering the
// statement itself (unlike Close, the statement stays usable afterward).
func (m *Manager) PreparedOn(externalID uint32) []BackendKey {
	s, ok := m.byExternal[externalID]
	if !ok {
		return nil
	}
	backends := make([]BackendKey, 0, len(s.PreparedOn))
	for b := range s.PreparedOn {
		backends = append(backends, b)
	}
	return backends
}

// RecordExec records which backend served the most recent COM_STMT_EXECUTE
// for externalID, so a following COM_STMT_FETCH can target the same one.
func (m *Manager) RecordExec(externalID uint32, backend BackendKey) {
	m.execMap[externalID] = backend
}

// ExecBackend returns the backend recorded for externalID's last EXECUTE, if
// any. COM_STMT_FETCH consults this before falling back to a generic replica
// (spec.md §9 Open Questions: unknown id warns and falls through).
func (m *Manager) ExecBackend(externalID uint32) (BackendKey, bool) {
	b, ok := m.execMap[externalID]
	return b, ok
}

// TextCache is the cross-session prepared-statement text cache named in
// spec.md §5(c): sessions that prepare identical SQL text (the common case
// for a connection-pooled application re-preparing the same statement on
// every new session) share one backing byte slice instead of each holding
// its own copy, guarded by a reader/writer lock since writes (a genuinely
// new text) are rare relative to reads (an already-seen text coming back
// around). Keyed by the text's own bytes, not by any session's external id,
// since two sessions never share an external id numbering.
type TextCache struct {
	mu    sync.RWMutex
	texts map[string][]byte
}

func NewTextCache() *TextCache {
	return &TextCache{texts: make(map[string][]byte)}
}

// Intern returns the cached backing slice for text, storing it first if this
// is the first time this exact text has been seen. The returned slice must
// be treated as immutable by the caller.
func (c *TextCache) Intern(text []byte) []byte {
	key := string(text)

	c.mu.RLock()
	if cached, ok := c.texts[key]; ok {
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.texts[key]; ok {
		return cached
	}
	c.texts[key] = []byte(key)
	return c.texts[key]
}

// Len reports the number of distinct texts currently cached. Test/metrics
// helper.
func (c *TextCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.texts)
}

// DefaultTextCache is the process-wide cache shared by every router session,
// mirroring the "global" half of spec.md §5(c) (one cache per proxy process,
// not per backend set, since the text itself never varies by backend).
var DefaultTextCache = NewTextCache()
