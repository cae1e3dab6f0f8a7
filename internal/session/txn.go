package session

import (
	"bytes"

	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/wire"
)

// updateTxnStateBefore applies the transaction/lock transitions that must
// take effect before this statement is routed (spec.md §4.3's InTransaction,
// ReadOnlyTransaction, and LockedToMaster inputs).
func (r *Router) updateTxnStateBefore(st statement) {
	if st.cmd != wire.ComQuery {
		return
	}
	if st.sqlType == classify.TypeBegin {
		r.txn.inTransaction = true
		r.txn.readOnly = isExplicitReadOnly(st.payload[1:])
		r.txn.pinnedBackend = ""
	}
	if classify.HasTemporaryTable(st.payload[1:]) {
		r.txn.tempTableLock = true
	}
	if st.sqlType.IsDDL() || (st.sqlType != classify.TypeSet && classify.HasUserVariable(st.payload[1:]) && bytes.Contains(st.payload[1:], []byte(":="))) {
		r.txn.otherLock = true
	}
}

// lockedToMaster reports whether the session is currently pinned to the
// primary by a DDL/temp-table/user-variable lock (GLOSSARY's
// "locked-to-master"), as opposed to transaction scope.
func (t txnState) lockedToMaster() bool { return t.tempTableLock || t.otherLock }

// updateTxnStateAfter applies the transitions that depend on how the
// statement's own reply came back: COMMIT/ROLLBACK end the transaction once
// the backend confirms it. (A read-only transaction's pin is captured by the
// dispatch path, as soon as its first statement has chosen a backend.)
func (r *Router) updateTxnStateAfter(st statement, rep reply) {
	if st.cmd != wire.ComQuery || rep.outcome.IsError {
		return
	}
	switch st.sqlType {
	case classify.TypeCommit, classify.TypeRollback:
		r.txn.inTransaction = false
		r.txn.readOnly = false
		r.txn.pinnedBackend = ""
	}
}

// isExplicitReadOnly reports whether a BEGIN/START TRANSACTION statement
// carries an explicit READ ONLY mode marker.
func isExplicitReadOnly(text []byte) bool {
	return containsWordFoldASCII(text, []byte("read"), []byte("only"))
}

func containsWordFoldASCII(text, a, b []byte) bool {
	lower := bytes.ToLower(text)
	ia := bytes.Index(lower, bytes.ToLower(a))
	if ia < 0 {
		return false
	}
	rest := lower[ia+len(a):]
	ib := bytes.Index(rest, bytes.ToLower(b))
	return ib >= 0 && ib < 16 // "read" and "only" close together, not across the whole statement
}
