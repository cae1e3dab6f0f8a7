package session

import (
	"encoding/binary"

	"github.com/rwsplit/rwsplit/internal/classify"
	"github.com/rwsplit/rwsplit/internal/hint"
	"github.com/rwsplit/rwsplit/internal/wire"
)

// statement is the result of classifying one client packet: everything the
// Route Decider and the rest of the dispatch pipeline need, gathered in one
// pass over the raw bytes (spec.md §4.4 step 2).
type statement struct {
	cmd     wire.Command
	payload []byte
	sqlType classify.SQLType
	hints   *hint.Hint

	stmtID      uint32
	hasStmtID   bool
	isSessionWr bool
	isMultiStmt bool
}

// classifyPacket parses the command byte and, for COM_QUERY, its leading keyword
// and any `-- rwsplit:` hint comment; for the prepared-statement commands, it
// extracts the 4-byte little-endian statement id that follows the command
// byte.
func classifyPacket(payload []byte) statement {
	if len(payload) == 0 {
		return statement{cmd: wire.ComSleep}
	}
	st := statement{cmd: wire.Command(payload[0]), payload: payload}

	switch st.cmd {
	case wire.ComQuery:
		text := payload[1:]
		st.sqlType = classify.ComQuerySQLType(text)
		st.hints = hint.Parse(string(text))
		st.isMultiStmt = classify.HasMultipleStatements(text)
		st.isSessionWr = st.sqlType == classify.TypeSet || st.sqlType == classify.TypeUse
	case wire.ComStmtExecute, wire.ComStmtFetch, wire.ComStmtClose, wire.ComStmtReset:
		if len(payload) >= 5 {
			st.stmtID = binary.LittleEndian.Uint32(payload[1:5])
			st.hasStmtID = true
		}
		// EXECUTE/FETCH/CLOSE/RESET have their own prepared-statement routing
		// (prepared_dispatch.go), not the generic ALL broadcast IsSessionStateCommand
		// would otherwise imply for Close/Reset.
	default:
		st.isSessionWr = st.cmd.IsSessionStateCommand()
	}
	return st
}
