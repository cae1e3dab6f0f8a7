// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

// ErrCodeOptionPreventsStatement is MySQL's ER_OPTION_PREVENTS_STATEMENT,
// returned to the client when master_failure_mode keeps the session alive
// read-only instead of tearing it down (spec.md §4.4's RW_ERROR_ON_WRITE and
// RW_FAIL_ON_WRITE paths).
const ErrCodeOptionPreventsStatement = 1290

// genericSQLState is the catch-all SQL state MySQL/MariaDB uses for errors
// that don't map to a more specific standard state.
const genericSQLState = "HY000"

// BuildGenericErrPacket builds a complete ERR packet payload (header
// excluded; PacketIO.WritePacket adds that) carrying code and msg under the
// generic SQL state, for errors the router raises itself rather than
// forwards from a backend.
func BuildGenericErrPacket(code uint16, msg string) []byte {
	out := make([]byte, 0, 1+2+1+len(genericSQLState)+len(msg))
	out = append(out, ErrHeader.Byte())
	out = append(out, byte(code), byte(code>>8))
	out = append(out, '#')
	out = append(out, genericSQLState...)
	out = append(out, msg...)
	return out
}

// BuildPingPacket returns the one-byte COM_PING payload used for the
// session's idle-backend keepalive probe (spec.md §4.4 "issue an ignorable
// ping").
func BuildPingPacket() []byte {
	return []byte{ComPing.Byte()}
}
