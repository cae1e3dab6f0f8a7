// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/siddontang/go/hack"
)

// ParseOKPacket transforms an OK packet into a Result, giving the router
// session the affected-rows/status bits it needs for response-equivalence
// checks in the session command log.
func ParseOKPacket(data []byte) *gomysql.Result {
	var n int
	pos := 1
	r := new(gomysql.Result)
	r.AffectedRows, _, n = ParseLengthEncodedInt(data[pos:])
	pos += n
	r.InsertId, _, n = ParseLengthEncodedInt(data[pos:])
	pos += n
	r.Status = binary.LittleEndian.Uint16(data[pos:])
	return r
}

// ParseErrorPacket transforms an error packet into a MyError.
func ParseErrorPacket(data []byte) error {
	e := new(gomysql.MyError)
	pos := 1
	e.Code = binary.LittleEndian.Uint16(data[pos:])
	pos += 2
	pos++ // sql state marker '#'
	e.State = hack.String(data[pos : pos+5])
	pos += 5
	e.Message = hack.String(data[pos:])
	return e
}

// IsOKPacket returns true if it's an OK packet (but not a ResultSet OK).
func IsOKPacket(data []byte) bool {
	return len(data) > 0 && data[0] == OKHeader.Byte()
}

// IsEOFPacket returns true if it's a plain EOF packet.
func IsEOFPacket(data []byte) bool {
	return len(data) > 0 && data[0] == EOFHeader.Byte() && len(data) <= 5
}

// IsResultSetOKPacket returns true if it's an OK packet after the result set
// when CLIENT_DEPRECATE_EOF is enabled. A row packet may also begin with
// 0xfe, so the length distinguishes them.
// See https://mariadb.com/kb/en/result-set-packets/.
func IsResultSetOKPacket(data []byte) bool {
	return len(data) >= 7 && data[0] == EOFHeader.Byte() && len(data) < 0xFFFFFF
}

// IsErrorPacket returns true if it's an error packet.
func IsErrorPacket(data []byte) bool {
	return len(data) > 0 && data[0] == ErrHeader.Byte()
}

const serverSessionStateChanged = 0x4000

// sessionTrackGTIDs is the SESSION_TRACK_GTIDS state-change type, sent back
// in an OK packet's session-state-changes section when the server has
// session_track_gtids enabled and CLIENT_SESSION_TRACK was negotiated.
const sessionTrackGTIDs = 0x03

// ParseGTIDFromOK extracts a causal-read GTID set from an OK packet's
// session-state-changes section, if present. The router calls this on every
// reply from the primary, whatever capabilities were negotiated, so a missing
// section just means the backend sent no GTID; the caller treats that as
// "GTID unknown for now" rather than an error.
func ParseGTIDFromOK(data []byte) (gtid string, ok bool) {
	if len(data) < 7 || data[0] != OKHeader.Byte() {
		return "", false
	}
	pos := 1
	_, _, n := ParseLengthEncodedInt(data[pos:])
	pos += n
	_, _, n = ParseLengthEncodedInt(data[pos:])
	pos += n
	if pos+2 > len(data) {
		return "", false
	}
	status := uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2
	if pos+2 <= len(data) {
		pos += 2 // warnings
	}
	if status&serverSessionStateChanged == 0 {
		return "", false
	}
	if pos >= len(data) {
		return "", false
	}
	infoLen, isNull, n := ParseLengthEncodedInt(data[pos:])
	pos += n
	if isNull || pos+int(infoLen) > len(data) {
		return "", false
	}
	changes := data[pos : pos+int(infoLen)]

	for p := 0; p < len(changes); {
		typ := changes[p]
		p++
		blockLen, isNull, n := ParseLengthEncodedInt(changes[p:])
		p += n
		if isNull || p+int(blockLen) > len(changes) {
			return "", false
		}
		block := changes[p : p+int(blockLen)]
		p += int(blockLen)
		if typ != sessionTrackGTIDs {
			continue
		}
		if len(block) < 2 {
			continue
		}
		strVal, _, n := parseLengthEncodedString(block[1:])
		if n > 0 {
			return string(strVal), true
		}
	}
	return "", false
}

func parseLengthEncodedString(b []byte) (str []byte, isNull bool, consumed int) {
	if len(b) == 0 {
		return nil, false, 0
	}
	l, isNull, n := ParseLengthEncodedInt(b)
	if isNull || n+int(l) > len(b) {
		return nil, isNull, 0
	}
	return b[n : n+int(l)], false, n + int(l)
}

// ParseOKWarningCount extracts the 2-byte warning count that follows the
// status flags in an OK packet. Read separately from ParseOKPacket since
// gomysql.Result carries no warnings field; session command replay
// verification (sescmd.Equivalent) needs it alongside AffectedRows/Status.
func ParseOKWarningCount(data []byte) uint16 {
	var n int
	pos := 1
	_, _, n = ParseLengthEncodedInt(data[pos:])
	pos += n
	_, _, n = ParseLengthEncodedInt(data[pos:])
	pos += n
	pos += 2 // status
	if pos+2 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint16(data[pos:])
}
