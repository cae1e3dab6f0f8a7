package wire_test

import (
	"testing"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/rwsplit/rwsplit/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestParseOKPacket(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x02, 0x00}
	r := wire.ParseOKPacket(data)
	require.Equal(t, uint64(1), r.AffectedRows)
	require.Equal(t, uint16(2), r.Status)
}

func TestParseErrorPacket(t *testing.T) {
	data := append([]byte{0xff, 0x1a, 0x04, '#'}, []byte("42S02no such table")...)
	err := wire.ParseErrorPacket(data)
	myErr, ok := err.(*gomysql.MyError)
	require.True(t, ok)
	require.Equal(t, uint16(0x041a), myErr.Code)
	require.Equal(t, "42S02", myErr.State)
	require.Equal(t, "no such table", myErr.Message)
}

func TestIsPacketHelpers(t *testing.T) {
	require.True(t, wire.IsOKPacket([]byte{0x00, 0x00}))
	require.True(t, wire.IsErrorPacket([]byte{0xff, 0x00}))
	require.True(t, wire.IsEOFPacket([]byte{0xfe, 0x00, 0x00}))
	require.False(t, wire.IsEOFPacket([]byte{0xfe, 0x00, 0x00, 0x00, 0x00, 0x00}))
}

func TestParseOKWarningCount(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x02, 0x00, 0x03, 0x00}
	require.Equal(t, uint16(3), wire.ParseOKWarningCount(data))

	require.Equal(t, uint16(0), wire.ParseOKWarningCount([]byte{0x00, 0x01, 0x00, 0x02, 0x00}))
}

func TestCommandSessionState(t *testing.T) {
	require.True(t, wire.ComStmtPrepare.IsSessionStateCommand())
	require.False(t, wire.ComQuery.IsSessionStateCommand())
}
