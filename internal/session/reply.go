package session

import (
	"encoding/binary"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/rwsplit/rwsplit/internal/backendconn"
	"github.com/rwsplit/rwsplit/internal/errors"
	"github.com/rwsplit/rwsplit/internal/sescmd"
	"github.com/rwsplit/rwsplit/internal/wire"
)

// reply is one backend response, gathered as a sequence of payloads ready to
// forward verbatim to the client (the router never re-encodes a packet, per
// spec.md §6) plus a parsed OK/ERR for session-command equivalence checking.
type reply struct {
	payloads [][]byte
	outcome  sescmd.Response
}

// readSimpleReply reads exactly one OK/ERR packet, the shape every session
// command (SET, USE, COM_INIT_DB, COM_CHANGE_USER, COM_SET_OPTION,
// COM_STMT_RESET) replies with. COM_STMT_CLOSE has no reply at all.
func (r *Router) readSimpleReply(b *backendconn.Backend) (reply, error) {
	pkt, err := b.ReadReplyPacket()
	if err != nil {
		return reply{}, err
	}
	isErr := wire.IsErrorPacket(pkt)
	b.OnReplyPacket(true, true, isErr)
	return reply{payloads: [][]byte{pkt}, outcome: packetOutcome(pkt, isErr)}, nil
}

// readPrepareReply mirrors tiproxy's forwardPrepareCmd: a COM_STMT_PREPARE
// response begins with a header sharing OK's 0x00 byte but carrying column
// and parameter counts at fixed offsets, each followed by an EOF-terminated
// definition group under the classic (non-ClientDeprecateEOF) protocol.
func (r *Router) readPrepareReply(b *backendconn.Backend) (reply, error) {
	first, err := b.ReadReplyPacket()
	if err != nil {
		return reply{}, err
	}
	if wire.IsErrorPacket(first) {
		b.OnReplyPacket(true, true, true)
		return reply{payloads: [][]byte{first}, outcome: packetOutcome(first, true)}, nil
	}
	payloads := [][]byte{first}
	expectedEOF := 0
	if len(first) >= 7 && binary.LittleEndian.Uint16(first[5:7]) > 0 {
		expectedEOF++
	}
	if len(first) >= 9 && binary.LittleEndian.Uint16(first[7:9]) > 0 {
		expectedEOF++
	}
	b.OnReplyPacket(true, expectedEOF == 0, false)
	for i := 0; i < expectedEOF; i++ {
		for {
			pkt, err := b.ReadReplyPacket()
			if err != nil {
				return reply{}, err
			}
			payloads = append(payloads, pkt)
			if wire.IsEOFPacket(pkt) {
				b.OnReplyPacket(false, i == expectedEOF-1, false)
				break
			}
			b.OnReplyPacket(false, false, false)
		}
	}
	return reply{payloads: payloads, outcome: packetOutcome(first, false)}, nil
}

// readQueryReply reads a COM_QUERY/COM_STMT_EXECUTE reply: either a single
// OK/ERR (a non-SELECT write with no result set) or a result set, whose end
// is detected by an EOF (classic protocol) or a resultset-flavored OK
// (ClientDeprecateEOF), grounded on tiproxy's forwardQueryCmd/forwardUntilEOF
// pair but collapsed into one pass since this router never inspects rows.
func (r *Router) readQueryReply(b *backendconn.Backend) (reply, error) {
	first, err := b.ReadReplyPacket()
	if err != nil {
		return reply{}, err
	}
	if wire.IsOKPacket(first) || wire.IsErrorPacket(first) {
		isErr := wire.IsErrorPacket(first)
		b.OnReplyPacket(true, true, isErr)
		return reply{payloads: [][]byte{first}, outcome: packetOutcome(first, isErr)}, nil
	}

	// Result-set header: column count. Walk column defs, then rows.
	b.OnReplyPacket(true, false, false)
	payloads := [][]byte{first}
	deprecateEOF := r.capability.Has(wire.ClientDeprecateEOF)

	if !deprecateEOF {
		for {
			pkt, err := b.ReadReplyPacket()
			if err != nil {
				return reply{}, err
			}
			payloads = append(payloads, pkt)
			b.OnReplyPacket(false, false, false)
			if wire.IsEOFPacket(pkt) {
				break
			}
		}
	}

	for {
		pkt, err := b.ReadReplyPacket()
		if err != nil {
			return reply{}, err
		}
		payloads = append(payloads, pkt)
		isErr := wire.IsErrorPacket(pkt)
		terminal := isErr
		if deprecateEOF {
			terminal = terminal || wire.IsResultSetOKPacket(pkt)
		} else {
			terminal = terminal || wire.IsEOFPacket(pkt)
		}
		b.OnReplyPacket(false, terminal, isErr)
		if terminal {
			return reply{payloads: payloads, outcome: packetOutcome(pkt, isErr)}, nil
		}
	}
}

func packetOutcome(pkt []byte, isErr bool) sescmd.Response {
	if isErr {
		if myErr, ok := wire.ParseErrorPacket(pkt).(*gomysql.MyError); ok {
			return sescmd.Response{IsError: true, Err: sescmd.ErrFields{Code: myErr.Code, State: myErr.State}}
		}
		return sescmd.Response{IsError: true}
	}
	res := wire.ParseOKPacket(pkt)
	warnings := wire.ParseOKWarningCount(pkt)
	return sescmd.Response{OK: sescmd.OKFields{AffectedRows: res.AffectedRows, Status: res.Status, Warnings: warnings}}
}

// forwardReply writes every payload in rep to the client in order, flushing
// only the last one.
func (r *Router) forwardReply(rep reply) error {
	for i, pkt := range rep.payloads {
		if err := r.client.WritePacket(pkt, i == len(rep.payloads)-1); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// readReplyFor dispatches to the right reply shape for cmd.
func (r *Router) readReplyFor(b *backendconn.Backend, cmd wire.Command) (reply, error) {
	switch cmd {
	case wire.ComStmtPrepare:
		return r.readPrepareReply(b)
	case wire.ComQuery, wire.ComStmtExecute:
		return r.readQueryReply(b)
	default:
		return r.readSimpleReply(b)
	}
}
