// Copyright 2022 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

type Capability uint32

// Capability flags. Ref https://dev.mysql.com/doc/dev/mysql-server/latest/group__group__cs__capabilities__flags.html.
// Only the flags the router session inspects are kept; TLS/compression/auth
// flags are out of scope per SPEC_FULL.md Non-goals.
const (
	ClientFoundRows       Capability = 1 << 1
	ClientProtocol41      Capability = 1 << 9
	ClientTransactions    Capability = 1 << 13
	ClientMultiStatements Capability = 1 << 16
	ClientMultiResults    Capability = 1 << 17
	ClientPSMultiResults  Capability = 1 << 18
	ClientSessionTrack    Capability = 1 << 23
	ClientDeprecateEOF    Capability = 1 << 24
)

func (f Capability) Has(c Capability) bool {
	return f&c != 0
}

func (f Capability) Uint32() uint32 {
	return uint32(f)
}
