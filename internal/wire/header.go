// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package wire holds the MySQL/MariaDB wire-protocol primitives the router
// session needs to classify backend replies: packet headers, command and
// capability enums, length-encoded integer parsing, and OK/ERR/EOF detection.
// Handshake/auth parsing is out of scope (see SPEC_FULL.md Non-goals); ground
// truth for everything here is tiproxy's pkg/proxy/net package.
package wire

// Header is the first byte of a packet payload, identifying its kind.
type Header byte

const (
	OKHeader  Header = 0x00
	ErrHeader Header = 0xff
	EOFHeader Header = 0xfe
)

var headerStrings = map[Header]string{
	OKHeader:  "OK",
	ErrHeader: "ERR",
	EOFHeader: "EOF",
}

func (f Header) Byte() byte {
	return byte(f)
}

func (f Header) String() string {
	return headerStrings[f]
}
