// Copyright 2023 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package wire

const (
	// MaxPayloadLen is the max packet payload length; a query spanning more than
	// this many bytes is split across multiple packets whose sequence ids keep
	// incrementing, driving the router session's large-query continuation logic.
	MaxPayloadLen = 1<<24 - 1

	// HeaderSize is the size of the 4-byte packet header (3-byte length + 1-byte
	// sequence number).
	HeaderSize = 4
)
