package rtp

import (
	"crypto/rand"
	"encoding/binary"
)

// Outbound header identifiers start at random values per RFC 3550 §5.1 so a
// re-registered endpoint never collides with its previous stream.

func randomSSRC() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func randomSequence() uint16 {
	var b [2]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func randomTimestamp() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
