package memswitch

import (
	"encoding/binary"
	"net"
)

// ipv4FromBitstring decodes a 4-byte P4Runtime bitstring field into an IPv4
// address, for logging packet-out payloads. A field that isn't exactly 4
// bytes is reported as the unspecified address rather than panicking.
func ipv4FromBitstring(b []byte) net.IP {
	if len(b) != 4 {
		return net.IPv4zero
	}
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// uint16FromBitstring decodes a compressed (1- or 2-byte) P4Runtime
// bitstring field into a uint16, matching the wire encoding's habit of
// dropping leading zero bytes.
func uint16FromBitstring(b []byte) uint16 {
	switch len(b) {
	case 2:
		return binary.BigEndian.Uint16(b)
	case 1:
		return uint16(b[0])
	default:
		return 0
	}
}

// uint64FromBitstring decodes a compressed (1- to 8-byte) bitstring field,
// such as a counter transmitted with its leading zero bytes stripped, into
// a uint64. An empty or longer-than-8-byte field decodes as 0. Nothing in
// this package calls it yet apart from its test.
func uint64FromBitstring(b []byte) uint64 {
	if len(b) == 0 || len(b) > 8 {
		return 0
	}
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}
