package p4rt

import p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"

// electionIDEqual reports whether two (possibly absent) election ids are
// equal. Two absent ids are equal; an absent and a present id are not.
func electionIDEqual(a, b *p4_v1.Uint128) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.High == b.High && a.Low == b.Low
}

// electionIDGreater reports whether a > b, treating a as unset if nil.
// b must be non-nil.
func electionIDGreater(a, b *p4_v1.Uint128) bool {
	if a == nil {
		return false
	}
	if a.High != b.High {
		return a.High > b.High
	}
	return a.Low > b.Low
}

// maxElectionID returns the larger of two (possibly absent) election ids.
func maxElectionID(a, b *p4_v1.Uint128) *p4_v1.Uint128 {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if electionIDGreater(a, b) {
		return a
	}
	return b
}
