package memswitch

import (
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"
)

// entityKey derives a stable, comparable identity for a P4Runtime entity:
// the fields that select a row, as distinct from the fields that set its
// contents. For table entries that is (table_id, match, priority); a
// changed action is a Modify of the same row, not a new one. Every other
// entity kind (meters, counters, digest configs, …) has no separable
// match/action split in this reference provider, so its whole proto forms
// the key — entries of those kinds only ever support exact Insert/Delete.
func entityKey(e *p4_v1.Entity) string {
	if te := e.GetTableEntry(); te != nil {
		key := &p4_v1.TableEntry{
			TableId:  te.TableId,
			Match:    te.Match,
			Priority: te.Priority,
		}
		b, _ := proto.MarshalOptions{Deterministic: true}.Marshal(key)
		return string(b)
	}
	b, _ := proto.MarshalOptions{Deterministic: true}.Marshal(e)
	return string(b)
}

// matchesReadTarget reports whether entity satisfies the selection carried
// by target. For table entries, a zero table_id or an empty match list in
// target is a wildcard over that field, mirroring the Read RPC's "unset
// field matches anything" convention; the target's other fields (priority,
// action, ...) are not compared. Any other entity kind matches only an
// identical target.
func matchesReadTarget(entity, target *p4_v1.Entity) bool {
	te := entity.GetTableEntry()
	tt := target.GetTableEntry()
	if te == nil || tt == nil {
		return proto.Equal(entity, target)
	}
	if tt.TableId != 0 && tt.TableId != te.TableId {
		return false
	}
	if len(tt.Match) > 0 && !proto.Equal(&p4_v1.TableEntry{Match: tt.Match}, &p4_v1.TableEntry{Match: te.Match}) {
		return false
	}
	return true
}
