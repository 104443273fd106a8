// Package item implements the wire-level item stream shared by every
// DittoBus command and message.
//
// An item stream is a contiguous buffer of variable-length records. Each
// record (an "item") is a {size, type, payload} triple:
//
//	┌────────┬──────┬──────────┬──────────────────────────────────────┐
//	│ Offset │ Size │ Field    │ Description                          │
//	├────────┼──────┼──────────┼──────────────────────────────────────┤
//	│   0    │  8   │ Size     │ Total item size, header included     │
//	│   8    │  8   │ Type     │ Item type code                       │
//	│  16    │  n   │ Payload  │ Size-16 bytes of payload             │
//	└────────┴──────┴──────────┴──────────────────────────────────────┘
//
// Items are 8-byte aligned: the next item starts at the current item's
// size rounded up to a multiple of 8. All integers are little-endian and
// are never byte-swapped by the broker.
//
// Decoding validates but does not copy: callers receive sub-slices of the
// input buffer. Encoding appends into a power-of-two doubling buffer so
// the whole stream stays addressable as one contiguous region.
package item

// HeaderSize is the fixed size of an item header: u64 size + u64 type.
const HeaderSize = 16

// Alignment is the item alignment within a stream. Every item starts at a
// multiple of 8 from the beginning of the stream.
const Alignment = 8

// OffsetNone is the sentinel payload-vector offset meaning "pad only":
// the record reserves space in the receiver's view without carrying data.
const OffsetNone = ^uint64(0)

// Type identifies the payload shape of an item. The type-per-payload-shape
// mapping is a wire contract: unknown types are a distinguishable decode
// result, not a blob to be skipped.
type Type uint64

// Command item types.
const (
	// TypePayloadVec references message payload data, or reserves pad
	// space when its offset is OffsetNone.
	TypePayloadVec Type = 0x01

	// TypeMakeName carries the NUL-terminated name for a make command.
	TypeMakeName Type = 0x10

	// TypeMakeCgroup carries the u64 cgroup hierarchy id for make-bus.
	TypeMakeCgroup Type = 0x11

	// TypeConnName carries a connection's human-readable label.
	TypeConnName Type = 0x20

	// TypeAttachFlags carries the u64 metadata attach mask for hello.
	TypeAttachFlags Type = 0x21

	// TypePoolSize carries the u64 receive-pool size for hello.
	TypePoolSize Type = 0x22
)

// Metadata item types, one per collector class except comm, which emits
// TypeCommTG and TypeCommTID as a pair, and conn-name, which reuses
// TypeConnName.
const (
	TypeTimestamp Type = 0x40
	TypeCreds     Type = 0x41
	TypeAuxGroups Type = 0x42
	TypeName      Type = 0x43
	TypeCommTG    Type = 0x44
	TypeCommTID   Type = 0x45
	TypeExe       Type = 0x46
	TypeCmdline   Type = 0x47
	TypeCaps      Type = 0x48
	TypeCgroup    Type = 0x49
	TypeAudit     Type = 0x4a
	TypeSeclabel  Type = 0x4b
)

// String returns the wire name of the item type.
func (t Type) String() string {
	switch t {
	case TypePayloadVec:
		return "payload-vec"
	case TypeMakeName:
		return "make-name"
	case TypeMakeCgroup:
		return "make-cgroup"
	case TypeConnName:
		return "conn-name"
	case TypeAttachFlags:
		return "attach-flags"
	case TypePoolSize:
		return "pool-size"
	case TypeTimestamp:
		return "timestamp"
	case TypeCreds:
		return "creds"
	case TypeAuxGroups:
		return "auxgroups"
	case TypeName:
		return "name"
	case TypeCommTG:
		return "comm-tg"
	case TypeCommTID:
		return "comm-tid"
	case TypeExe:
		return "exe"
	case TypeCmdline:
		return "cmdline"
	case TypeCaps:
		return "caps"
	case TypeCgroup:
		return "cgroup"
	case TypeAudit:
		return "audit"
	case TypeSeclabel:
		return "seclabel"
	default:
		return "unknown"
	}
}

// Align rounds n up to the next multiple of the item alignment.
func Align(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Item is one decoded record. Payload aliases the input buffer; it is valid
// only as long as the buffer the item was decoded from.
type Item struct {
	Type    Type
	Payload []byte
}
