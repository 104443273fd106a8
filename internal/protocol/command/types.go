// Package command decodes the variable-length control commands DittoBus
// accepts from untrusted client memory.
//
// Every command begins with a fixed little-endian header whose first u64
// is the total command size, header and trailing item stream included.
// Decoding copies the client buffer exactly once into a freshly allocated
// command buffer; the returned command objects reference that copy, so
// later stages never re-read client memory.
//
// Validation is strict and fail-fast: size bounds, per-item framing,
// singleton items, NUL-terminated printable names, and the residual
// padding rule at stream end. Errors are broker error kinds from
// pkg/broker, surfaced to the dispatcher unchanged.
package command

import (
	"unicode/utf8"

	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/broker/names"
)

// MaxCommandSize bounds a command's declared total size. Anything larger
// is refused before the variable area is touched.
const MaxCommandSize = 64*1024 - 1

// Fixed header sizes, in bytes.
const (
	// busMakeHeaderSize covers {size, flags, bloom_size}.
	busMakeHeaderSize = 24

	// nsMakeHeaderSize covers {size, flags}.
	nsMakeHeaderSize = 16

	// epMakeHeaderSize covers {size, flags, mode}.
	epMakeHeaderSize = 24

	// helloHeaderSize covers {size, flags}.
	helloHeaderSize = 16
)

// Bloom filter size bounds for make-bus: a power of two within
// [8, 16384].
const (
	BloomSizeMin = broker.BloomSizeMin
	BloomSizeMax = broker.BloomSizeMax
)

// Make flags and pool bounds are owned by the broker package; the
// decoder re-exports them so callers framing commands need only this
// package.
const (
	MakeAccessGroup = broker.MakeAccessGroup
	MakeAccessWorld = broker.MakeAccessWorld
	MakePolicyOpen  = broker.MakePolicyOpen

	MaxPoolSize     = broker.MaxPoolSize
	DefaultPoolSize = broker.DefaultPoolSize
)

// maxBusNamePayload bounds a make-name payload, NUL included, matching
// the well-known-name bound of the registry.
const maxBusNamePayload = names.MaxNameLength + 1

// BusMake is a validated make-bus command. Name was extracted once from
// the command's owned buffer; nothing re-reads client memory.
type BusMake struct {
	Flags     uint64
	BloomSize uint64
	Name      string

	// CgroupID is the cgroup hierarchy the bus attaches metadata from;
	// zero when the optional item was absent.
	CgroupID uint64
}

// NamespaceMake is a validated make-namespace command.
type NamespaceMake struct {
	Flags uint64
	Name  string
}

// EndpointMake is a validated make-endpoint command.
type EndpointMake struct {
	Flags uint64
	Mode  uint32
	Name  string
}

// Hello is a validated hello command.
type Hello struct {
	Flags      uint64
	Label      string
	AttachMask uint64
	PoolSize   uint64
}

// validateMakeName enforces the shared content rules for creation names:
// printable, valid UTF-8, and free of path separators (the name becomes a
// devpath component).
func validateMakeName(name string) error {
	if !utf8.ValidString(name) {
		return &broker.Error{Code: broker.ErrInvalidArgument, Message: "name is not valid UTF-8", Object: name}
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' {
			return &broker.Error{Code: broker.ErrInvalidArgument, Message: "name contains invalid character", Object: name}
		}
	}
	return nil
}

// ValidateBloomSize enforces the bloom filter bounds for make-bus.
func ValidateBloomSize(size uint64) error {
	return broker.ValidateBloomSize(size)
}

// AccessMode renders make flags into the file mode of the created
// endpoint node.
func AccessMode(flags uint64) uint32 {
	return broker.AccessMode(flags)
}
