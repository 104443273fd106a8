// Package broker implements the DittoBus object graph: namespaces own
// buses, buses own endpoints and a name registry, endpoints accept
// connections, and connections exchange messages through per-connection
// receive pools.
//
// # Lifecycle
//
// Every object is created with one strong reference, owned by the caller,
// and becomes observable to concurrent lookups exactly when it is linked
// into its parent's list. Lookups upgrade to a strong reference under the
// parent lock. Releasing the last reference runs disconnect and the object
// is gone; disconnect is idempotent and may also be invoked explicitly, in
// which case later operations return a shutdown error. Back-references
// (connection → endpoint → bus → namespace) are strong and are dropped in
// the child's disconnect step, breaking the cycle by protocol.
//
// # Locking
//
// Each object guards its own mutable state with its own mutex. The lock
// order, top-down and never reversed, is: subsystem → namespace → bus →
// endpoint → connection → name registry.
package broker

import (
	"sync"

	"github.com/marmos91/dittobus/pkg/broker/host"
	"github.com/marmos91/dittobus/pkg/metrics"
)

// Make flags, carried in the fixed header of every make command.
const (
	// MakeAccessGroup grants the created node group access (mode 0660).
	MakeAccessGroup uint64 = 1 << 0

	// MakeAccessWorld grants the created node world access (mode 0666).
	MakeAccessWorld uint64 = 1 << 1

	// MakePolicyOpen marks the bus or endpoint as policy-open: access
	// checks are bypassed for connections through it.
	MakePolicyOpen uint64 = 1 << 2
)

// Receive pool bounds. A connection's pool never exceeds MaxPoolSize.
const (
	MaxPoolSize     = 16 * 1024 * 1024
	DefaultPoolSize = 1024 * 1024
)

// AccessMode renders make flags into the file mode of the created node.
func AccessMode(flags uint64) uint32 {
	switch {
	case flags&MakeAccessWorld != 0:
		return 0o666
	case flags&MakeAccessGroup != 0:
		return 0o660
	default:
		return 0o600
	}
}

// Bloom filter size bounds for make-bus: a power of two within
// [8, 16384].
const (
	BloomSizeMin = 8
	BloomSizeMax = 16384
)

// ValidateBloomSize enforces the bloom filter bounds for make-bus.
func ValidateBloomSize(size uint64) error {
	if size < BloomSizeMin || size > BloomSizeMax {
		return &Error{Code: ErrInvalidArgument, Message: "bloom size out of range"}
	}
	if size&(size-1) != 0 {
		return &Error{Code: ErrInvalidArgument, Message: "bloom size not a power of two"}
	}
	return nil
}

// Caller is the identity a command arrives with: credentials as rendered
// in the caller's own user namespace, plus the pinned process handle used
// for metadata collection.
type Caller struct {
	UID  uint32
	GID  uint32
	Proc host.Process
}

// Subsystem is the facade over the broker's global mutable state: the
// namespace list, the namespace id counter, and the major-id allocator.
// All of it is guarded by the subsystem lock, the top of the lock order.
type Subsystem struct {
	facilities host.Facilities
	metrics    metrics.BrokerMetrics

	mu         sync.Mutex
	nsIDs      uint64
	majorIDs   uint64
	namespaces map[uint64]*Namespace
	root       *Namespace
}

// NewSubsystem initializes the broker with its root namespace. The
// metrics sink may be nil.
func NewSubsystem(facilities host.Facilities, m metrics.BrokerMetrics) *Subsystem {
	s := &Subsystem{
		facilities: facilities,
		metrics:    m,
		namespaces: make(map[uint64]*Namespace),
	}
	id, major := s.allocNamespaceIDs()
	s.root = buildNamespace(s, nil, "", id, major)
	s.linkNamespace(s.root)
	return s
}

// nopMetrics discards every record; it stands in when no metrics sink was
// configured so call sites stay unconditional.
type nopMetrics struct{}

func (nopMetrics) BusCreated(string) {}
func (nopMetrics) BusRemoved(string) {}
func (nopMetrics) ConnectionOpened(string) {}
func (nopMetrics) ConnectionClosed(string) {}
func (nopMetrics) MessageSent(string, int) {}
func (nopMetrics) NameOperation(_, _ string) {}
func (nopMetrics) CommandRejected(string) {}

// metricsSink returns the configured metrics sink, or a no-op one.
func (s *Subsystem) metricsSink() metrics.BrokerMetrics {
	if s.metrics == nil {
		return nopMetrics{}
	}
	return s.metrics
}

// Root returns the root namespace. The subsystem keeps the root's initial
// reference for its whole lifetime; callers must not release it.
func (s *Subsystem) Root() *Namespace {
	return s.root
}

// Facilities returns the host provider the subsystem was built with.
func (s *Subsystem) Facilities() host.Facilities {
	return s.facilities
}

// Namespaces snapshots the live namespaces for introspection.
func (s *Subsystem) Namespaces() []*Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Namespace, 0, len(s.namespaces))
	for _, n := range s.namespaces {
		out = append(out, n)
	}
	return out
}

// allocNamespaceIDs hands out the next namespace id and device major.
// Ids are monotonic and never reused, even when a make fails later.
func (s *Subsystem) allocNamespaceIDs() (id, major uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, major = s.nsIDs, s.majorIDs
	s.nsIDs++
	s.majorIDs++
	return id, major
}

// buildNamespace constructs an unlinked namespace with one strong
// reference.
func buildNamespace(s *Subsystem, parent *Namespace, name string, id, major uint64) *Namespace {
	n := &Namespace{
		sub:      s,
		id:       id,
		major:    major,
		name:     name,
		parent:   parent,
		buses:    make(map[string]*Bus),
		children: make(map[string]*Namespace),
	}
	if parent == nil {
		n.devpath = "kdbus"
	} else {
		n.devpath = "kdbus/ns/" + parent.devpath + "/" + name
	}
	n.refs.Store(1)
	n.connected = true
	return n
}

// linkNamespace adds a namespace to the global list.
func (s *Subsystem) linkNamespace(n *Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.namespaces[n.id] = n
}

// unlinkNamespace removes a namespace from the global list. Its major is
// not handed out again. Idempotent.
func (s *Subsystem) unlinkNamespace(n *Namespace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.namespaces, n.id)
}
