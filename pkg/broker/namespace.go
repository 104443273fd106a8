package broker

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittobus/internal/logger"
)

// Namespace is a container of buses sharing a devpath prefix. The root
// namespace has no parent and the devpath "kdbus"; children compose
// "kdbus/ns/<parent devpath>/<name>" and register their own device major.
type Namespace struct {
	sub    *Subsystem
	id     uint64
	major  uint64
	name   string
	parent *Namespace

	devpath string

	mu        sync.Mutex
	busIDs    uint64
	buses     map[string]*Bus
	children  map[string]*Namespace
	connected bool

	refs         atomic.Int64
	disconnected atomic.Bool
}

// ID returns the namespace id.
func (n *Namespace) ID() uint64 { return n.id }

// Name returns the namespace name; empty at the root.
func (n *Namespace) Name() string { return n.name }

// Devpath returns the namespace's device path prefix.
func (n *Namespace) Devpath() string { return n.devpath }

// Ref takes a strong reference.
func (n *Namespace) Ref() *Namespace {
	n.refs.Add(1)
	return n
}

// Unref drops a strong reference; the last release disconnects.
func (n *Namespace) Unref() {
	if n.refs.Add(-1) == 0 {
		n.Disconnect()
	}
}

// Close releases the public handle obtained from make: disconnect, then
// drop the handle's reference.
func (n *Namespace) Close() {
	n.Disconnect()
	n.Unref()
}

// MakeNamespace creates a child namespace. Child names are unique among
// siblings; the new namespace is returned with one strong reference.
func (n *Namespace) MakeNamespace(name string) (*Namespace, error) {
	if name == "" {
		return nil, &Error{Code: ErrInvalidArgument, Message: "empty namespace name"}
	}

	// Ids come from the subsystem allocator before the namespace lock is
	// taken, honoring the lock order; a failed make burns them.
	id, major := n.sub.allocNamespaceIDs()

	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return nil, &Error{Code: ErrShutdown, Message: "namespace is shut down", Object: n.devpath}
	}
	if _, exists := n.children[name]; exists {
		n.mu.Unlock()
		return nil, newError(ErrAlreadyExists, "namespace already exists", name)
	}

	child := buildNamespace(n.sub, n.Ref(), name, id, major)
	n.children[name] = child
	n.mu.Unlock()

	n.sub.linkNamespace(child)

	logger.Info("namespace created",
		logger.KeyNamespace, child.devpath,
		logger.KeyID, child.id)
	return child, nil
}

// MakeBus creates a bus in this namespace.
//
// The bus name must be unique within the namespace and must begin with
// "<uid>-", where uid is the caller's uid rendered in the caller's user
// namespace. The bloom size bounds are enforced again here so a
// constructor reached without the command decoder cannot skip them. On
// success the bus carries its auto-created "bus" endpoint and is returned
// with one strong reference.
func (n *Namespace) MakeBus(caller Caller, name string, flags, bloomSize, cgroupID uint64) (*Bus, error) {
	if err := ValidateBloomSize(bloomSize); err != nil {
		return nil, err
	}
	prefix := strconv.FormatUint(uint64(caller.UID), 10) + "-"
	if !strings.HasPrefix(name, prefix) {
		return nil, newError(ErrPermissionDenied, "bus name does not carry the caller uid prefix", name)
	}
	if len(name) == len(prefix) {
		return nil, newError(ErrInvalidArgument, "bus name is only a uid prefix", name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.connected {
		return nil, &Error{Code: ErrShutdown, Message: "namespace is shut down", Object: n.devpath}
	}
	if _, exists := n.buses[name]; exists {
		return nil, newError(ErrAlreadyExists, "bus already exists", name)
	}

	// Construct fully before linking: either the bus appears with its
	// default endpoint in place, or nothing appears at all.
	n.busIDs++
	b := newBus(n.Ref(), n.busIDs, name, flags, bloomSize, cgroupID)
	b.newEndpoint("bus", AccessMode(flags), caller.UID, caller.GID, flags&MakePolicyOpen != 0)

	n.buses[name] = b
	n.sub.metricsSink().BusCreated(n.devpath)

	logger.Info("bus created",
		logger.KeyNamespace, n.devpath,
		logger.KeyBus, name,
		logger.KeyID, b.id)
	return b, nil
}

// LookupBus resolves a bus by name, upgrading to a strong reference under
// the namespace lock.
func (n *Namespace) LookupBus(name string) (*Bus, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.buses[name]
	if !ok {
		return nil, newError(ErrNotFound, "no such bus", name)
	}
	return b.Ref(), nil
}

// Buses snapshots the live buses for introspection.
func (n *Namespace) Buses() []*Bus {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Bus, 0, len(n.buses))
	for _, b := range n.buses {
		out = append(out, b)
	}
	return out
}

// Children snapshots the live child namespaces.
func (n *Namespace) Children() []*Namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Namespace, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

// Disconnect tears the namespace down: it leaves the global namespace
// list, drops its buses and child namespaces, and releases its parent
// back-reference. Idempotent; a second call is a no-op.
func (n *Namespace) Disconnect() {
	if !n.disconnected.CompareAndSwap(false, true) {
		return
	}

	n.sub.unlinkNamespace(n)

	n.mu.Lock()
	n.connected = false
	buses := make([]*Bus, 0, len(n.buses))
	for _, b := range n.buses {
		buses = append(buses, b)
	}
	children := make([]*Namespace, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.buses = make(map[string]*Bus)
	n.children = make(map[string]*Namespace)
	n.mu.Unlock()

	for _, b := range buses {
		b.Disconnect()
	}
	for _, c := range children {
		c.Disconnect()
	}

	logger.Info("namespace disconnected", logger.KeyNamespace, n.devpath)

	if n.parent != nil {
		parent := n.parent
		n.parent = nil
		parent.removeChild(n.name)
		parent.Unref()
	}
}

// removeChild unlinks a disconnected child from the sibling table.
func (n *Namespace) removeChild(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.children, name)
}

// removeBus unlinks a disconnected bus from the bus table.
func (n *Namespace) removeBus(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.buses, name)
}
