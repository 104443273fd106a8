package broker

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/broker/names"
)

// BroadcastID is the destination id addressing every connection on the
// bus except the sender.
const BroadcastID = ^uint64(0)

// BrokerID is the connection id reserved for the broker itself. Client
// connection ids start at 1.
const BrokerID uint64 = 0

// Bus is a domain of discourse: a set of endpoints, a connection table
// hashed by id, and a well-known-name registry. Its name is unique within
// the owning namespace and carries the creator's uid prefix.
type Bus struct {
	ns *Namespace

	id        uint64
	name      string
	flags     uint64
	bloomSize uint64
	cgroupID  uint64

	registry *names.Registry

	mu        sync.Mutex
	connIDs   uint64
	conns     map[uint64]*Connection
	endpoints map[string]*Endpoint
	connected bool

	seq atomic.Uint64

	refs         atomic.Int64
	disconnected atomic.Bool
}

// newBus constructs an unlinked bus holding the given namespace
// reference.
func newBus(ns *Namespace, id uint64, name string, flags, bloomSize, cgroupID uint64) *Bus {
	b := &Bus{
		ns:        ns,
		id:        id,
		name:      name,
		flags:     flags,
		bloomSize: bloomSize,
		cgroupID:  cgroupID,
		registry:  names.New(),
		conns:     make(map[uint64]*Connection),
		endpoints: make(map[string]*Endpoint),
		connected: true,
	}
	b.refs.Store(1)
	return b
}

// ID returns the bus id within its namespace.
func (b *Bus) ID() uint64 { return b.id }

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// BloomSize returns the bloom filter size the bus was created with.
func (b *Bus) BloomSize() uint64 { return b.bloomSize }

// Namespace returns the owning namespace.
func (b *Bus) Namespace() *Namespace { return b.ns }

// Registry returns the bus's well-known-name registry.
func (b *Bus) Registry() *names.Registry { return b.registry }

// Ref takes a strong reference.
func (b *Bus) Ref() *Bus {
	b.refs.Add(1)
	return b
}

// Unref drops a strong reference; the last release disconnects.
func (b *Bus) Unref() {
	if b.refs.Add(-1) == 0 {
		b.Disconnect()
	}
}

// Close releases the public handle obtained from make: the bus is torn
// down and the handle's reference dropped. Children holding counted
// back-references are disconnected first, which is what lets the count
// reach zero.
func (b *Bus) Close() {
	b.Disconnect()
	b.Unref()
}

// nextSeq hands out the bus-wide message sequence number.
func (b *Bus) nextSeq() uint64 {
	return b.seq.Add(1)
}

// newEndpoint constructs an endpoint and links it into the endpoint
// list. The bus lock is not taken: the construction path calls this
// before the bus is published, and MakeEndpoint holds the lock itself.
func (b *Bus) newEndpoint(name string, mode uint32, uid, gid uint32, policyOpen bool) *Endpoint {
	ep := &Endpoint{
		bus:        b.Ref(),
		name:       name,
		mode:       mode,
		uid:        uid,
		gid:        gid,
		policyOpen: policyOpen,
		connected:  true,
	}
	ep.refs.Store(1)
	b.endpoints[name] = ep
	return ep
}

// MakeEndpoint creates an additional named endpoint on the bus. The
// policy-open flag of the bus carries over when set there.
func (b *Bus) MakeEndpoint(caller Caller, name string, mode uint32, flags uint64) (*Endpoint, error) {
	if name == "" {
		return nil, &Error{Code: ErrInvalidArgument, Message: "empty endpoint name"}
	}

	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil, newError(ErrShutdown, "bus is shut down", b.name)
	}
	if _, exists := b.endpoints[name]; exists {
		b.mu.Unlock()
		return nil, newError(ErrAlreadyExists, "endpoint already exists", name)
	}
	policyOpen := flags&MakePolicyOpen != 0 || b.flags&MakePolicyOpen != 0
	ep := b.newEndpoint(name, mode, caller.UID, caller.GID, policyOpen)
	b.mu.Unlock()

	logger.Info("endpoint created",
		logger.KeyBus, b.name,
		logger.KeyEndpoint, name,
		logger.KeyMode, mode)
	return ep, nil
}

// Endpoint resolves an endpoint by name with a strong reference.
func (b *Bus) Endpoint(name string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep, ok := b.endpoints[name]
	if !ok {
		return nil, newError(ErrNotFound, "no such endpoint", name)
	}
	return ep.Ref(), nil
}

// LookupConnection resolves a connection by id, upgrading to a strong
// reference under the bus lock. Only live, linked connections resolve.
func (b *Bus) LookupConnection(id uint64) (*Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return nil, &Error{Code: ErrNotFound, Message: "no such connection"}
	}
	return c.Ref(), nil
}

// Connections snapshots the live connections for introspection.
func (b *Bus) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// linkConnection assigns the next connection id and inserts the
// connection into the table. Ids start at 1; 0 stays reserved for the
// broker.
func (b *Bus) linkConnection(c *Connection) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return 0, newError(ErrShutdown, "bus is shut down", b.name)
	}
	b.connIDs++
	id := b.connIDs
	b.conns[id] = c
	return id, nil
}

// removeEndpoint unlinks a disconnecting endpoint from the list.
func (b *Bus) removeEndpoint(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, name)
}

// removeConnection unlinks a disconnecting connection from the table.
func (b *Bus) removeConnection(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, id)
}

// Disconnect tears the bus down: endpoints stop accepting connections,
// existing connections observe shutdown, and the bus leaves its
// namespace. Idempotent.
func (b *Bus) Disconnect() {
	if !b.disconnected.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	b.connected = false
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	conns := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.endpoints = make(map[string]*Endpoint)
	b.conns = make(map[uint64]*Connection)
	b.mu.Unlock()

	for _, c := range conns {
		c.Disconnect()
	}
	for _, ep := range eps {
		ep.Disconnect()
	}

	logger.Info("bus disconnected",
		logger.KeyNamespace, b.ns.devpath,
		logger.KeyBus, b.name)

	b.ns.sub.metricsSink().BusRemoved(b.ns.devpath)

	// The namespace back-reference count is dropped, the pointer stays:
	// in-flight sends may still read bus.ns until they observe shutdown.
	b.ns.removeBus(b.name)
	b.ns.Unref()
}
