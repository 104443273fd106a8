package broker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/broker/meta"
	"github.com/marmos91/dittobus/pkg/broker/names"
)

// Destination addresses a send: by well-known name when Name is set,
// otherwise by connection id. BroadcastID as the id reaches every other
// connection on the bus.
type Destination struct {
	ID   uint64
	Name string
}

// ConnInfo is the introspection snapshot conn-info returns.
type ConnInfo struct {
	ID         uint64
	Label      string
	AttachMask uint64
	Names      []string
}

// Connection is one client identity on a bus: the conduit for send and
// receive, the owner of well-known names, and the holder of the contract
// for which metadata classes it accepts.
type Connection struct {
	ep  *Endpoint
	bus *Bus

	id     uint64
	caller Caller

	mu        sync.Mutex
	label     string
	attach    meta.Class
	matches   map[uint64][]byte
	queue     []*Message
	connected bool

	pool     *Pool
	space    chan struct{}
	shutdown chan struct{}

	refs         atomic.Int64
	disconnected atomic.Bool
}

// newConnection constructs a connection holding the given endpoint and
// bus references. The id is assigned when the bus links it.
func newConnection(ep *Endpoint, bus *Bus, caller Caller, label string, attach meta.Class, poolSize uint64) *Connection {
	c := &Connection{
		ep:        ep,
		bus:       bus,
		caller:    caller,
		label:     label,
		attach:    attach,
		matches:   make(map[uint64][]byte),
		pool:      newPool(poolSize),
		space:     make(chan struct{}, 1),
		shutdown:  make(chan struct{}),
		connected: true,
	}
	c.refs.Store(1)
	return c
}

// ID returns the connection id, unique within the bus. It also satisfies
// the name registry's Owner interface.
func (c *Connection) ID() uint64 { return c.id }

// Label returns the connection's human-readable label.
func (c *Connection) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.label
}

// Pool returns the receive pool.
func (c *Connection) Pool() *Pool { return c.pool }

// Ref takes a strong reference.
func (c *Connection) Ref() *Connection {
	c.refs.Add(1)
	return c
}

// Unref drops a strong reference; the last release disconnects.
func (c *Connection) Unref() {
	if c.refs.Add(-1) == 0 {
		c.Disconnect()
	}
}

// Close is the bye / handle-close path: the connection disconnects and
// the hello reference is dropped.
func (c *Connection) Close() {
	c.Disconnect()
	c.Unref()
}

// live reports whether the connection still accepts operations.
func (c *Connection) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connection) shutdownError() error {
	return &Error{Code: ErrShutdown, Message: "connection is shut down"}
}

// UpdateAttachMask replaces the set of metadata classes the connection
// accepts on received messages.
func (c *Connection) UpdateAttachMask(mask uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.shutdownError()
	}
	c.attach = meta.Class(mask)
	return nil
}

// AddMatch installs a match rule under a caller-chosen id. Rules are
// stored verbatim; evaluation belongs to the policy layer.
func (c *Connection) AddMatch(id uint64, rule []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.shutdownError()
	}
	c.matches[id] = append([]byte(nil), rule...)
	return nil
}

// RemoveMatch drops the match rule with the given id.
func (c *Connection) RemoveMatch(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return c.shutdownError()
	}
	if _, ok := c.matches[id]; !ok {
		return &Error{Code: ErrNotFound, Message: "no such match rule"}
	}
	delete(c.matches, id)
	return nil
}

// mapNameError renders a registry error into its broker kind.
func mapNameError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, names.ErrInUse):
		return &Error{Code: ErrNameInUse, Message: "name already owned"}
	case errors.Is(err, names.ErrNameTooLong):
		return &Error{Code: ErrNameTooLong, Message: "name too long"}
	case errors.Is(err, names.ErrInvalidName):
		return &Error{Code: ErrInvalidArgument, Message: "invalid name"}
	case errors.Is(err, names.ErrNotFound):
		return &Error{Code: ErrNotFound, Message: "name not found"}
	case errors.Is(err, names.ErrNotOwner):
		return &Error{Code: ErrPermissionDenied, Message: "name not owned by caller"}
	default:
		return err
	}
}

// AcquireName requests ownership of a well-known name with the given
// registry flags.
func (c *Connection) AcquireName(name string, flags uint64) (names.Result, error) {
	if !c.live() {
		return 0, c.shutdownError()
	}
	res, err := c.bus.registry.Acquire(name, c, flags)
	if err != nil {
		c.bus.ns.sub.metricsSink().NameOperation("acquire", "error")
		return 0, mapNameError(err)
	}
	c.bus.ns.sub.metricsSink().NameOperation("acquire", "ok")
	logger.Debug("name acquired",
		logger.KeyBus, c.bus.name,
		logger.KeyConnection, c.id,
		logger.KeyName, name)
	return res, nil
}

// ReleaseName gives a well-known name back, promoting the head waiter if
// one queues behind the caller.
func (c *Connection) ReleaseName(name string) error {
	if !c.live() {
		return c.shutdownError()
	}
	change, err := c.bus.registry.Release(name, c)
	if err != nil {
		c.bus.ns.sub.metricsSink().NameOperation("release", "error")
		return mapNameError(err)
	}
	c.bus.ns.sub.metricsSink().NameOperation("release", "ok")
	if change != nil {
		c.bus.ns.sub.metricsSink().NameOperation("promote", "ok")
		logger.Debug("name ownership transferred",
			logger.KeyBus, c.bus.name,
			logger.KeyName, change.Name,
			logger.KeyConnection, change.NewOwner.ID())
	}
	return nil
}

// OwnedNames lists the names the connection currently owns.
func (c *Connection) OwnedNames() []string {
	entries := c.bus.registry.OwnedBy(c)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

// Info returns the conn-info snapshot of this connection.
func (c *Connection) Info() ConnInfo {
	c.mu.Lock()
	label := c.label
	attach := c.attach
	c.mu.Unlock()
	return ConnInfo{
		ID:         c.id,
		Label:      label,
		AttachMask: uint64(attach),
		Names:      c.OwnedNames(),
	}
}

// metaSource snapshots the sender-side inputs of the metadata collector.
func (c *Connection) metaSource(seq uint64) meta.Source {
	src := meta.Source{
		Seq:             seq,
		CgroupHierarchy: c.bus.cgroupID,
		ConnLabel:       c.Label(),
	}
	for _, e := range c.bus.registry.OwnedBy(c) {
		src.OwnedNames = append(src.OwnedNames, meta.OwnedName{Name: e.Name, Flags: e.Flags})
	}
	return src
}

// Send delivers payload to the destination, attaching the caller's
// metadata intersected with the receiver's attach mask.
//
// Within one (sender, destination) pair, delivery order equals send
// order. A full destination pool blocks up to timeout and then fails
// with a timed-out error; a zero timeout never blocks. Broadcast sends
// are best-effort: receivers whose pools cannot take the message are
// skipped.
func (c *Connection) Send(dst Destination, payload []byte, timeout time.Duration) (uint64, error) {
	if !c.live() {
		return 0, c.shutdownError()
	}
	bus := c.bus
	seq := bus.nextSeq()

	if dst.Name == "" && dst.ID == BroadcastID {
		c.broadcast(seq, payload)
		return seq, nil
	}

	to, err := c.resolve(dst)
	if err != nil {
		return 0, err
	}
	defer to.Unref()

	if err := c.deliverTo(to, dst.ID, seq, payload, timeout); err != nil {
		return 0, err
	}
	bus.ns.sub.metricsSink().MessageSent(bus.name, len(payload))
	return seq, nil
}

// resolve turns a destination into a live connection with a strong
// reference: name lookup through the registry under the bus locks, id
// lookup through the connection table.
func (c *Connection) resolve(dst Destination) (*Connection, error) {
	if dst.Name != "" {
		owner, ok := c.bus.registry.Lookup(dst.Name)
		if !ok {
			return nil, newError(ErrNotFound, "name has no owner", dst.Name)
		}
		to, ok := owner.(*Connection)
		if !ok {
			return nil, &Error{Code: ErrNotFound, Message: "name owner is not reachable"}
		}
		return c.bus.LookupConnection(to.id)
	}
	return c.bus.LookupConnection(dst.ID)
}

// deliverTo copies payload into the receiver's pool, collects metadata
// for the receiver's attach mask, and queues the message entry.
func (c *Connection) deliverTo(to *Connection, dst, seq uint64, payload []byte, timeout time.Duration) error {
	off, buf, err := c.reservePool(to, uint64(len(payload)), timeout)
	if err != nil {
		return err
	}
	copy(buf, payload)

	var metaBytes []byte
	to.mu.Lock()
	mask := to.attach
	to.mu.Unlock()
	if mask != 0 {
		m := meta.New(c.bus.ns.sub.facilities, c.caller.Proc)
		if err := m.Collect(mask, c.metaSource(seq)); err != nil {
			to.pool.free(off)
			return err
		}
		metaBytes = append([]byte(nil), m.Bytes()...)
	}

	msg := &Message{
		Src:    c.id,
		Dst:    dst,
		Seq:    seq,
		Offset: off,
		Size:   uint64(len(payload)),
		Meta:   metaBytes,
	}

	to.mu.Lock()
	if !to.connected {
		to.mu.Unlock()
		to.pool.free(off)
		return &Error{Code: ErrShutdown, Message: "destination is shut down"}
	}
	to.queue = append(to.queue, msg)
	to.mu.Unlock()
	return nil
}

// reservePool allocates payload space in the receiver's pool, waiting up
// to timeout for a free slot.
func (c *Connection) reservePool(to *Connection, n uint64, timeout time.Duration) (uint64, []byte, error) {
	if off, buf, ok := to.pool.alloc(n); ok {
		return off, buf, nil
	}
	if timeout <= 0 {
		return 0, nil, &Error{Code: ErrTimedOut, Message: "destination pool full"}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-to.space:
			if off, buf, ok := to.pool.alloc(n); ok {
				return off, buf, nil
			}
		case <-to.shutdown:
			return 0, nil, &Error{Code: ErrShutdown, Message: "destination is shut down"}
		case <-c.shutdown:
			return 0, nil, c.shutdownError()
		case <-timer.C:
			return 0, nil, &Error{Code: ErrTimedOut, Message: "destination pool full"}
		}
	}
}

// broadcast delivers to every other live connection on the bus,
// best-effort and without waiting.
func (c *Connection) broadcast(seq uint64, payload []byte) {
	for _, to := range c.bus.Connections() {
		if to == c {
			continue
		}
		if err := c.deliverTo(to, BroadcastID, seq, payload, 0); err != nil {
			logger.Debug("broadcast receiver skipped",
				logger.KeyBus, c.bus.name,
				logger.KeyConnection, to.id,
				logger.KeyError, err)
			continue
		}
		c.bus.ns.sub.metricsSink().MessageSent(c.bus.name, len(payload))
	}
}

// Recv dequeues the oldest pending message. An empty queue reports an
// again error; the payload stays in the pool until Free(msg.Offset).
func (c *Connection) Recv() (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, c.shutdownError()
	}
	if len(c.queue) == 0 {
		return nil, &Error{Code: ErrAgain, Message: "no messages pending"}
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, nil
}

// PayloadAt returns the payload bytes for a message offset, standing in
// for the receive-pool mmap of the real transport.
func (c *Connection) PayloadAt(off uint64) ([]byte, error) {
	buf, ok := c.pool.get(off)
	if !ok {
		return nil, &Error{Code: ErrNotFound, Message: "unknown pool offset"}
	}
	return buf, nil
}

// Free releases a pool slot previously handed out by Recv and wakes one
// blocked sender.
func (c *Connection) Free(off uint64) error {
	if !c.live() {
		return c.shutdownError()
	}
	if err := c.pool.free(off); err != nil {
		return err
	}
	select {
	case c.space <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect closes the connection: it leaves the bus table, releases
// every owned name (promoting waiters), drains the pool, and drops its
// endpoint and bus references. Idempotent; closing the client's file
// handle funnels here.
func (c *Connection) Disconnect() {
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}

	bus := c.bus
	bus.removeConnection(c.id)

	for _, ch := range bus.registry.ReleaseAll(c) {
		bus.ns.sub.metricsSink().NameOperation("promote", "ok")
		logger.Debug("name ownership transferred",
			logger.KeyBus, bus.name,
			logger.KeyName, ch.Name,
			logger.KeyConnection, ch.NewOwner.ID())
	}

	c.mu.Lock()
	c.connected = false
	c.queue = nil
	c.mu.Unlock()
	close(c.shutdown)
	c.pool.close()

	bus.ns.sub.metricsSink().ConnectionClosed(bus.name)
	logger.Info("connection closed",
		logger.KeyBus, bus.name,
		logger.KeyConnection, c.id)

	// Back-reference counts are dropped here, breaking the cycle by
	// protocol; the pointers themselves stay valid for stragglers.
	c.ep.Unref()
	bus.Unref()
}
