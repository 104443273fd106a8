package broker

import (
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/pkg/broker/meta"
)

// Endpoint is a named access point on a bus. Its mode and owner gate who
// may connect; a policy-open endpoint skips the check entirely.
// Disconnecting an endpoint fails new connections while existing ones
// survive.
type Endpoint struct {
	bus *Bus

	name       string
	mode       uint32
	uid        uint32
	gid        uint32
	policyOpen bool

	mu        sync.Mutex
	connected bool

	refs         atomic.Int64
	disconnected atomic.Bool
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Mode returns the endpoint node's file mode.
func (e *Endpoint) Mode() uint32 { return e.mode }

// Bus returns the owning bus.
func (e *Endpoint) Bus() *Bus { return e.bus }

// PolicyOpen reports whether access checks are bypassed here.
func (e *Endpoint) PolicyOpen() bool { return e.policyOpen }

// Ref takes a strong reference.
func (e *Endpoint) Ref() *Endpoint {
	e.refs.Add(1)
	return e
}

// Unref drops a strong reference; the last release disconnects.
func (e *Endpoint) Unref() {
	if e.refs.Add(-1) == 0 {
		e.Disconnect()
	}
}

// Close releases the public handle obtained from make-endpoint.
func (e *Endpoint) Close() {
	e.Disconnect()
	e.Unref()
}

// checkAccess enforces the endpoint mode against the caller: the write
// bit of the matching owner/group/other class must be set.
func (e *Endpoint) checkAccess(caller Caller) error {
	if e.policyOpen {
		return nil
	}
	var need uint32
	switch {
	case caller.UID == e.uid:
		need = 0o200
	case caller.GID == e.gid:
		need = 0o020
	default:
		need = 0o002
	}
	if e.mode&need == 0 {
		return newError(ErrPermissionDenied, "endpoint access denied", e.name)
	}
	return nil
}

// Hello binds a new connection to the bus through this endpoint.
//
// The caller's access is checked against the endpoint mode, the receive
// pool is sized from the hello command, and the connection appears in the
// bus table with the next free id. The returned connection carries one
// strong reference; its id is the hello reply.
func (e *Endpoint) Hello(caller Caller, label string, attachMask uint64, poolSize uint64) (*Connection, error) {
	e.mu.Lock()
	live := e.connected
	bus := e.bus
	e.mu.Unlock()
	if !live || bus == nil {
		return nil, newError(ErrShutdown, "endpoint is shut down", e.name)
	}

	if err := e.checkAccess(caller); err != nil {
		return nil, err
	}
	if poolSize == 0 {
		poolSize = DefaultPoolSize
	}
	if poolSize > MaxPoolSize {
		return nil, &Error{Code: ErrInvalidArgument, Message: "pool size out of range"}
	}

	c := newConnection(e.Ref(), bus.Ref(), caller, label, meta.Class(attachMask), poolSize)

	id, err := bus.linkConnection(c)
	if err != nil {
		// Nothing was published; unwind the back-references and mark
		// the stillborn connection so a stray release cannot re-run
		// teardown.
		c.disconnected.Store(true)
		e.Unref()
		bus.Unref()
		return nil, err
	}
	c.id = id

	bus.ns.sub.metricsSink().ConnectionOpened(bus.name)
	logger.Info("connection opened",
		logger.KeyBus, bus.name,
		logger.KeyEndpoint, e.name,
		logger.KeyConnection, id,
		logger.KeyLabel, label)
	return c, nil
}

// Disconnect stops the endpoint. New connections fail with shutdown;
// connections already on the bus are untouched. Idempotent.
func (e *Endpoint) Disconnect() {
	if !e.disconnected.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	logger.Info("endpoint disconnected",
		logger.KeyBus, e.bus.name,
		logger.KeyEndpoint, e.name)
	e.bus.removeEndpoint(e.name)
	e.bus.Unref()
}
