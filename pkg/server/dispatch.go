package server

import (
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittobus/internal/logger"
	"github.com/marmos91/dittobus/internal/protocol/command"
	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/metrics"
)

// Dispatcher is the ioctl-style boundary: it takes raw command buffers
// from untrusted client memory, runs the decoder, invokes the target
// constructor, and reports failures as errno values unchanged.
type Dispatcher struct {
	sub     *broker.Subsystem
	metrics metrics.BrokerMetrics
}

// NewDispatcher creates a dispatcher over the subsystem. The metrics sink
// may be nil.
func NewDispatcher(sub *broker.Subsystem, m metrics.BrokerMetrics) *Dispatcher {
	return &Dispatcher{sub: sub, metrics: m}
}

// reject records a failed command and passes the error through.
func (d *Dispatcher) reject(cmd string, err error) error {
	if d.metrics != nil {
		d.metrics.CommandRejected(Errno(err).Error())
	}
	logger.Debug("command rejected",
		logger.KeyCommand, cmd,
		logger.KeyError, err)
	return err
}

// Errno renders a dispatch error as the errno surfaced to user space.
func Errno(err error) unix.Errno {
	return broker.Errno(err)
}

// MakeBus decodes and executes a make-bus command in the namespace.
func (d *Dispatcher) MakeBus(ns *broker.Namespace, caller broker.Caller, buf []byte) (*broker.Bus, error) {
	cmd, err := command.DecodeBusMake(buf)
	if err != nil {
		return nil, d.reject("make-bus", err)
	}
	b, err := ns.MakeBus(caller, cmd.Name, cmd.Flags, cmd.BloomSize, cmd.CgroupID)
	if err != nil {
		return nil, d.reject("make-bus", err)
	}
	return b, nil
}

// MakeNamespace decodes and executes a make-namespace command.
func (d *Dispatcher) MakeNamespace(parent *broker.Namespace, caller broker.Caller, buf []byte) (*broker.Namespace, error) {
	cmd, err := command.DecodeNamespaceMake(buf)
	if err != nil {
		return nil, d.reject("make-namespace", err)
	}
	ns, err := parent.MakeNamespace(cmd.Name)
	if err != nil {
		return nil, d.reject("make-namespace", err)
	}
	return ns, nil
}

// MakeEndpoint decodes and executes a make-endpoint command on the bus.
func (d *Dispatcher) MakeEndpoint(b *broker.Bus, caller broker.Caller, buf []byte) (*broker.Endpoint, error) {
	cmd, err := command.DecodeEndpointMake(buf)
	if err != nil {
		return nil, d.reject("make-endpoint", err)
	}
	ep, err := b.MakeEndpoint(caller, cmd.Name, cmd.Mode, cmd.Flags)
	if err != nil {
		return nil, d.reject("make-endpoint", err)
	}
	return ep, nil
}

// Hello decodes and executes a hello command at the endpoint. The
// returned connection is the hello reply.
func (d *Dispatcher) Hello(ep *broker.Endpoint, caller broker.Caller, buf []byte) (*broker.Connection, error) {
	cmd, err := command.DecodeHello(buf)
	if err != nil {
		return nil, d.reject("hello", err)
	}
	c, err := ep.Hello(caller, cmd.Label, cmd.AttachMask, cmd.PoolSize)
	if err != nil {
		return nil, d.reject("hello", err)
	}
	return c, nil
}
