package server

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/marmos91/dittobus/internal/protocol/item"
	"github.com/marmos91/dittobus/pkg/broker"
	"github.com/marmos91/dittobus/pkg/broker/host"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *broker.Subsystem, broker.Caller) {
	t.Helper()
	fake := host.NewFake()
	proc := fake.AddProcess(1, host.Credentials{UID: 1000, GID: 1000, PID: 1}, 1, 1)
	sub := broker.NewSubsystem(fake, nil)
	return NewDispatcher(sub, nil), sub, broker.Caller{UID: 1000, GID: 1000, Proc: proc}
}

// busMakeCmd frames a make-bus command buffer.
func busMakeCmd(flags, bloom uint64, name string) []byte {
	var items item.Buffer
	items.AppendString(item.TypeMakeName, name)

	buf := make([]byte, 24, 24+items.Len())
	binary.LittleEndian.PutUint64(buf[8:16], flags)
	binary.LittleEndian.PutUint64(buf[16:24], bloom)
	buf = append(buf, items.Bytes()...)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))
	return buf
}

// helloCmd frames a hello command buffer.
func helloCmd(label string, attach, pool uint64) []byte {
	var items item.Buffer
	if label != "" {
		items.AppendString(item.TypeConnName, label)
	}
	items.AppendU64(item.TypeAttachFlags, attach)
	if pool != 0 {
		items.AppendU64(item.TypePoolSize, pool)
	}

	buf := make([]byte, 16, 16+items.Len())
	buf = append(buf, items.Bytes()...)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))
	return buf
}

func TestDispatchMakeBusAndHello(t *testing.T) {
	d, sub, caller := newTestDispatcher(t)

	b, err := d.MakeBus(sub.Root(), caller, busMakeCmd(broker.MakeAccessGroup, 64, "1000-foo"))
	require.NoError(t, err)
	defer b.Close()

	// The default endpoint exists with group mode.
	ep, err := b.Endpoint("bus")
	require.NoError(t, err)
	defer ep.Unref()
	assert.Equal(t, uint32(0o660), ep.Mode())

	// The identical command again fails with EEXIST.
	_, err = d.MakeBus(sub.Root(), caller, busMakeCmd(broker.MakeAccessGroup, 64, "1000-foo"))
	require.Error(t, err)
	assert.Equal(t, unix.EEXIST, Errno(err))

	// hello through the dispatcher yields a connection id >= 1.
	conn, err := d.Hello(ep, caller, helloCmd("org.example.app", 0, 4096))
	require.NoError(t, err)
	defer conn.Close()
	assert.GreaterOrEqual(t, conn.ID(), uint64(1))
	assert.Equal(t, "org.example.app", conn.Label())
}

func TestDispatchMakeBusPermission(t *testing.T) {
	d, sub, caller := newTestDispatcher(t)

	_, err := d.MakeBus(sub.Root(), caller, busMakeCmd(0, 64, "foo"))
	require.Error(t, err)
	assert.Equal(t, unix.EPERM, Errno(err))
}

func TestDispatchMakeBusSizeErrnos(t *testing.T) {
	d, sub, caller := newTestDispatcher(t)

	// Declared size 64 KiB: too large.
	big := busMakeCmd(0, 64, "1000-foo")
	padded := make([]byte, 64*1024)
	copy(padded, big)
	binary.LittleEndian.PutUint64(padded[0:8], 64*1024)
	_, err := d.MakeBus(sub.Root(), caller, padded)
	require.Error(t, err)
	assert.Equal(t, unix.EMSGSIZE, Errno(err))

	// Declared size below the fixed header: too small.
	short := make([]byte, 24)
	binary.LittleEndian.PutUint64(short[0:8], 8)
	_, err = d.MakeBus(sub.Root(), caller, short)
	require.Error(t, err)
	assert.Equal(t, unix.EINVAL, Errno(err))
}

func TestDispatchMakeNamespace(t *testing.T) {
	d, sub, caller := newTestDispatcher(t)

	var items item.Buffer
	items.AppendString(item.TypeMakeName, "blue")
	buf := make([]byte, 16, 16+items.Len())
	buf = append(buf, items.Bytes()...)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(buf)))

	ns, err := d.MakeNamespace(sub.Root(), caller, buf)
	require.NoError(t, err)
	assert.Equal(t, "kdbus/ns/kdbus/blue", ns.Devpath())
	ns.Close()
}
