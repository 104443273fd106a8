package broker

import (
	"errors"
	"testing"

	"github.com/marmos91/dittobus/pkg/broker/host"
)

// newTestSubsystem builds a subsystem over a fake host with one known
// process for uid 1000.
func newTestSubsystem(t *testing.T) (*Subsystem, Caller) {
	t.Helper()
	fake := host.NewFake()
	proc := fake.AddProcess(4321, host.Credentials{
		UID: 1000, GID: 1000, PID: 4321, TID: 4321, StartTime: 99,
	}, 1, 1)
	fake.Comms[4321] = [2]string{"client", "client"}
	sub := NewSubsystem(fake, nil)
	return sub, Caller{UID: 1000, GID: 1000, Proc: proc}
}

func wantErrCode(t *testing.T, err error, code ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	got, ok := CodeOf(err)
	if !ok {
		t.Fatalf("not a broker error: %v", err)
	}
	if got != code {
		t.Fatalf("error code = %v (%v), want %v", got, err, code)
	}
}

func TestRootNamespace(t *testing.T) {
	sub, _ := newTestSubsystem(t)
	root := sub.Root()

	if root.Devpath() != "kdbus" {
		t.Errorf("root devpath = %q, want kdbus", root.Devpath())
	}
	if root.Name() != "" {
		t.Errorf("root name = %q, want empty", root.Name())
	}
}

func TestMakeBus(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	b, err := root.MakeBus(caller, "1000-foo", MakeAccessGroup, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	if b.Name() != "1000-foo" {
		t.Errorf("name = %q", b.Name())
	}
	if b.ID() == 0 {
		t.Error("bus id not assigned")
	}

	// The default endpoint "bus" exists with the group access mode.
	ep, err := b.Endpoint("bus")
	if err != nil {
		t.Fatalf("default endpoint missing: %v", err)
	}
	if ep.Mode() != 0o660 {
		t.Errorf("endpoint mode = %o, want 0660", ep.Mode())
	}
	ep.Unref()

	// The identical make fails with already-exists and the original
	// object stays linked.
	_, err = root.MakeBus(caller, "1000-foo", MakeAccessGroup, 64, 0)
	wantErrCode(t, err, ErrAlreadyExists)

	got, err := root.LookupBus("1000-foo")
	if err != nil {
		t.Fatalf("LookupBus failed: %v", err)
	}
	if got != b {
		t.Error("lookup returned a different object than the one linked")
	}
	got.Unref()
}

func TestMakeBusUIDPrefix(t *testing.T) {
	sub, caller := newTestSubsystem(t)

	// Missing "1000-" prefix.
	_, err := sub.Root().MakeBus(caller, "foo", 0, 64, 0)
	wantErrCode(t, err, ErrPermissionDenied)

	// Wrong uid in the prefix.
	_, err = sub.Root().MakeBus(caller, "1001-foo", 0, 64, 0)
	wantErrCode(t, err, ErrPermissionDenied)

	// A bare prefix carries no name.
	_, err = sub.Root().MakeBus(caller, "1000-", 0, 64, 0)
	wantErrCode(t, err, ErrInvalidArgument)
}

func TestMakeBusBloomBounds(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	for _, bloom := range []uint64{7, 24, 32768} {
		_, err := sub.Root().MakeBus(caller, "1000-foo", 0, bloom, 0)
		wantErrCode(t, err, ErrInvalidArgument)
	}
}

func TestMakeNamespace(t *testing.T) {
	sub, _ := newTestSubsystem(t)
	root := sub.Root()

	child, err := root.MakeNamespace("blue")
	if err != nil {
		t.Fatalf("MakeNamespace failed: %v", err)
	}
	if child.Devpath() != "kdbus/ns/kdbus/blue" {
		t.Errorf("devpath = %q", child.Devpath())
	}
	if child.ID() == root.ID() {
		t.Error("child shares the root id")
	}

	// Sibling names are unique.
	_, err = root.MakeNamespace("blue")
	wantErrCode(t, err, ErrAlreadyExists)

	// A different parent may reuse the name.
	grand, err := child.MakeNamespace("blue")
	if err != nil {
		t.Fatalf("nested MakeNamespace failed: %v", err)
	}
	grand.Unref()
	child.Unref()
}

func TestBusIDsMonotonic(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	b1, err := root.MakeBus(caller, "1000-a", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	id1 := b1.ID()
	b1.Disconnect()

	// A later bus never reuses a released id.
	b2, err := root.MakeBus(caller, "1000-b", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	if b2.ID() <= id1 {
		t.Errorf("bus id %d reused or regressed after %d", b2.ID(), id1)
	}
	b2.Unref()
}

func TestBusDisconnectIdempotent(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	b, err := root.MakeBus(caller, "1000-foo", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}

	b.Disconnect()
	b.Disconnect() // second call is a no-op

	// The name is free again for a fresh bus.
	if _, err := root.LookupBus("1000-foo"); !errors.Is(err, &Error{Code: ErrNotFound}) {
		t.Errorf("bus still linked after disconnect: %v", err)
	}
	b2, err := root.MakeBus(caller, "1000-foo", 0, 64, 0)
	if err != nil {
		t.Fatalf("remake after disconnect failed: %v", err)
	}
	b2.Unref()
}

func TestNamespaceDisconnectCascades(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	ns, err := root.MakeNamespace("blue")
	if err != nil {
		t.Fatalf("MakeNamespace failed: %v", err)
	}
	b, err := ns.MakeBus(caller, "1000-foo", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	ep, err := b.Endpoint("bus")
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	conn, err := ep.Hello(caller, "", 0, 0)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}

	ns.Disconnect()

	// Everything below observes shutdown.
	if _, err := ns.MakeBus(caller, "1000-bar", 0, 64, 0); !IsCode(err, ErrShutdown) {
		t.Errorf("MakeBus on dead namespace = %v, want shutdown", err)
	}
	if _, err := ep.Hello(caller, "", 0, 0); !IsCode(err, ErrShutdown) {
		t.Errorf("Hello on dead endpoint = %v, want shutdown", err)
	}
	if _, err := conn.Recv(); !IsCode(err, ErrShutdown) {
		t.Errorf("Recv on dead connection = %v, want shutdown", err)
	}

	conn.Unref()
	ep.Unref()
	b.Unref()
	ns.Unref()
}

func TestRefCountMatchedMakeRelease(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	b, err := root.MakeBus(caller, "1000-foo", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}

	// Matched make/release: the release disconnects, children drop their
	// back-references, and the bus leaves the parent list exactly once.
	b.Close()
	if _, err := root.LookupBus("1000-foo"); !IsCode(err, ErrNotFound) {
		t.Errorf("bus still in parent list after last release: %v", err)
	}
	if refs := b.refs.Load(); refs != 0 {
		t.Errorf("refcount = %d after matched make/release, want 0", refs)
	}
}

func TestLookupUpgradesReference(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	root := sub.Root()

	b, err := root.MakeBus(caller, "1000-foo", 0, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}

	held, err := root.LookupBus("1000-foo")
	if err != nil {
		t.Fatalf("LookupBus failed: %v", err)
	}

	// Dropping the creation reference must not tear the bus down while
	// the lookup reference is held.
	b.Unref()
	if _, err := held.Endpoint("bus"); err != nil {
		t.Fatalf("bus died while a strong reference was held: %v", err)
	}
	held.Unref()
}

func TestValidateBloomSize(t *testing.T) {
	for _, ok := range []uint64{8, 16, 64, 4096, 16384} {
		if err := ValidateBloomSize(ok); err != nil {
			t.Errorf("ValidateBloomSize(%d) = %v, want nil", ok, err)
		}
	}
	for _, bad := range []uint64{0, 7, 12, 24, 16385, 32768} {
		if err := ValidateBloomSize(bad); err == nil {
			t.Errorf("ValidateBloomSize(%d) accepted", bad)
		}
	}
}
