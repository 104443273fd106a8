package broker

import (
	"bytes"
	"testing"
	"time"

	"github.com/marmos91/dittobus/internal/protocol/item"
	"github.com/marmos91/dittobus/pkg/broker/meta"
	"github.com/marmos91/dittobus/pkg/broker/names"
)

// newTestBus builds a bus with its default endpoint on a fresh subsystem.
func newTestBus(t *testing.T) (*Bus, *Endpoint, Caller) {
	t.Helper()
	sub, caller := newTestSubsystem(t)
	b, err := sub.Root().MakeBus(caller, "1000-test", MakeAccessGroup, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	ep, err := b.Endpoint("bus")
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	t.Cleanup(func() {
		ep.Unref()
		b.Close()
	})
	return b, ep, caller
}

func mustHello(t *testing.T, ep *Endpoint, caller Caller, label string, attach uint64) *Connection {
	t.Helper()
	c, err := ep.Hello(caller, label, attach, 0)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	return c
}

func TestHelloAssignsIDs(t *testing.T) {
	b, ep, caller := newTestBus(t)

	c1 := mustHello(t, ep, caller, "one", 0)
	c2 := mustHello(t, ep, caller, "two", 0)
	defer c1.Close()
	defer c2.Close()

	if c1.ID() < 1 || c2.ID() < 1 {
		t.Errorf("connection ids %d/%d, want >= 1 (0 is the broker)", c1.ID(), c2.ID())
	}
	if c1.ID() == c2.ID() {
		t.Errorf("duplicate connection id %d", c1.ID())
	}

	got, err := b.LookupConnection(c1.ID())
	if err != nil {
		t.Fatalf("LookupConnection failed: %v", err)
	}
	if got != c1 {
		t.Error("lookup returned a different connection")
	}
	got.Unref()
}

func TestHelloAccessDenied(t *testing.T) {
	_, ep, caller := newTestBus(t)

	// Stranger uid/gid against mode 0660: no write bit for others.
	stranger := Caller{UID: 2000, GID: 2000, Proc: caller.Proc}
	_, err := ep.Hello(stranger, "", 0, 0)
	wantErrCode(t, err, ErrPermissionDenied)
}

func TestHelloPolicyOpenBypassesAccess(t *testing.T) {
	sub, caller := newTestSubsystem(t)
	b, err := sub.Root().MakeBus(caller, "1000-open", MakePolicyOpen, 64, 0)
	if err != nil {
		t.Fatalf("MakeBus failed: %v", err)
	}
	defer b.Close()
	ep, err := b.Endpoint("bus")
	if err != nil {
		t.Fatalf("Endpoint failed: %v", err)
	}
	defer ep.Unref()

	stranger := Caller{UID: 2000, GID: 2000, Proc: caller.Proc}
	c, err := ep.Hello(stranger, "", 0, 0)
	if err != nil {
		t.Fatalf("Hello on policy-open endpoint failed: %v", err)
	}
	c.Close()
}

func TestSendByIDAndRecv(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	receiver := mustHello(t, ep, caller, "receiver", 0)
	defer sender.Close()
	defer receiver.Close()

	payload := []byte("hello there")
	seq, err := sender.Send(Destination{ID: receiver.ID()}, payload, 0)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if msg.Src != sender.ID() || msg.Seq != seq || msg.Size != uint64(len(payload)) {
		t.Errorf("msg = %+v", msg)
	}
	got, err := receiver.PayloadAt(msg.Offset)
	if err != nil {
		t.Fatalf("PayloadAt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}

	if err := receiver.Free(msg.Offset); err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	// A second free of the same offset fails.
	wantErrCode(t, receiver.Free(msg.Offset), ErrNotFound)
}

func TestSendFIFOPerPair(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	receiver := mustHello(t, ep, caller, "receiver", 0)
	defer sender.Close()
	defer receiver.Close()

	for _, s := range []string{"a", "b", "c"} {
		if _, err := sender.Send(Destination{ID: receiver.ID()}, []byte(s), 0); err != nil {
			t.Fatalf("Send %q failed: %v", s, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := receiver.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		got, _ := receiver.PayloadAt(msg.Offset)
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
		receiver.Free(msg.Offset)
	}
}

func TestSendByName(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	receiver := mustHello(t, ep, caller, "receiver", 0)
	defer sender.Close()
	defer receiver.Close()

	if _, err := receiver.AcquireName("org.example.svc", 0); err != nil {
		t.Fatalf("AcquireName failed: %v", err)
	}

	if _, err := sender.Send(Destination{Name: "org.example.svc"}, []byte("x"), 0); err != nil {
		t.Fatalf("Send by name failed: %v", err)
	}
	if _, err := receiver.Recv(); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	// An unowned name does not resolve.
	_, err := sender.Send(Destination{Name: "org.example.nobody"}, []byte("x"), 0)
	wantErrCode(t, err, ErrNotFound)
}

func TestSendAttachesMetadata(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "org.example.sender", 0)
	mask := uint64(meta.ClassTimestamp | meta.ClassCreds | meta.ClassConnName)
	receiver := mustHello(t, ep, caller, "receiver", mask)
	defer sender.Close()
	defer receiver.Close()

	if _, err := sender.Send(Destination{ID: receiver.ID()}, []byte("x"), 0); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}

	var types []item.Type
	if err := item.ForEach(msg.Meta, func(i item.Item) error {
		types = append(types, i.Type)
		return nil
	}); err != nil {
		t.Fatalf("metadata stream invalid: %v", err)
	}
	want := []item.Type{item.TypeTimestamp, item.TypeCreds, item.TypeConnName}
	if len(types) != len(want) {
		t.Fatalf("metadata types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("metadata record %d = %v, want %v", i, types[i], want[i])
		}
	}
}

func TestSendNoMetadataWhenMaskEmpty(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	receiver := mustHello(t, ep, caller, "receiver", 0)
	defer sender.Close()
	defer receiver.Close()

	sender.Send(Destination{ID: receiver.ID()}, []byte("x"), 0)
	msg, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if len(msg.Meta) != 0 {
		t.Errorf("unexpected metadata: %d bytes", len(msg.Meta))
	}
}

func TestSendPoolFullTimesOut(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	defer sender.Close()

	receiver, err := ep.Hello(caller, "tiny", 0, 64)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	defer receiver.Close()

	if _, err := sender.Send(Destination{ID: receiver.ID()}, make([]byte, 48), 0); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	// No room left; a zero timeout fails immediately.
	_, err = sender.Send(Destination{ID: receiver.ID()}, make([]byte, 48), 0)
	wantErrCode(t, err, ErrTimedOut)

	// A bounded timeout also expires while the receiver sits idle.
	start := time.Now()
	_, err = sender.Send(Destination{ID: receiver.ID()}, make([]byte, 48), 20*time.Millisecond)
	wantErrCode(t, err, ErrTimedOut)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("send returned before the timeout elapsed")
	}
}

func TestSendUnblocksAfterFree(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	defer sender.Close()

	receiver, err := ep.Hello(caller, "tiny", 0, 64)
	if err != nil {
		t.Fatalf("Hello failed: %v", err)
	}
	defer receiver.Close()

	if _, err := sender.Send(Destination{ID: receiver.ID()}, make([]byte, 48), 0); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sender.Send(Destination{ID: receiver.ID()}, make([]byte, 48), time.Second)
		done <- err
	}()

	msg, err := receiver.Recv()
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := receiver.Free(msg.Offset); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("blocked send did not complete after free: %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	r1 := mustHello(t, ep, caller, "r1", 0)
	r2 := mustHello(t, ep, caller, "r2", 0)
	defer sender.Close()
	defer r1.Close()
	defer r2.Close()

	if _, err := sender.Send(Destination{ID: BroadcastID}, []byte("all"), 0); err != nil {
		t.Fatalf("broadcast failed: %v", err)
	}

	for _, r := range []*Connection{r1, r2} {
		msg, err := r.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if msg.Dst != BroadcastID {
			t.Errorf("dst = %d, want broadcast", msg.Dst)
		}
	}
	// The sender does not receive its own broadcast.
	if _, err := sender.Recv(); !IsCode(err, ErrAgain) {
		t.Errorf("sender Recv = %v, want again", err)
	}
}

func TestRecvEmptyQueue(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c := mustHello(t, ep, caller, "", 0)
	defer c.Close()

	_, err := c.Recv()
	wantErrCode(t, err, ErrAgain)
}

func TestNameOperations(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c1 := mustHello(t, ep, caller, "c1", 0)
	c2 := mustHello(t, ep, caller, "c2", 0)
	defer c1.Close()
	defer c2.Close()

	res, err := c1.AcquireName("org.example.a", 0)
	if err != nil || res != names.ResultAcquired {
		t.Fatalf("acquire = %v/%v", res, err)
	}

	// fail-if-taken surfaces as name-in-use.
	_, err = c2.AcquireName("org.example.a", 0)
	wantErrCode(t, err, ErrNameInUse)

	// Queue and promote on release.
	res, err = c2.AcquireName("org.example.a", names.FlagQueue)
	if err != nil || res != names.ResultQueued {
		t.Fatalf("queue acquire = %v/%v", res, err)
	}
	if err := c1.ReleaseName("org.example.a"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	owned := c2.OwnedNames()
	if len(owned) != 1 || owned[0] != "org.example.a" {
		t.Errorf("owned = %v, want promoted name", owned)
	}

	// Releasing someone else's name is denied.
	wantErrCode(t, c1.ReleaseName("org.example.a"), ErrPermissionDenied)
}

func TestDisconnectReleasesNames(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c1 := mustHello(t, ep, caller, "c1", 0)
	c2 := mustHello(t, ep, caller, "c2", 0)
	defer c2.Close()

	c1.AcquireName("org.example.a", 0)
	c1.AcquireName("org.example.b", 0)
	c2.AcquireName("org.example.a", names.FlagQueue)

	c1.Close()

	// The waiter was promoted; the unqueued name is vacant.
	owned := c2.OwnedNames()
	if len(owned) != 1 || owned[0] != "org.example.a" {
		t.Errorf("owned after disconnect = %v", owned)
	}
}

func TestConnInfo(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c := mustHello(t, ep, caller, "org.example.app", uint64(meta.ClassCreds))
	defer c.Close()
	c.AcquireName("org.example.app.primary", 0)

	info := c.Info()
	if info.ID != c.ID() || info.Label != "org.example.app" {
		t.Errorf("info = %+v", info)
	}
	if info.AttachMask != uint64(meta.ClassCreds) {
		t.Errorf("attach mask = %d", info.AttachMask)
	}
	if len(info.Names) != 1 || info.Names[0] != "org.example.app.primary" {
		t.Errorf("names = %v", info.Names)
	}
}

func TestUpdateAttachMask(t *testing.T) {
	_, ep, caller := newTestBus(t)
	sender := mustHello(t, ep, caller, "sender", 0)
	receiver := mustHello(t, ep, caller, "receiver", 0)
	defer sender.Close()
	defer receiver.Close()

	if err := receiver.UpdateAttachMask(uint64(meta.ClassConnName)); err != nil {
		t.Fatalf("UpdateAttachMask failed: %v", err)
	}
	sender.Send(Destination{ID: receiver.ID()}, []byte("x"), 0)
	msg, _ := receiver.Recv()
	if len(msg.Meta) == 0 {
		t.Error("metadata missing after attach-mask update")
	}
}

func TestMatchRules(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c := mustHello(t, ep, caller, "", 0)
	defer c.Close()

	if err := c.AddMatch(1, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("AddMatch failed: %v", err)
	}
	if err := c.RemoveMatch(1); err != nil {
		t.Fatalf("RemoveMatch failed: %v", err)
	}
	wantErrCode(t, c.RemoveMatch(1), ErrNotFound)
}

func TestEndpointDisconnectKeepsConnections(t *testing.T) {
	_, ep, caller := newTestBus(t)
	c := mustHello(t, ep, caller, "", 0)
	defer c.Close()
	peer := mustHello(t, ep, caller, "", 0)
	defer peer.Close()

	ep.Disconnect()

	// New hellos fail, existing connections keep working.
	if _, err := ep.Hello(caller, "", 0, 0); !IsCode(err, ErrShutdown) {
		t.Errorf("Hello after endpoint disconnect = %v, want shutdown", err)
	}
	if _, err := c.Send(Destination{ID: peer.ID()}, []byte("still alive"), 0); err != nil {
		t.Errorf("existing connection broken by endpoint disconnect: %v", err)
	}
}
