package room

import (
	"fmt"
	"testing"
	"time"
)

func collect(sub *Subscription, n int, timeout time.Duration) ([]*Event, error) {
	out := make([]*Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out, fmt.Errorf("subscription closed after %d events", len(out))
			}
			out = append(out, ev)
		case <-deadline:
			return out, fmt.Errorf("timeout after %d events", len(out))
		}
	}
	return out, nil
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	a := h.Subscribe("doc-1", "", "sub-a")
	b := h.Subscribe("doc-1", "", "sub-b")
	defer a.Close()
	defer b.Close()

	const n = 20
	for i := 0; i < n; i++ {
		h.Publish(NewEvent(SessionUpdated, "doc-1", "", map[string]any{"seq": i}))
	}

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		evs, err := collect(sub, n, 2*time.Second)
		if err != nil {
			t.Fatalf("sub %s: %v", name, err)
		}
		for i, ev := range evs {
			got, _ := ev.Payload["seq"].(int)
			if got != i {
				t.Fatalf("sub %s: event %d carries seq %v", name, i, ev.Payload["seq"])
			}
		}
	}
}

func TestHubSkipsOriginatorSession(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	self := h.Subscribe("doc-1", "sess-1", "sub-self")
	other := h.Subscribe("doc-1", "sess-2", "sub-other")
	defer self.Close()
	defer other.Close()

	h.Publish(NewEvent(SessionUpdated, "doc-1", "sess-1", nil))

	if _, err := collect(other, 1, time.Second); err != nil {
		t.Fatalf("other session should receive the event: %v", err)
	}
	select {
	case ev := <-self.Events():
		t.Fatalf("originator got its own event back: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHubStampsNodeID(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	sub := h.Subscribe("doc-1", "", "sub-1")
	defer sub.Close()

	h.Publish(NewEvent(CommentPosted, "doc-1", "", nil))
	evs, err := collect(sub, 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if evs[0].Origin != "node-a" {
		t.Fatalf("origin = %q, want node-a", evs[0].Origin)
	}
}

func TestHubRoomTeardownOnLastClose(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	a := h.Subscribe("doc-1", "", "sub-a")
	b := h.Subscribe("doc-1", "", "sub-b")

	if got := h.RoomCount(); got != 1 {
		t.Fatalf("RoomCount = %d, want 1", got)
	}

	a.Close()
	if got := h.RoomCount(); got != 1 {
		t.Fatalf("room torn down while a subscriber remains, RoomCount = %d", got)
	}

	b.Close()
	if got := h.RoomCount(); got != 0 {
		t.Fatalf("RoomCount = %d after last close, want 0", got)
	}

	// channels are closed, not leaked
	if _, ok := <-a.Events(); ok {
		t.Fatal("closed subscription channel still delivers")
	}

	// a fresh subscribe re-creates the room
	c := h.Subscribe("doc-1", "", "sub-c")
	defer c.Close()
	if got := h.RoomCount(); got != 1 {
		t.Fatalf("RoomCount = %d after re-subscribe, want 1", got)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	sub := h.Subscribe("doc-1", "", "sub-a")
	sub.Close()
	sub.Close() // must not panic or double-decrement
	if got := h.RoomCount(); got != 0 {
		t.Fatalf("RoomCount = %d, want 0", got)
	}
}

func TestHubInjectSkipsTaps(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	tapped := 0
	h.Tap(func(*Event) { tapped++ })

	sub := h.Subscribe("doc-1", "", "sub-a")
	defer sub.Close()

	remote := NewEvent(SessionJoined, "doc-1", "", nil)
	remote.Origin = "node-b"
	h.Inject(remote)

	if _, err := collect(sub, 1, time.Second); err != nil {
		t.Fatalf("injected event not delivered: %v", err)
	}
	if tapped != 0 {
		t.Fatalf("Inject ran %d taps; relayed events must not be re-relayed", tapped)
	}

	h.Publish(NewEvent(SessionJoined, "doc-1", "", nil))
	if _, err := collect(sub, 1, time.Second); err != nil {
		t.Fatal(err)
	}
	if tapped != 1 {
		t.Fatalf("Publish ran %d taps, want 1", tapped)
	}
}

func TestHubEventsForUnknownDocumentAreDropped(t *testing.T) {
	h := NewHub(HubConf{NodeID: "node-a"})
	// no subscribers anywhere; must not panic or create a room
	h.Publish(NewEvent(SessionJoined, "doc-ghost", "", nil))
	if got := h.RoomCount(); got != 0 {
		t.Fatalf("RoomCount = %d, publish must not open rooms", got)
	}
}
