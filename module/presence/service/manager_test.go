package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"CollabProject/module/presence/model"
	"CollabProject/service/room"
	"CollabProject/tools/errs"
)

// fakeSessionStore is the in-memory SessionStore used across these tests.
type fakeSessionStore struct {
	mu   sync.Mutex
	rows map[string]*model.Session // by session_id
	seq  int

	failTouch bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{rows: make(map[string]*model.Session)}
}

func (f *fakeSessionStore) Upsert(_ context.Context, userID, documentID string, now time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.rows {
		if s.UserID == userID && s.DocumentID == documentID && s.IsActive {
			s.LastHeartbeat = now
			s.UpdatedAt = now
			cp := *s
			return &cp, nil
		}
	}
	f.seq++
	s := &model.Session{
		SessionID:     fmt.Sprintf("sess-%d", f.seq),
		UserID:        userID,
		DocumentID:    documentID,
		IsActive:      true,
		LastHeartbeat: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.rows[s.SessionID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) Get(_ context.Context, sessionID string) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) SetCursor(_ context.Context, sessionID string, pos model.Position, now time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	s.Cursor = pos
	s.LastHeartbeat = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) SetSelection(_ context.Context, sessionID string, elementID *string, now time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	if elementID == nil {
		s.SelectedElementID = ""
	} else {
		s.SelectedElementID = *elementID
	}
	s.LastHeartbeat = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) Touch(_ context.Context, sessionID string, now time.Time) error {
	if f.failTouch {
		return fmt.Errorf("store down")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.rows[sessionID]; ok {
		s.LastHeartbeat = now
		s.UpdatedAt = now
	}
	return nil
}

func (f *fakeSessionStore) Deactivate(_ context.Context, sessionID string, now time.Time) (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[sessionID]
	if !ok || !s.IsActive {
		return nil, errs.ErrSessionNotFound
	}
	s.IsActive = false
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) ListActiveSince(_ context.Context, documentID string, cutoff time.Time) ([]*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Session
	for _, s := range f.rows {
		if s.DocumentID == documentID && s.IsActive && !s.LastHeartbeat.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) DeactivateStale(_ context.Context, cutoff, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, s := range f.rows {
		if s.IsActive && s.LastHeartbeat.Before(cutoff) {
			s.IsActive = false
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// testClock is an adjustable clock for window math.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(store SessionStore, clk *testClock) *Manager {
	return NewManager(store, room.NewHub(room.HubConf{NodeID: "test"}), ManagerConf{
		Window: DefaultLivenessWindow,
		Clock:  clk.Now,
	})
}

func TestJoinIsIdempotentPerUserDocument(t *testing.T) {
	clk := newTestClock()
	m := newTestManager(newFakeSessionStore(), clk)
	ctx := context.Background()

	first, err := m.Join(ctx, "u1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Second)
	second, err := m.Join(ctx, "u1", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("re-join created a new session: %s then %s", first.SessionID, second.SessionID)
	}
	if !second.LastHeartbeat.After(first.LastHeartbeat) {
		t.Fatal("re-join did not refresh the heartbeat")
	}

	other, err := m.Join(ctx, "u1", "doc-2")
	if err != nil {
		t.Fatal(err)
	}
	if other.SessionID == first.SessionID {
		t.Fatal("sessions on different documents must be distinct")
	}
}

func TestJoinRejectsMissingIdentifiers(t *testing.T) {
	m := newTestManager(newFakeSessionStore(), newTestClock())
	if _, err := m.Join(context.Background(), "", "doc-1"); !errs.ErrInvalidArgument.Is(err) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
	if _, err := m.Join(context.Background(), "u1", ""); !errs.ErrInvalidArgument.Is(err) {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestListLiveAppliesWindowAtReadTime(t *testing.T) {
	clk := newTestClock()
	m := newTestManager(newFakeSessionStore(), clk)
	ctx := context.Background()

	a, _ := m.Join(ctx, "u1", "doc-1")
	if _, err := m.Join(ctx, "u2", "doc-1"); err != nil {
		t.Fatal(err)
	}

	// u1 heartbeats, u2 goes quiet
	clk.Advance(4 * time.Minute)
	m.Heartbeat(ctx, a.SessionID)

	clk.Advance(2 * time.Minute) // u2's heartbeat is now 6m old, u1's 2m

	live, err := m.ListLive(ctx, "doc-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].UserID != "u1" {
		t.Fatalf("live = %+v, want only u1", live)
	}

	// nothing was deactivated; u2 comes back with the same session
	back, err := m.Join(ctx, "u2", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	live, _ = m.ListLive(ctx, "doc-1", "")
	if len(live) != 2 {
		t.Fatalf("after u2 heartbeats again, live = %d, want 2", len(live))
	}
	_ = back
}

func TestListLiveExcludesRequester(t *testing.T) {
	clk := newTestClock()
	m := newTestManager(newFakeSessionStore(), clk)
	ctx := context.Background()

	a, _ := m.Join(ctx, "u1", "doc-1")
	b, _ := m.Join(ctx, "u2", "doc-1")

	live, err := m.ListLive(ctx, "doc-1", a.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 1 || live[0].SessionID != b.SessionID {
		t.Fatalf("live = %+v, want only u2's session", live)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	clk := newTestClock()
	m := newTestManager(newFakeSessionStore(), clk)
	ctx := context.Background()

	s, _ := m.Join(ctx, "u1", "doc-1")
	if err := m.Leave(ctx, s.SessionID); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(ctx, s.SessionID); err != nil {
		t.Fatalf("second leave: %v, want nil", err)
	}
	if err := m.Leave(ctx, "sess-unknown"); err != nil {
		t.Fatalf("leave of unknown session: %v, want nil", err)
	}

	live, _ := m.ListLive(ctx, "doc-1", "")
	if len(live) != 0 {
		t.Fatalf("live = %d after leave, want 0", len(live))
	}
}

func TestRepeatLeaveDoesNotRebroadcast(t *testing.T) {
	clk := newTestClock()
	hub := room.NewHub(room.HubConf{NodeID: "test"})
	m := NewManager(newFakeSessionStore(), hub, ManagerConf{Clock: clk.Now})
	ctx := context.Background()

	s, _ := m.Join(ctx, "u1", "doc-1")
	sub := hub.Subscribe("doc-1", "", "watch")
	defer sub.Close()

	if err := m.Leave(ctx, s.SessionID); err != nil {
		t.Fatal(err)
	}
	if err := m.Leave(ctx, s.SessionID); err != nil {
		t.Fatalf("second leave: %v, want nil", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.Kind != room.SessionLeft {
			t.Fatalf("kind = %s, want %s", ev.Kind, room.SessionLeft)
		}
	case <-time.After(time.Second):
		t.Fatal("first leave published nothing")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("repeat leave published %s; only the transition broadcasts", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatFailureIsSwallowed(t *testing.T) {
	store := newFakeSessionStore()
	clk := newTestClock()
	m := newTestManager(store, clk)
	ctx := context.Background()

	s, _ := m.Join(ctx, "u1", "doc-1")
	store.failTouch = true
	m.Heartbeat(ctx, s.SessionID) // must not panic or surface anything
}

func TestPresenceEventsReachPeers(t *testing.T) {
	clk := newTestClock()
	hub := room.NewHub(room.HubConf{NodeID: "test"})
	m := NewManager(newFakeSessionStore(), hub, ManagerConf{Clock: clk.Now})
	ctx := context.Background()

	a, _ := m.Join(ctx, "u1", "doc-1")
	sub := hub.Subscribe("doc-1", a.SessionID, "watch-a")
	defer sub.Close()

	b, _ := m.Join(ctx, "u2", "doc-1")
	el := "rect-9"
	m.UpdateSelection(ctx, b.SessionID, &el)
	m.UpdateCursor(ctx, b.SessionID, model.Position{X: 3, Y: 4})
	if err := m.Leave(ctx, b.SessionID); err != nil {
		t.Fatal(err)
	}

	wantKinds := []room.Kind{room.SessionJoined, room.SessionUpdated, room.SessionUpdated, room.SessionLeft}
	for i, want := range wantKinds {
		select {
		case ev := <-sub.Events():
			if ev.Kind != want {
				t.Fatalf("event %d kind = %s, want %s", i, ev.Kind, want)
			}
			if i == 1 {
				if got, _ := ev.Payload["selected_element_id"].(string); got != "rect-9" {
					t.Fatalf("selection payload = %v", ev.Payload)
				}
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d (%s)", i, want)
		}
	}
}

func TestSweeperDeactivatesLongStaleRows(t *testing.T) {
	store := newFakeSessionStore()
	clk := newTestClock()
	hub := room.NewHub(room.HubConf{NodeID: "test"})
	m := NewManager(store, hub, ManagerConf{
		Window:     time.Minute,
		SweepEvery: 10 * time.Millisecond,
		Clock:      clk.Now,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, _ := m.Join(ctx, "u1", "doc-1")
	clk.Advance(3 * time.Minute) // past 2x window

	m.StartSweeper(ctx)

	deadline := time.After(time.Second)
	for {
		got, err := store.Get(ctx, s.SessionID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.IsActive {
			return
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never deactivated the stale row")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
