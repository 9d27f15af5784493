package room

import (
	"sync"

	"CollabProject/logger"
)

// Hub owns one room per open document. Rooms are created lazily on the
// first subscribe, refcounted, and torn down when the last subscriber
// detaches. Each room drains its queue on a single goroutine, which is the
// serialization point that gives every subscriber the same event order.

type HubConf struct {
	NodeID    string // this gateway instance; stamped onto published events
	QueueSize int    // per-room pending events
	SubBuffer int    // per-subscriber channel depth
}

func (c *HubConf) norm() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SubBuffer <= 0 {
		c.SubBuffer = 64
	}
	if c.NodeID == "" {
		c.NodeID = "collab_gw-1"
	}
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*room
	conf  HubConf

	tapMu sync.Mutex
	taps  []func(*Event)
}

type room struct {
	documentID string
	queue      chan *Event
	done       chan struct{}

	mu   sync.RWMutex
	subs map[string]*Subscription
	refs int
}

// Subscription is one consumer's ordered view of a room.
type Subscription struct {
	id         string
	documentID string
	sessionID  string // events originated by this session are not echoed back
	ch         chan *Event
	hub        *Hub
	closeOnce  sync.Once
}

// Events yields the room's events in publish order. The channel is closed
// when the subscription (or the room) is closed.
func (s *Subscription) Events() <-chan *Event { return s.ch }

func (s *Subscription) DocumentID() string { return s.documentID }

// Close detaches from the room. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.unsubscribe(s)
	})
}

func NewHub(conf HubConf) *Hub {
	conf.norm()
	return &Hub{
		rooms: make(map[string]*room),
		conf:  conf,
	}
}

func (h *Hub) NodeID() string { return h.conf.NodeID }

// Tap registers a callback invoked for every locally published event, after
// it is stamped but independent of local subscribers. The NATS relay hangs
// off this.
func (h *Hub) Tap(fn func(*Event)) {
	h.tapMu.Lock()
	defer h.tapMu.Unlock()
	h.taps = append(h.taps, fn)
}

// Subscribe attaches to the document's room, creating it on first use.
// sessionID identifies the caller's own session so its events are not
// echoed back; pass "" to receive everything.
func (h *Hub) Subscribe(documentID, sessionID, subID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[documentID]
	if !ok {
		r = &room{
			documentID: documentID,
			queue:      make(chan *Event, h.conf.QueueSize),
			done:       make(chan struct{}),
			subs:       make(map[string]*Subscription),
		}
		h.rooms[documentID] = r
		go r.dispatch()
	}

	sub := &Subscription{
		id:         subID,
		documentID: documentID,
		sessionID:  sessionID,
		ch:         make(chan *Event, h.conf.SubBuffer),
		hub:        h,
	}

	// attach under the hub lock so a concurrent last-unsubscribe cannot tear
	// the room down between lookup and attach
	r.mu.Lock()
	r.subs[subID] = sub
	r.refs++
	r.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[s.documentID]
	if !ok {
		close(s.ch)
		return
	}

	// closing under the room lock: dispatch only sends while holding it,
	// so no send can race the close
	r.mu.Lock()
	if _, attached := r.subs[s.id]; attached {
		delete(r.subs, s.id)
		r.refs--
	}
	close(s.ch)
	empty := r.refs <= 0
	r.mu.Unlock()

	if empty {
		delete(h.rooms, s.documentID)
		close(r.done)
		logger.Debugf("[room] torn down doc=%s", s.documentID)
	}
}

// Publish enqueues a locally originated event: stamps the node id, runs the
// taps (relay), then hands the event to the room's dispatch goroutine. Never
// blocks the caller; a full queue drops the event, clients reconcile on the
// next full fetch.
func (h *Hub) Publish(ev *Event) {
	if ev == nil || ev.DocumentID == "" {
		return
	}
	ev.Origin = h.conf.NodeID

	h.tapMu.Lock()
	for _, fn := range h.taps {
		fn(ev)
	}
	h.tapMu.Unlock()

	h.Inject(ev)
}

// Inject delivers an event to local subscribers only, without re-running
// taps. The relay uses this for events that arrived from other nodes.
func (h *Hub) Inject(ev *Event) {
	if ev == nil || ev.DocumentID == "" {
		return
	}
	h.mu.RLock()
	r, ok := h.rooms[ev.DocumentID]
	h.mu.RUnlock()
	if !ok {
		// nobody here is watching this document
		return
	}

	select {
	case r.queue <- ev:
	case <-r.done:
	default:
		logger.Warnf("[room] queue full, drop kind=%s doc=%s", ev.Kind, ev.DocumentID)
	}
}

// RoomCount reports how many rooms are currently open on this node.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (r *room) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.queue:
			// sends stay under the lock so Close cannot slip a channel
			// close between snapshot and send; sends never block anyway
			r.mu.RLock()
			for _, s := range r.subs {
				if s.sessionID != "" && s.sessionID == ev.SessionID {
					continue // originator already applied its own mutation
				}
				select {
				case s.ch <- ev:
				default:
					// slow subscriber: best-effort delivery, skip
					logger.Warnf("[room] subscriber lagging, drop kind=%s doc=%s sub=%s",
						ev.Kind, ev.DocumentID, s.id)
				}
			}
			r.mu.RUnlock()
		}
	}
}
