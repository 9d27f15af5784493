package collab

import (
	"context"
	"sync"
	"time"

	"CollabProject/logger"
	cmodel "CollabProject/module/comment/model"
	csvc "CollabProject/module/comment/service"
	pmodel "CollabProject/module/presence/model"
	psvc "CollabProject/module/presence/service"
	"CollabProject/service/room"
	"CollabProject/tools/decode"
	"CollabProject/tools/ids"
	"CollabProject/tools/safe"
)

// Client is the single entry point an open editor holds on a document. It
// joins the room, heartbeats while open, subscribes to room events, and
// keeps two projections (peers and comment threads) that are mutated only
// by applying events in delivery order.
type Client struct {
	userID     string
	documentID string
	session    *pmodel.Session

	presence *psvc.Manager
	comments *csvc.Comments
	sub      *room.Subscription

	mu      sync.RWMutex
	peers   map[string]*pmodel.Session // keyed by session_id
	threads []*cmodel.Comment

	hbEvery   time.Duration
	hbStop    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	// onEvent, when set, observes every applied event (the websocket layer
	// forwards them to the browser). Called on the apply goroutine so it
	// sees the same order as the projections.
	onEvent func(*room.Event)
}

type ClientOpt func(*Client)

// WithHeartbeatEvery overrides the heartbeat tick; tests shrink it.
func WithHeartbeatEvery(d time.Duration) ClientOpt {
	return func(c *Client) { c.hbEvery = d }
}

// WithEventSink installs the onEvent observer.
func WithEventSink(fn func(*room.Event)) ClientOpt {
	return func(c *Client) { c.onEvent = fn }
}

// Open joins the document and wires the live machinery. A failed Join
// returns the error untouched so the caller can present "collaboration
// unavailable" without blocking editing.
func Open(ctx context.Context, userID, documentID string, presence *psvc.Manager, comments *csvc.Comments, hub *room.Hub, opts ...ClientOpt) (*Client, error) {
	sess, err := presence.Join(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}

	c := &Client{
		userID:     userID,
		documentID: documentID,
		session:    sess,
		presence:   presence,
		comments:   comments,
		peers:      make(map[string]*pmodel.Session),
		hbEvery:    psvc.DefaultHeartbeatEvery,
		hbStop:     make(chan struct{}),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	// subscribe before the priming fetch so nothing falls in the gap;
	// events racing the fetch just overwrite with fresher state
	c.sub = hub.Subscribe(documentID, sess.SessionID, ids.GenerateString())

	c.prime(ctx)

	safe.Go(c.heartbeatLoop)
	safe.Go(c.applyLoop)
	return c, nil
}

func (c *Client) SessionID() string  { return c.session.SessionID }
func (c *Client) DocumentID() string { return c.documentID }

// Done is closed once teardown has run.
func (c *Client) Done() <-chan struct{} { return c.closed }

// prime loads the projections via full fetch; this is also the recovery
// path whenever pushed events may have been missed.
func (c *Client) prime(ctx context.Context) {
	peers, err := c.presence.ListLive(ctx, c.documentID, c.session.SessionID)
	if err != nil {
		logger.Warnf("[collab] prime presence doc=%s: %v", c.documentID, err)
	}
	threads, err := c.comments.ListThreaded(ctx, c.documentID)
	if err != nil {
		logger.Warnf("[collab] prime comments doc=%s: %v", c.documentID, err)
	}

	c.mu.Lock()
	for _, p := range peers {
		c.peers[p.SessionID] = p
	}
	if threads != nil {
		c.threads = threads
	}
	c.mu.Unlock()
}

// Peers returns the other live sessions on the document.
func (c *Client) Peers() []*pmodel.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*pmodel.Session, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Threads returns the assembled comment threads.
func (c *Client) Threads() []*cmodel.Comment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*cmodel.Comment, len(c.threads))
	copy(out, c.threads)
	return out
}

// UpdateCursor is fire-and-forget; the editor never blocks on it.
func (c *Client) UpdateCursor(ctx context.Context, pos pmodel.Position) {
	c.presence.UpdateCursor(ctx, c.session.SessionID, pos)
}

// UpdateSelection is fire-and-forget; nil clears the selection.
func (c *Client) UpdateSelection(ctx context.Context, elementID *string) {
	c.presence.UpdateSelection(ctx, c.session.SessionID, elementID)
}

func (c *Client) PostComment(ctx context.Context, elementID, content string, pos cmodel.Position, parentID string) (*cmodel.Comment, error) {
	posted, err := c.comments.Post(ctx, csvc.PostInput{
		DocumentID: c.documentID,
		UserID:     c.userID,
		SessionID:  c.session.SessionID,
		ElementID:  elementID,
		Content:    content,
		Position:   pos,
		ParentID:   parentID,
	})
	if err != nil {
		return nil, err
	}
	// the room won't echo our own event back; apply locally
	c.applyComment(posted)
	return posted, nil
}

func (c *Client) ResolveComment(ctx context.Context, commentID string) (*cmodel.Comment, error) {
	resolved, err := c.comments.Resolve(ctx, commentID, c.userID, c.session.SessionID)
	if err != nil {
		return nil, err
	}
	c.applyResolved(resolved.CommentID, resolved.ResolvedBy, resolved.ResolvedAt)
	return resolved, nil
}

// Close releases everything the editor held: heartbeat ticker, room
// subscription, then Leave. All three run even when one fails; this is a
// scoped release, not a conditional cleanup.
func (c *Client) Close() error {
	var leaveErr error
	c.closeOnce.Do(func() {
		close(c.hbStop)
		c.sub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.presence.Leave(ctx, c.session.SessionID); err != nil {
			logger.Warnf("[collab] leave session=%s: %v", c.session.SessionID, err)
			leaveErr = err
		}
		close(c.closed)
	})
	return leaveErr
}

func (c *Client) heartbeatLoop() {
	t := time.NewTicker(c.hbEvery)
	defer t.Stop()
	for {
		select {
		case <-c.hbStop:
			return
		case <-t.C:
			c.presence.Heartbeat(context.Background(), c.session.SessionID)
		}
	}
}

// applyLoop is the only writer of the projections after priming, so the
// local view mutates strictly in delivery order.
func (c *Client) applyLoop() {
	for ev := range c.sub.Events() {
		c.apply(ev)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Client) apply(ev *room.Event) {
	switch ev.Kind {
	case room.SessionJoined, room.SessionUpdated:
		p, err := decode.Payload[psvc.SessionEventPayload](ev.Payload)
		if err != nil {
			logger.Warnf("[collab] bad %s payload: %v", ev.Kind, err)
			return
		}
		if p.SessionID == c.session.SessionID {
			return
		}
		c.mu.Lock()
		c.peers[p.SessionID] = &pmodel.Session{
			SessionID:         p.SessionID,
			UserID:            p.UserID,
			DocumentID:        ev.DocumentID,
			Cursor:            p.Cursor,
			SelectedElementID: p.SelectedElementID,
			IsActive:          true,
		}
		c.mu.Unlock()

	case room.SessionLeft:
		p, err := decode.Payload[psvc.SessionEventPayload](ev.Payload)
		if err != nil {
			logger.Warnf("[collab] bad %s payload: %v", ev.Kind, err)
			return
		}
		c.mu.Lock()
		delete(c.peers, p.SessionID)
		c.mu.Unlock()

	case room.CommentPosted:
		p, err := decode.Payload[csvc.CommentEventPayload](ev.Payload)
		if err != nil {
			logger.Warnf("[collab] bad %s payload: %v", ev.Kind, err)
			return
		}
		c.applyComment(&cmodel.Comment{
			CommentID:  p.CommentID,
			DocumentID: p.DocumentID,
			UserID:     p.UserID,
			ElementID:  p.ElementID,
			Content:    p.Content,
			Position:   p.Position,
			ParentID:   p.ParentID,
			CreatedAt:  time.UnixMilli(p.CreatedAt),
		})

	case room.CommentResolved:
		p, err := decode.Payload[csvc.CommentEventPayload](ev.Payload)
		if err != nil {
			logger.Warnf("[collab] bad %s payload: %v", ev.Kind, err)
			return
		}
		at := time.UnixMilli(ev.SentAtMS)
		c.applyResolved(p.CommentID, p.ResolvedBy, &at)
	}
}

func (c *Client) applyComment(nc *cmodel.Comment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if nc.ParentID == "" {
		for _, t := range c.threads {
			if t.CommentID == nc.CommentID {
				return // duplicate (own call + echo), already applied
			}
		}
		cc := *nc
		cc.Replies = []*cmodel.Comment{}
		c.threads = append([]*cmodel.Comment{&cc}, c.threads...)
		return
	}

	for _, t := range c.threads {
		if t.CommentID != nc.ParentID {
			continue
		}
		for _, r := range t.Replies {
			if r.CommentID == nc.CommentID {
				return
			}
		}
		t.Replies = append(t.Replies, nc)
		return
	}
	// parent not in view (e.g. projection primed after the parent was
	// dropped): consistent with read-side policy, skip
}

func (c *Client) applyResolved(commentID, resolvedBy string, resolvedAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.threads {
		if t.CommentID == commentID {
			t.IsResolved = true
			t.ResolvedBy = resolvedBy
			t.ResolvedAt = resolvedAt
			return
		}
		for _, r := range t.Replies {
			if r.CommentID == commentID {
				r.IsResolved = true
				r.ResolvedBy = resolvedBy
				r.ResolvedAt = resolvedAt
				return
			}
		}
	}
}
