package service

import (
	"context"
	"time"

	"CollabProject/logger"
	"CollabProject/module/presence/model"
	"CollabProject/service/room"
	"CollabProject/service/storage"
	"CollabProject/tools/errs"
	"CollabProject/tools/safe"
)

const (
	// DefaultHeartbeatEvery is how often a joined client signals liveness.
	DefaultHeartbeatEvery = 30 * time.Second
	// DefaultLivenessWindow is how long a session counts as live after its
	// last heartbeat.
	DefaultLivenessWindow = 5 * time.Minute
)

// SessionStore is what the manager needs from the presence store. The mongo
// implementation is model.SessionRepo; tests use an in-memory fake.
type SessionStore interface {
	Upsert(ctx context.Context, userID, documentID string, now time.Time) (*model.Session, error)
	Get(ctx context.Context, sessionID string) (*model.Session, error)
	SetCursor(ctx context.Context, sessionID string, pos model.Position, now time.Time) (*model.Session, error)
	SetSelection(ctx context.Context, sessionID string, elementID *string, now time.Time) (*model.Session, error)
	Touch(ctx context.Context, sessionID string, now time.Time) error
	Deactivate(ctx context.Context, sessionID string, now time.Time) (*model.Session, error)
	ListActiveSince(ctx context.Context, documentID string, cutoff time.Time) ([]*model.Session, error)
	DeactivateStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type ManagerConf struct {
	Window         time.Duration    // liveness window
	SweepEvery     time.Duration    // stale-row sweeper period
	MirrorPresence bool             // keep the redis TTL mirror in step
	Clock          func() time.Time // injectable for tests; nil => time.Now
}

func (c *ManagerConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Window <= 0 {
		c.Window = DefaultLivenessWindow
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = time.Minute
	}
}

// Manager owns the presence lifecycle: join, heartbeat, cursor/selection
// updates, leave, and the read-time liveness filter. Join and Leave surface
// store failures; everything else logs and carries on so a persistence
// hiccup never interrupts editing.
type Manager struct {
	store SessionStore
	hub   *room.Hub
	conf  ManagerConf
}

func NewManager(store SessionStore, hub *room.Hub, conf ManagerConf) *Manager {
	conf.norm()
	return &Manager{store: store, hub: hub, conf: conf}
}

func (m *Manager) Window() time.Duration { return m.conf.Window }

// SessionEventPayload is what session_* room events carry.
type SessionEventPayload struct {
	SessionID         string         `json:"session_id"`
	UserID            string         `json:"user_id"`
	Cursor            model.Position `json:"cursor"`
	SelectedElementID string         `json:"selected_element_id,omitempty"`
}

func sessionPayload(s *model.Session) map[string]any {
	p := map[string]any{
		"session_id": s.SessionID,
		"user_id":    s.UserID,
		"cursor":     map[string]any{"x": s.Cursor.X, "y": s.Cursor.Y},
	}
	if s.SelectedElementID != "" {
		p["selected_element_id"] = s.SelectedElementID
	}
	return p
}

// Join creates or refreshes the caller's session on the document. Idempotent
// on (user, document): joining twice returns the same session id.
func (m *Manager) Join(ctx context.Context, userID, documentID string) (*model.Session, error) {
	if userID == "" || documentID == "" {
		return nil, errs.ErrInvalidArgument.WithDetail("user_id and document_id are required")
	}
	now := m.conf.Clock()
	sess, err := m.store.Upsert(ctx, userID, documentID, now)
	if err != nil {
		return nil, errs.WrapMsg(err, "join upsert", "doc", documentID)
	}

	m.mirrorTouch(sess)
	m.hub.Publish(room.NewEvent(room.SessionJoined, documentID, sess.SessionID, sessionPayload(sess)))
	logger.Infof("[presence] join user=%s doc=%s session=%s", userID, documentID, sess.SessionID)
	return sess, nil
}

// UpdateCursor overwrites the cursor and refreshes the heartbeat. Best
// effort: failures are logged, never returned, and the broadcast never
// blocks the caller.
func (m *Manager) UpdateCursor(ctx context.Context, sessionID string, pos model.Position) {
	now := m.conf.Clock()
	sess, err := m.store.SetCursor(ctx, sessionID, pos, now)
	if err != nil {
		logger.Warnf("[presence] cursor update dropped session=%s: %v", sessionID, err)
		return
	}
	m.mirrorTouch(sess)
	m.hub.Publish(room.NewEvent(room.SessionUpdated, sess.DocumentID, sess.SessionID, sessionPayload(sess)))
}

// UpdateSelection overwrites the selected element (nil clears it) and
// refreshes the heartbeat. Best effort, like UpdateCursor.
func (m *Manager) UpdateSelection(ctx context.Context, sessionID string, elementID *string) {
	now := m.conf.Clock()
	sess, err := m.store.SetSelection(ctx, sessionID, elementID, now)
	if err != nil {
		logger.Warnf("[presence] selection update dropped session=%s: %v", sessionID, err)
		return
	}
	m.mirrorTouch(sess)
	m.hub.Publish(room.NewEvent(room.SessionUpdated, sess.DocumentID, sess.SessionID, sessionPayload(sess)))
}

// Heartbeat refreshes last_heartbeat only. Best effort.
func (m *Manager) Heartbeat(ctx context.Context, sessionID string) {
	now := m.conf.Clock()
	if err := m.store.Touch(ctx, sessionID, now); err != nil {
		logger.Warnf("[presence] heartbeat dropped session=%s: %v", sessionID, err)
		return
	}
	if m.conf.MirrorPresence {
		safe.Go(func() {
			if sess, err := m.store.Get(context.Background(), sessionID); err == nil {
				m.mirrorTouch(sess)
			}
		})
	}
}

// Leave ends the session. Idempotent: a second call is a no-op success.
// State-transition boundary, so failures surface to the caller.
func (m *Manager) Leave(ctx context.Context, sessionID string) error {
	now := m.conf.Clock()
	sess, err := m.store.Deactivate(ctx, sessionID, now)
	if err != nil {
		if errs.ErrSessionNotFound.Is(err) {
			return nil // already gone
		}
		return errs.WrapMsg(err, "leave", "session", sessionID)
	}

	if m.conf.MirrorPresence {
		docID, userID := sess.DocumentID, sess.UserID
		safe.Go(func() {
			if err := storage.PresenceDrop(context.Background(), docID, userID); err != nil {
				logger.Debugf("[presence] mirror drop doc=%s user=%s: %v", docID, userID, err)
			}
		})
	}
	m.hub.Publish(room.NewEvent(room.SessionLeft, sess.DocumentID, sess.SessionID, sessionPayload(sess)))
	logger.Infof("[presence] leave user=%s doc=%s session=%s", sess.UserID, sess.DocumentID, sess.SessionID)
	return nil
}

// ListLive returns sessions that are active and whose heartbeat falls inside
// the liveness window, evaluated now. Pass excludeSessionID to drop the
// requester's own row for "other users" views; pass "" for the full room.
func (m *Manager) ListLive(ctx context.Context, documentID, excludeSessionID string) ([]*model.Session, error) {
	cutoff := m.conf.Clock().Add(-m.conf.Window)
	rows, err := m.store.ListActiveSince(ctx, documentID, cutoff)
	if err != nil {
		return nil, errs.WrapMsg(err, "list live", "doc", documentID)
	}
	if excludeSessionID == "" {
		return rows, nil
	}
	out := rows[:0]
	for _, s := range rows {
		if s.SessionID != excludeSessionID {
			out = append(out, s)
		}
	}
	return out, nil
}

// StartSweeper periodically flips long-stale rows inactive. Display liveness
// never depends on it; it just keeps the collection honest.
func (m *Manager) StartSweeper(ctx context.Context) {
	safe.Go(func() {
		t := time.NewTicker(m.conf.SweepEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				now := m.conf.Clock()
				cutoff := now.Add(-2 * m.conf.Window)
				n, err := m.store.DeactivateStale(ctx, cutoff, now)
				if err != nil {
					logger.Warnf("[presence] sweep: %v", err)
					continue
				}
				if n > 0 {
					logger.Debugf("[presence] swept %d stale sessions", n)
				}
			}
		}
	})
}

func (m *Manager) mirrorTouch(sess *model.Session) {
	if !m.conf.MirrorPresence || sess == nil {
		return
	}
	docID, userID, sid := sess.DocumentID, sess.UserID, sess.SessionID
	window := m.conf.Window
	safe.Go(func() {
		if err := storage.PresenceTouch(context.Background(), docID, userID, sid, window); err != nil {
			logger.Debugf("[presence] mirror touch doc=%s user=%s: %v", docID, userID, err)
		}
	})
}
