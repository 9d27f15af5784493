package collab

import (
	"net/http"

	"CollabProject/logger"
	"CollabProject/middleware"
	midsec "CollabProject/middleware/security"
	cmodel "CollabProject/module/comment/model"
	csvc "CollabProject/module/comment/service"
	"CollabProject/module/identity"
	pmodel "CollabProject/module/presence/model"
	psvc "CollabProject/module/presence/service"
	"CollabProject/service/mgo"
	"CollabProject/service/room"
	"CollabProject/service/storage"
	"CollabProject/tools/errs"
	sec "CollabProject/tools/security"

	"github.com/gin-gonic/gin"
)

// Handler exposes the collaboration operations over REST. The websocket
// endpoint lives in ws.go; both share this struct.
type Handler struct {
	Presence *psvc.Manager
	Comments *csvc.Comments
	Hub      *room.Hub
	Identity *identity.Resolver

	JWT sec.Options // for the dev /login endpoint

	// Mirror reports whether the redis liveness mirror is up; when it is,
	// cheap occupancy reads skip mongo entirely.
	Mirror bool
}

// RegisterRoutes wires the collaboration surface onto the engine. Everything
// except /login requires a verified token.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	middleware.GET(r, "/healthz", h.Healthz, middleware.RouteOpt{IsAuth: false})
	middleware.POST(r, "/login", h.Login, middleware.RouteOpt{IsAuth: false})

	middleware.POST(r, "/collab/rooms/:doc/join", h.Join, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/rooms/:doc/leave", h.Leave, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/rooms/:doc/cursor", h.Cursor, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/rooms/:doc/selection", h.Selection, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/rooms/:doc/heartbeat", h.Heartbeat, middleware.RouteOpt{IsAuth: true})
	middleware.GET(r, "/collab/rooms/:doc/presence", h.ListPresence, middleware.RouteOpt{IsAuth: true})
	middleware.GET(r, "/collab/rooms/:doc/presence/count", h.PresenceCount, middleware.RouteOpt{IsAuth: true})
	middleware.GET(r, "/collab/rooms/:doc/presence/:user", h.PresenceCheck, middleware.RouteOpt{IsAuth: true})

	middleware.GET(r, "/collab/rooms/:doc/comments", h.ListComments, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/rooms/:doc/comments", h.PostComment, middleware.RouteOpt{IsAuth: true})
	middleware.POST(r, "/collab/comments/:id/resolve", h.ResolveComment, middleware.RouteOpt{IsAuth: true})

	middleware.GET(r, "/collab/rooms/:doc/ws", h.Websocket, middleware.RouteOpt{IsAuth: true})
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "ok", "data": data})
}

// fail maps the code ranges onto HTTP statuses. Unknown errors stay opaque
// 500s so store internals never leak to the browser.
func fail(c *gin.Context, err error) {
	ce, matched := errs.AsCode(err)
	if !matched {
		c.JSON(http.StatusInternalServerError, gin.H{"code": -1, "msg": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case ce.Code == errs.ErrTokenInvalid.Code:
		status = http.StatusUnauthorized
	case ce.Code == errs.ErrAlreadyResolved.Code:
		status = http.StatusConflict
	case ce.Code >= 1000 && ce.Code < 2000:
		status = http.StatusBadRequest
	case ce.Code >= 3000 && ce.Code < 4000:
		status = http.StatusNotFound
	case ce.Code >= 5000:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, ce)
}

// Healthz reports whether the gateway can serve. The store is the only hard
// dependency; redis and NATS degrade rather than gate.
func (h *Handler) Healthz(c *gin.Context) {
	if _, ready := mgo.TryGetDB(); !ready {
		c.JSON(http.StatusServiceUnavailable, errs.ErrStoreUnavailable)
		return
	}
	ok(c, gin.H{"rooms": h.Hub.RoomCount()})
}

type loginReq struct {
	UserID string `json:"user_id" binding:"required"`
}

// Login issues a development token. Production deployments put a real
// identity provider in front and disable this route.
func (h *Handler) Login(c *gin.Context) {
	var req loginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	token, expireAt, err := sec.Generate(h.JWT, req.UserID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"token": token, "expire_at": expireAt.Unix()})
}

// Join opens (or refreshes) the caller's session and returns the initial
// room snapshot: the session, live peers and the comment threads, so one
// round trip primes the editor.
func (h *Handler) Join(c *gin.Context) {
	docID := c.Param("doc")
	userID := midsec.UserID(c)

	sess, err := h.Presence.Join(c.Request.Context(), userID, docID)
	if err != nil {
		fail(c, err)
		return
	}
	peers, err := h.Presence.ListLive(c.Request.Context(), docID, sess.SessionID)
	if err != nil {
		fail(c, err)
		return
	}
	threads, err := h.Comments.ListThreaded(c.Request.Context(), docID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"session": sess, "peers": peers, "threads": threads})
}

type sessionReq struct {
	SessionID string `json:"session_id" binding:"required"`
}

func (h *Handler) Leave(c *gin.Context) {
	var req sessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	if err := h.Presence.Leave(c.Request.Context(), req.SessionID); err != nil {
		fail(c, err)
		return
	}
	ok(c, nil)
}

type cursorReq struct {
	SessionID string         `json:"session_id" binding:"required"`
	Cursor    pmodel.Position `json:"cursor"`
}

// Cursor is fire-and-forget: the update is accepted as long as the request
// parses, and persistence failures are logged server-side.
func (h *Handler) Cursor(c *gin.Context) {
	var req cursorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	h.Presence.UpdateCursor(c.Request.Context(), req.SessionID, req.Cursor)
	ok(c, nil)
}

type selectionReq struct {
	SessionID string  `json:"session_id" binding:"required"`
	ElementID *string `json:"element_id"` // null clears the selection
}

func (h *Handler) Selection(c *gin.Context) {
	var req selectionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	h.Presence.UpdateSelection(c.Request.Context(), req.SessionID, req.ElementID)
	ok(c, nil)
}

func (h *Handler) Heartbeat(c *gin.Context) {
	var req sessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	h.Presence.Heartbeat(c.Request.Context(), req.SessionID)
	ok(c, nil)
}

// presenceEntry is a live session decorated with its user's profile.
type presenceEntry struct {
	*pmodel.Session
	Profile *identity.Profile `json:"profile,omitempty"`
}

// ListPresence returns the live sessions on the document, each carrying the
// poster's display profile. Pass ?exclude_session= to drop the caller's own
// row.
func (h *Handler) ListPresence(c *gin.Context) {
	docID := c.Param("doc")
	rows, err := h.Presence.ListLive(c.Request.Context(), docID, c.Query("exclude_session"))
	if err != nil {
		fail(c, err)
		return
	}

	out := make([]presenceEntry, 0, len(rows))
	if h.Identity != nil {
		ids := make([]string, 0, len(rows))
		for _, s := range rows {
			ids = append(ids, s.UserID)
		}
		profiles := h.Identity.Decorate(c.Request.Context(), ids)
		for _, s := range rows {
			out = append(out, presenceEntry{Session: s, Profile: profiles[s.UserID]})
		}
	} else {
		for _, s := range rows {
			out = append(out, presenceEntry{Session: s})
		}
	}
	ok(c, gin.H{"sessions": out})
}

// PresenceCount answers "how many editors are on this document right now".
// With the mirror up it is a redis scan; otherwise it falls back to the
// store. Other site services poll this, so it stays cheap.
func (h *Handler) PresenceCount(c *gin.Context) {
	docID := c.Param("doc")
	if h.Mirror {
		n, err := storage.PresenceCount(c.Request.Context(), docID)
		if err == nil {
			ok(c, gin.H{"count": n})
			return
		}
		logger.Warnf("[collab] mirror count doc=%s: %v", docID, err)
	}
	rows, err := h.Presence.ListLive(c.Request.Context(), docID, "")
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"count": len(rows)})
}

// PresenceCheck answers "is this user on this document right now".
func (h *Handler) PresenceCheck(c *gin.Context) {
	docID, userID := c.Param("doc"), c.Param("user")
	if h.Mirror {
		sessionID, live, err := storage.PresenceLookup(c.Request.Context(), docID, userID)
		if err == nil {
			ok(c, gin.H{"live": live, "session_id": sessionID})
			return
		}
		logger.Warnf("[collab] mirror lookup doc=%s user=%s: %v", docID, userID, err)
	}
	rows, err := h.Presence.ListLive(c.Request.Context(), docID, "")
	if err != nil {
		fail(c, err)
		return
	}
	for _, s := range rows {
		if s.UserID == userID {
			ok(c, gin.H{"live": true, "session_id": s.SessionID})
			return
		}
	}
	ok(c, gin.H{"live": false, "session_id": ""})
}

func (h *Handler) ListComments(c *gin.Context) {
	threads, err := h.Comments.ListThreaded(c.Request.Context(), c.Param("doc"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"threads": threads})
}

type postCommentReq struct {
	SessionID string          `json:"session_id"`
	ElementID string          `json:"element_id"`
	Content   string          `json:"content"`
	Position  cmodel.Position `json:"position"`
	ParentID  string          `json:"parent_id"`
}

func (h *Handler) PostComment(c *gin.Context) {
	var req postCommentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errs.ErrInvalidArgument.WithDetail(err.Error()))
		return
	}
	posted, err := h.Comments.Post(c.Request.Context(), csvc.PostInput{
		DocumentID: c.Param("doc"),
		UserID:     midsec.UserID(c),
		SessionID:  req.SessionID,
		ElementID:  req.ElementID,
		Content:    req.Content,
		Position:   req.Position,
		ParentID:   req.ParentID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"comment": posted})
}

type resolveReq struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) ResolveComment(c *gin.Context) {
	var req resolveReq
	_ = c.ShouldBindJSON(&req) // session_id optional; body may be empty
	resolved, err := h.Comments.Resolve(c.Request.Context(), c.Param("id"), midsec.UserID(c), req.SessionID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"comment": resolved})
}
