package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"CollabProject/logger"
	midsec "CollabProject/middleware/security"
	cmodel "CollabProject/module/comment/model"
	pmodel "CollabProject/module/presence/model"
	"CollabProject/service/room"
	"CollabProject/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth already ran in the middleware; the gateway sits behind the
	// site's own origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsFrame is what the browser sends upstream. Every frame type here is
// fire-and-forget except comment/resolve, whose failures come back as an
// error frame.
type wsFrame struct {
	Type      string          `json:"type"` // cursor | selection | comment | resolve | ping
	Cursor    pmodel.Position `json:"cursor"`
	ElementID *string         `json:"element_id"`
	Content   string          `json:"content"`
	Position  cmodel.Position `json:"position"`
	ParentID  string          `json:"parent_id"`
	CommentID string          `json:"comment_id"`
}

// Websocket upgrades the connection and binds it to a collaboration client.
// The first frame down is a snapshot (session, peers, threads); after that
// the browser receives room events in delivery order. Closing the socket
// tears the session down.
func (h *Handler) Websocket(c *gin.Context) {
	docID := c.Param("doc")
	userID := midsec.UserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade doc=%s: %v", docID, err)
		return
	}

	send := make(chan []byte, 64)
	client, err := Open(c.Request.Context(), userID, docID, h.Presence, h.Comments, h.Hub,
		WithEventSink(func(ev *room.Event) {
			data, merr := room.EncodeEvent(ev)
			if merr != nil {
				return
			}
			select {
			case send <- data:
			default:
				logger.Warnf("[ws] send buffer full, drop kind=%s doc=%s", ev.Kind, ev.DocumentID)
			}
		}))
	if err != nil {
		msg, _ := json.Marshal(gin.H{"type": "error", "error": err.Error()})
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "join failed"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	snapshot, _ := json.Marshal(gin.H{
		"type":    "snapshot",
		"session": client.session,
		"peers":   client.Peers(),
		"threads": client.Threads(),
	})
	select {
	case send <- snapshot:
	default:
	}

	safe.Go(func() { h.writePump(conn, send, client) })
	safe.Go(func() { h.readPump(conn, send, client) })
}

func (h *Handler) readPump(conn *websocket.Conn, send chan<- []byte, client *Client) {
	defer func() {
		_ = client.Close()
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warnf("[ws] read session=%s: %v", client.SessionID(), err)
			}
			return
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			logger.Debugf("[ws] bad frame session=%s: %v", client.SessionID(), err)
			continue
		}
		h.handleFrame(send, client, &f)
	}
}

func (h *Handler) handleFrame(send chan<- []byte, client *Client, f *wsFrame) {
	ctx := context.Background()
	switch f.Type {
	case "cursor":
		client.UpdateCursor(ctx, f.Cursor)
	case "selection":
		client.UpdateSelection(ctx, f.ElementID)
	case "ping":
		client.presence.Heartbeat(ctx, client.SessionID())
	case "comment":
		if _, err := client.PostComment(ctx, *orEmpty(f.ElementID), f.Content, f.Position, f.ParentID); err != nil {
			writeError(send, err)
		}
	case "resolve":
		if _, err := client.ResolveComment(ctx, f.CommentID); err != nil {
			writeError(send, err)
		}
	default:
		logger.Debugf("[ws] unknown frame type=%q session=%s", f.Type, client.SessionID())
	}
}

// writeError reports an operation failure to the browser. All outbound
// frames funnel through the send channel so the write pump stays the only
// writer on the connection.
func writeError(send chan<- []byte, err error) {
	msg, merr := json.Marshal(gin.H{"type": "error", "error": err.Error()})
	if merr != nil {
		return
	}
	select {
	case send <- msg:
	default:
	}
}

func (h *Handler) writePump(conn *websocket.Conn, send <-chan []byte, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case <-client.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func orEmpty(s *string) *string {
	if s == nil {
		empty := ""
		return &empty
	}
	return s
}
