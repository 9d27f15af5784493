package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"CollabProject/logger"
	"CollabProject/module/comment/model"
	"CollabProject/service/room"
	"CollabProject/tools/errs"
	"CollabProject/tools/ids"
)

// CommentStore is what the service needs from the comment store. The mongo
// implementation is model.CommentRepo; tests use an in-memory fake.
type CommentStore interface {
	Insert(ctx context.Context, c *model.Comment) error
	Get(ctx context.Context, commentID string) (*model.Comment, error)
	Resolve(ctx context.Context, commentID, resolverID string, now time.Time) (*model.Comment, error)
	ListByDocument(ctx context.Context, documentID string) ([]*model.Comment, error)
}

// Comments persists the comment layer and reassembles flat rows into
// two-level threads.
type Comments struct {
	store CommentStore
	hub   *room.Hub
	clock func() time.Time
}

func NewComments(store CommentStore, hub *room.Hub, clock func() time.Time) *Comments {
	if clock == nil {
		clock = time.Now
	}
	return &Comments{store: store, hub: hub, clock: clock}
}

// PostInput carries everything Post needs; SessionID only tags the
// broadcast so the poster is not echoed its own event.
type PostInput struct {
	DocumentID string
	UserID     string
	SessionID  string
	ElementID  string
	Content    string
	Position   model.Position
	ParentID   string
}

// CommentEventPayload is what comment_* room events carry.
type CommentEventPayload struct {
	CommentID  string         `json:"comment_id"`
	DocumentID string         `json:"document_id"`
	UserID     string         `json:"user_id"`
	ElementID  string         `json:"element_id,omitempty"`
	Content    string         `json:"content"`
	Position   model.Position `json:"position"`
	ParentID   string         `json:"parent_id,omitempty"`
	IsResolved bool           `json:"is_resolved"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  int64          `json:"created_at_ms"`
}

func commentPayload(c *model.Comment) map[string]any {
	p := map[string]any{
		"comment_id":    c.CommentID,
		"document_id":   c.DocumentID,
		"user_id":       c.UserID,
		"content":       c.Content,
		"position":      map[string]any{"x": c.Position.X, "y": c.Position.Y},
		"is_resolved":   c.IsResolved,
		"created_at_ms": c.CreatedAt.UnixMilli(),
	}
	if c.ElementID != "" {
		p["element_id"] = c.ElementID
	}
	if c.ParentID != "" {
		p["parent_id"] = c.ParentID
	}
	if c.ResolvedBy != "" {
		p["resolved_by"] = c.ResolvedBy
	}
	return p
}

// Post validates and stores a new comment or reply, then broadcasts
// comment_posted. Whitespace-only content is rejected before anything is
// persisted, so a bad post leaves no row and no event.
func (s *Comments) Post(ctx context.Context, in PostInput) (*model.Comment, error) {
	if in.DocumentID == "" || in.UserID == "" {
		return nil, errs.ErrInvalidArgument.WithDetail("document_id and user_id are required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, errs.ErrEmptyContent
	}

	if in.ParentID != "" {
		parent, err := s.store.Get(ctx, in.ParentID)
		if err != nil {
			if errs.ErrCommentNotFound.Is(err) {
				return nil, errs.ErrParentNotFound
			}
			return nil, errs.WrapMsg(err, "load parent", "parent", in.ParentID)
		}
		if parent.ParentID != "" {
			return nil, errs.ErrReplyDepth
		}
		if parent.DocumentID != in.DocumentID {
			return nil, errs.ErrInvalidArgument.WithDetail("parent belongs to another document")
		}
	}

	now := s.clock()
	c := &model.Comment{
		CommentID:  ids.GenerateString(),
		DocumentID: in.DocumentID,
		UserID:     in.UserID,
		ElementID:  in.ElementID,
		Content:    content,
		Position:   in.Position,
		ParentID:   in.ParentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Insert(ctx, c); err != nil {
		return nil, errs.WrapMsg(err, "insert comment", "doc", in.DocumentID)
	}

	s.hub.Publish(room.NewEvent(room.CommentPosted, c.DocumentID, in.SessionID, commentPayload(c)))
	logger.Debugf("[comment] posted id=%s doc=%s reply=%v", c.CommentID, c.DocumentID, c.ParentID != "")
	return c, nil
}

// Resolve marks the comment resolved exactly once and broadcasts
// comment_resolved. Resolving again returns ErrAlreadyResolved and the
// original resolution fields stay untouched.
func (s *Comments) Resolve(ctx context.Context, commentID, resolverID, sessionID string) (*model.Comment, error) {
	if commentID == "" || resolverID == "" {
		return nil, errs.ErrInvalidArgument.WithDetail("comment_id and resolver are required")
	}
	c, err := s.store.Resolve(ctx, commentID, resolverID, s.clock())
	if err != nil {
		return nil, err
	}

	s.hub.Publish(room.NewEvent(room.CommentResolved, c.DocumentID, sessionID, commentPayload(c)))
	logger.Debugf("[comment] resolved id=%s by=%s", c.CommentID, resolverID)
	return c, nil
}

// ListThreaded returns top-level comments newest-first, each carrying its
// replies oldest-first. Replies whose parent no longer exists are dropped
// rather than surfaced as errors.
func (s *Comments) ListThreaded(ctx context.Context, documentID string) ([]*model.Comment, error) {
	rows, err := s.store.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, errs.WrapMsg(err, "list comments", "doc", documentID)
	}
	return AssembleThreads(rows), nil
}

// AssembleThreads partitions flat rows into the two-level presentation
// shape. Input order does not matter; output ordering is re-derived from
// created_at.
func AssembleThreads(rows []*model.Comment) []*model.Comment {
	byID := make(map[string]*model.Comment, len(rows))
	var top []*model.Comment
	for _, c := range rows {
		if c.ParentID == "" {
			cc := *c
			cc.Replies = []*model.Comment{}
			byID[c.CommentID] = &cc
			top = append(top, &cc)
		}
	}
	for _, c := range rows {
		if c.ParentID == "" {
			continue
		}
		parent, ok := byID[c.ParentID]
		if !ok {
			// dangling reply (parent deleted out-of-band): skip
			continue
		}
		parent.Replies = append(parent.Replies, c)
	}

	sort.SliceStable(top, func(i, j int) bool {
		return top[i].CreatedAt.After(top[j].CreatedAt)
	})
	for _, t := range top {
		sort.SliceStable(t.Replies, func(i, j int) bool {
			return t.Replies[i].CreatedAt.Before(t.Replies[j].CreatedAt)
		})
	}
	return top
}
