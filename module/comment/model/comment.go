package model

import (
	"context"
	"errors"
	"time"

	"CollabProject/service/mgo"
	"CollabProject/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Position is the on-canvas placement of a comment pin; zero when the
// client did not supply one.
type Position struct {
	X float64 `bson:"x" json:"x"`
	Y float64 `bson:"y" json:"y"`
}

// Comment is stored flat; Replies is assembled at read time and never
// persisted. A comment with a parent_id is a reply, and replies cannot be
// replied to (thread depth is exactly one).
type Comment struct {
	CommentID  string     `bson:"comment_id" json:"comment_id"`
	DocumentID string     `bson:"document_id" json:"document_id"`
	UserID     string     `bson:"user_id" json:"user_id"`
	ElementID  string     `bson:"element_id,omitempty" json:"element_id,omitempty"`
	Content    string     `bson:"content" json:"content"`
	Position   Position   `bson:"position" json:"position"`
	IsResolved bool       `bson:"is_resolved" json:"is_resolved"`
	ResolvedBy string     `bson:"resolved_by,omitempty" json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `bson:"resolved_at,omitempty" json:"resolved_at,omitempty"`
	ParentID   string     `bson:"parent_id,omitempty" json:"parent_id,omitempty"`
	CreatedAt  time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `bson:"updated_at" json:"updated_at"`

	Replies []*Comment `bson:"-" json:"replies"`
}

func (c *Comment) GetTableName() string {
	return "collab_comment"
}

func (c *Comment) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(c.GetTableName())
}

// CommentRepo is the mongo-backed comment store.
type CommentRepo struct {
	DB *mongo.Database
}

func (r *CommentRepo) collection() *mongo.Collection {
	if r.DB != nil {
		return r.DB.Collection((&Comment{}).GetTableName())
	}
	return (&Comment{}).Collection()
}

func (r *CommentRepo) Insert(ctx context.Context, c *Comment) error {
	_, err := r.collection().InsertOne(ctx, c)
	return err
}

func (r *CommentRepo) Get(ctx context.Context, commentID string) (*Comment, error) {
	var out Comment
	err := r.collection().FindOne(ctx, bson.M{"comment_id": commentID}).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.ErrCommentNotFound
		}
		return nil, err
	}
	return &out, nil
}

// Resolve writes the three resolution fields in one guarded update. The
// is_resolved:false filter makes the transition single-shot: a second call
// matches nothing and is reported as already-resolved.
func (r *CommentRepo) Resolve(ctx context.Context, commentID, resolverID string, now time.Time) (*Comment, error) {
	after := options.After
	res := r.collection().FindOneAndUpdate(ctx,
		bson.M{"comment_id": commentID, "is_resolved": false},
		bson.M{"$set": bson.M{
			"is_resolved": true,
			"resolved_by": resolverID,
			"resolved_at": now,
			"updated_at":  now,
		}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	)
	var out Comment
	err := res.Decode(&out)
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, err
	}
	// no unresolved match: distinguish missing from already resolved
	if _, gerr := r.Get(ctx, commentID); gerr != nil {
		return nil, gerr
	}
	return nil, errs.ErrAlreadyResolved
}

// ListByDocument returns every comment on the document, oldest first; the
// service layer does the thread assembly and ordering.
func (r *CommentRepo) ListByDocument(ctx context.Context, documentID string) ([]*Comment, error) {
	cur, err := r.collection().Find(ctx,
		bson.M{"document_id": documentID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*Comment
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
