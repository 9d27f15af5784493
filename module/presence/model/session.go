package model

import (
	"context"
	"errors"
	"time"

	"CollabProject/service/mgo"
	"CollabProject/tools/errs"
	"CollabProject/tools/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Position is the opaque cursor/placement payload. The editor decides what
// the coordinates mean; the backend just carries them.
type Position struct {
	X float64 `bson:"x" json:"x"`
	Y float64 `bson:"y" json:"y"`
}

// Session is one user's presence on one document. At most one active row
// exists per (user_id, document_id); ended rows are kept for history.
// Liveness is derived at read time from last_heartbeat, a row can be
// is_active=true and already stale.
type Session struct {
	SessionID         string    `bson:"session_id" json:"session_id"`
	UserID            string    `bson:"user_id" json:"user_id"`
	DocumentID        string    `bson:"document_id" json:"document_id"`
	Cursor            Position  `bson:"cursor" json:"cursor"`
	SelectedElementID string    `bson:"selected_element_id,omitempty" json:"selected_element_id,omitempty"`
	IsActive          bool      `bson:"is_active" json:"is_active"`
	LastHeartbeat     time.Time `bson:"last_heartbeat" json:"last_heartbeat"`
	CreatedAt         time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at" json:"updated_at"`
}

func (s *Session) GetTableName() string {
	return "collab_session"
}

func (s *Session) Collection() *mongo.Collection {
	return mgo.GetDB().Collection(s.GetTableName())
}

// SessionRepo is the mongo-backed presence store.
type SessionRepo struct {
	DB *mongo.Database
}

func (r *SessionRepo) collection() *mongo.Collection {
	if r.DB != nil {
		return r.DB.Collection((&Session{}).GetTableName())
	}
	return (&Session{}).Collection()
}

func ptr[T any](v T) *T { return &v }

// notFound maps the driver's no-documents sentinel onto the API error.
func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return errs.ErrSessionNotFound
	}
	return err
}

// Upsert implements the idempotent join: if an active row for the pair
// exists its heartbeat is refreshed and it is returned, otherwise a new row
// is created. Two concurrent joins can both take the insert branch; the
// partial unique index on (user_id, document_id, is_active:true) rejects the
// loser, whose retry then matches the winner's row.
func (r *SessionRepo) Upsert(ctx context.Context, userID, documentID string, now time.Time) (*Session, error) {
	return upsertWithRetry(func() (*Session, error) {
		after := options.After
		res := r.collection().FindOneAndUpdate(ctx,
			bson.M{"user_id": userID, "document_id": documentID, "is_active": true},
			bson.M{
				"$set": bson.M{"last_heartbeat": now, "updated_at": now},
				"$setOnInsert": bson.M{
					"session_id":  ids.GenerateString(),
					"user_id":     userID,
					"document_id": documentID,
					"cursor":      Position{},
					"is_active":   true,
					"created_at":  now,
				},
			},
			&options.FindOneAndUpdateOptions{Upsert: ptr(true), ReturnDocument: &after},
		)
		var out Session
		if err := res.Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

// upsertWithRetry reruns the upsert once when the unique index rejected a
// racing insert; by then the winner's row exists and the filter matches it.
func upsertWithRetry(do func() (*Session, error)) (*Session, error) {
	out, err := do()
	if err != nil && mongo.IsDuplicateKeyError(err) {
		return do()
	}
	return out, err
}

func (r *SessionRepo) Get(ctx context.Context, sessionID string) (*Session, error) {
	var out Session
	err := r.collection().FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&out)
	if err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// SetCursor overwrites the cursor and refreshes the heartbeat in one write.
func (r *SessionRepo) SetCursor(ctx context.Context, sessionID string, pos Position, now time.Time) (*Session, error) {
	after := options.After
	res := r.collection().FindOneAndUpdate(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"cursor": pos, "last_heartbeat": now, "updated_at": now}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	)
	var out Session
	if err := res.Decode(&out); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// SetSelection overwrites the selected element (nil clears it) and
// refreshes the heartbeat.
func (r *SessionRepo) SetSelection(ctx context.Context, sessionID string, elementID *string, now time.Time) (*Session, error) {
	set := bson.M{"last_heartbeat": now, "updated_at": now}
	unset := bson.M{}
	if elementID == nil {
		unset["selected_element_id"] = ""
	} else {
		set["selected_element_id"] = *elementID
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	after := options.After
	res := r.collection().FindOneAndUpdate(ctx,
		bson.M{"session_id": sessionID},
		update,
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	)
	var out Session
	if err := res.Decode(&out); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// Touch refreshes last_heartbeat only.
func (r *SessionRepo) Touch(ctx context.Context, sessionID string, now time.Time) error {
	_, err := r.collection().UpdateOne(ctx,
		bson.M{"session_id": sessionID},
		bson.M{"$set": bson.M{"last_heartbeat": now, "updated_at": now}},
	)
	return err
}

// Deactivate flips is_active off, guarded on is_active so only the call
// that performs the transition gets the row back. A repeat leave matches
// nothing and is reported as not-found; the row itself is retained.
func (r *SessionRepo) Deactivate(ctx context.Context, sessionID string, now time.Time) (*Session, error) {
	after := options.After
	res := r.collection().FindOneAndUpdate(ctx,
		bson.M{"session_id": sessionID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": now}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	)
	var out Session
	if err := res.Decode(&out); err != nil {
		return nil, notFound(err)
	}
	return &out, nil
}

// ListActiveSince returns active rows whose heartbeat is at or after the
// cutoff, newest heartbeat first.
func (r *SessionRepo) ListActiveSince(ctx context.Context, documentID string, cutoff time.Time) ([]*Session, error) {
	cur, err := r.collection().Find(ctx,
		bson.M{
			"document_id":    documentID,
			"is_active":      true,
			"last_heartbeat": bson.M{"$gte": cutoff},
		},
		options.Find().SetSort(bson.D{{Key: "last_heartbeat", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeactivateStale flips rows whose heartbeat predates the cutoff. Hygiene
// only; ListActiveSince already filters stale rows at read time.
func (r *SessionRepo) DeactivateStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res, err := r.collection().UpdateMany(ctx,
		bson.M{"is_active": true, "last_heartbeat": bson.M{"$lt": cutoff}},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": now}},
	)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}
