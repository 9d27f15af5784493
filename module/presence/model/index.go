package model

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// sessionIndexes declares the collection's indexes. The partial unique index
// is load-bearing: the join upsert relies on it to reject the loser of two
// racing inserts for the same (user, document) pair.
func sessionIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "document_id", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "is_active", Value: true}}).
				SetName("uniq_active_user_doc"),
		},
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_session"),
		},
		{
			Keys: bson.D{
				{Key: "document_id", Value: 1},
				{Key: "is_active", Value: 1},
				{Key: "last_heartbeat", Value: -1},
			},
			Options: options.Index().SetName("ix_doc_live"),
		},
	}
}

// EnsureIndexes creates any missing session indexes. Run at startup before
// the first Join; only indexes whose name is absent are created.
func (r *SessionRepo) EnsureIndexes(ctx context.Context) error {
	coll := r.collection()

	existing, err := coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return fmt.Errorf("list indexes for %s: %w", coll.Name(), err)
	}
	existingNames := make(map[string]struct{}, len(existing))
	for _, spec := range existing {
		existingNames[spec.Name] = struct{}{}
	}

	for _, idx := range sessionIndexes() {
		if idx.Options != nil && idx.Options.Name != nil {
			if _, ok := existingNames[*idx.Options.Name]; ok {
				continue
			}
		}
		if _, err := coll.Indexes().CreateOne(ctx, idx); err != nil {
			return fmt.Errorf("create index %s on %s: %w", *idx.Options.Name, coll.Name(), err)
		}
	}
	return nil
}
