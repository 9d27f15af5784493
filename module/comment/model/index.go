package model

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func commentIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "comment_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_comment"),
		},
		{
			Keys:    bson.D{{Key: "document_id", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index().SetName("ix_doc_created"),
		},
	}
}

// EnsureIndexes creates any missing comment indexes at startup.
func (r *CommentRepo) EnsureIndexes(ctx context.Context) error {
	coll := r.collection()

	existing, err := coll.Indexes().ListSpecifications(ctx)
	if err != nil {
		return fmt.Errorf("list indexes for %s: %w", coll.Name(), err)
	}
	existingNames := make(map[string]struct{}, len(existing))
	for _, spec := range existing {
		existingNames[spec.Name] = struct{}{}
	}

	for _, idx := range commentIndexes() {
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
