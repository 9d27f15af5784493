package model

import (
	"fmt"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestActiveSessionIndexIsPartialUnique(t *testing.T) {
	declared := sessionIndexes()
	var idx *mongo.IndexModel
	for i, m := range declared {
		if m.Options != nil && m.Options.Name != nil && *m.Options.Name == "uniq_active_user_doc" {
			idx = &declared[i]
			break
		}
	}
	if idx == nil {
		t.Fatal("uniq_active_user_doc index not declared")
	}
	if idx.Options.Unique == nil || !*idx.Options.Unique {
		t.Fatal("index is not unique; concurrent joins could insert duplicates")
	}

	keys, ok := idx.Keys.(bson.D)
	if !ok || len(keys) != 2 || keys[0].Key != "user_id" || keys[1].Key != "document_id" {
		t.Fatalf("index keys = %v, want (user_id, document_id)", idx.Keys)
	}

	filter, ok := idx.Options.PartialFilterExpression.(bson.D)
	if !ok {
		t.Fatalf("partial filter = %T, want bson.D", idx.Options.PartialFilterExpression)
	}
	found := false
	for _, e := range filter {
		if e.Key == "is_active" && e.Value == true {
			found = true
		}
	}
	if !found {
		t.Fatalf("partial filter %v does not restrict to active rows; ended sessions would block re-joins", filter)
	}
}

func TestUpsertRetriesOnceOnDuplicateKey(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000}}}
	if !mongo.IsDuplicateKeyError(dup) {
		t.Fatal("constructed error not recognized as duplicate key")
	}

	calls := 0
	want := &Session{SessionID: "sess-winner"}
	got, err := upsertWithRetry(func() (*Session, error) {
		calls++
		if calls == 1 {
			return nil, dup
		}
		return want, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got != want || calls != 2 {
		t.Fatalf("got %v after %d calls, want winner row on the retry", got, calls)
	}
}

func TestUpsertDoesNotRetryOtherErrors(t *testing.T) {
	boom := fmt.Errorf("connection reset")
	calls := 0
	_, err := upsertWithRetry(func() (*Session, error) {
		calls++
		return nil, boom
	})
	if err == nil || calls != 1 {
		t.Fatalf("err = %v after %d calls, want the error surfaced without retry", err, calls)
	}
}

func TestUpsertDoesNotRetryTwice(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000}}}
	calls := 0
	_, err := upsertWithRetry(func() (*Session, error) {
		calls++
		return nil, dup
	})
	if err == nil || calls != 2 {
		t.Fatalf("err = %v after %d calls, want the duplicate surfaced after one retry", err, calls)
	}
}
