package storage

import (
	"context"
	"fmt"
	"time"

	redisSrv "CollabProject/service/storage/redis"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis mirror of session liveness. One key per (document, user); the TTL is
// the liveness window, so a key that exists means "live right now". Mongo
// rows stay the system of record — this mirror only serves fast membership
// hints and survives nothing.

func presenceKey(documentID, userID string) string {
	return "collab:presence:" + documentID + ":" + userID
}

func presencePattern(documentID string) string {
	return "collab:presence:" + documentID + ":*"
}

// PresenceTouch marks the user live on the document and renews the TTL.
func PresenceTouch(ctx context.Context, documentID, userID, sessionID string, ttl time.Duration) error {
	rdb := redisSrv.GetRedis()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Set(ctx, presenceKey(documentID, userID), sessionID, ttl).Err()
}

// PresenceDrop removes the liveness key on explicit leave.
func PresenceDrop(ctx context.Context, documentID, userID string) error {
	rdb := redisSrv.GetRedis()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.Del(ctx, presenceKey(documentID, userID)).Err()
}

// PresenceLookup reports whether the user currently holds a live key.
func PresenceLookup(ctx context.Context, documentID, userID string) (sessionID string, live bool, err error) {
	rdb := redisSrv.GetRedis()
	if rdb == nil {
		return "", false, fmt.Errorf("redis not initialized")
	}
	val, err := rdb.Get(ctx, presenceKey(documentID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// PresenceCount scans the document's keys; cheap enough for room sizes
// measured in editors, not audiences.
func PresenceCount(ctx context.Context, documentID string) (int, error) {
	rdb := redisSrv.GetRedis()
	if rdb == nil {
		return 0, fmt.Errorf("redis not initialized")
	}
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := rdb.Scan(ctx, cursor, presencePattern(documentID), 100).Result()
		if err != nil {
			return 0, err
		}
		total += len(keys)
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
