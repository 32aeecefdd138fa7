package upload

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateIndexKey  = "chunkstream:sessions"
	redisStateKeyPrefix = "chunkstream:session:"
)

// RedisStateStore mirrors session progress into Redis so a replacement
// process can resume partially received uploads.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStateStore connects to the given Redis URL
// (redis://host:port/db). Records expire after ttl of inactivity; zero
// means they persist until deleted.
func NewRedisStateStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisStateStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStateStore{client: client, ttl: ttl}, nil
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

func redisStateKey(sessionID string) string {
	return redisStateKeyPrefix + sessionID
}

func (s *RedisStateStore) Save(ctx context.Context, record StateRecord) error {
	key := redisStateKey(record.SessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"fileName":     record.FileName,
		"totalChunks":  strconv.Itoa(record.TotalChunks),
		"nextIndex":    strconv.Itoa(record.NextIndex),
		"flushedBytes": strconv.FormatInt(record.FlushedBytes, 10),
		"updatedAt":    record.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, redisStateIndexKey, record.SessionID)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Load(ctx context.Context, sessionID string) (StateRecord, bool, error) {
	fields, err := s.client.HGetAll(ctx, redisStateKey(sessionID)).Result()
	if err != nil {
		return StateRecord{}, false, fmt.Errorf("load session state: %w", err)
	}
	if len(fields) == 0 {
		return StateRecord{}, false, nil
	}
	record, err := stateRecordFromFields(sessionID, fields)
	if err != nil {
		return StateRecord{}, false, err
	}
	return record, true, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisStateKey(sessionID))
	pipe.SRem(ctx, redisStateIndexKey, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) List(ctx context.Context) ([]StateRecord, error) {
	ids, err := s.client.SMembers(ctx, redisStateIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list session state: %w", err)
	}
	records := make([]StateRecord, 0, len(ids))
	for _, id := range ids {
		record, ok, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Expired hash with a stale index entry.
			_ = s.client.SRem(ctx, redisStateIndexKey, id).Err()
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func stateRecordFromFields(sessionID string, fields map[string]string) (StateRecord, error) {
	record := StateRecord{SessionID: sessionID, FileName: fields["fileName"]}
	var err error
	if record.TotalChunks, err = strconv.Atoi(fields["totalChunks"]); err != nil {
		return StateRecord{}, fmt.Errorf("decode totalChunks for %s: %w", sessionID, err)
	}
	if record.NextIndex, err = strconv.Atoi(fields["nextIndex"]); err != nil {
		return StateRecord{}, fmt.Errorf("decode nextIndex for %s: %w", sessionID, err)
	}
	if record.FlushedBytes, err = strconv.ParseInt(fields["flushedBytes"], 10, 64); err != nil {
		return StateRecord{}, fmt.Errorf("decode flushedBytes for %s: %w", sessionID, err)
	}
	if raw := fields["updatedAt"]; raw != "" {
		if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return StateRecord{}, fmt.Errorf("decode updatedAt for %s: %w", sessionID, err)
		}
	}
	return record, nil
}
