package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/certmailer/internal/core"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis:
//
//	<prefix>:checkpoint:<id>           JSON record without outcomes
//	<prefix>:checkpoint:<id>:outcomes  hash, one field per row:stage
//	<prefix>:checkpoints               sorted set of ids by update time
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisStore creates a store using prefix to namespace its keys.
func NewRedisStore(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = "certmailer"
	}
	return &RedisStore{client: client, prefix: prefix, logger: orDefault(logger), now: time.Now}
}

func (s *RedisStore) metaKey(id string) string     { return s.prefix + ":checkpoint:" + id }
func (s *RedisStore) outcomesKey(id string) string { return s.prefix + ":checkpoint:" + id + ":outcomes" }
func (s *RedisStore) indexKey() string             { return s.prefix + ":checkpoints" }

// Save implements core.CheckpointStore.
func (s *RedisStore) Save(ctx context.Context, cp *core.Checkpoint, partial bool) (string, error) {
	var prev *core.Checkpoint
	if cp.ID != "" {
		var err error
		if prev, err = s.getMeta(ctx, cp.ID); err != nil {
			return "", err
		}
	}

	rec := merge(prev, cp, partial, s.now().UTC())
	meta, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	var fields map[string]interface{}
	if !partial {
		entries, err := encodeOutcomes(rec.Outcomes)
		if err != nil {
			return "", err
		}
		fields = make(map[string]interface{}, len(entries))
		for k, v := range entries {
			fields[k] = v
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.metaKey(rec.ID), meta, 0)
		if !partial {
			pipe.Del(ctx, s.outcomesKey(rec.ID))
			if len(fields) > 0 {
				pipe.HSet(ctx, s.outcomesKey(rec.ID), fields)
			}
		}
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(rec.UpdatedAt.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis save: %w", err)
	}
	return rec.ID, nil
}

// Load implements core.CheckpointStore.
func (s *RedisStore) Load(ctx context.Context, id string) (*core.Checkpoint, error) {
	cp, err := s.getMeta(ctx, id)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.HGetAll(ctx, s.outcomesKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	entries := make(map[string][]byte, len(raw))
	for k, v := range raw {
		entries[k] = []byte(v)
	}
	cp.Outcomes = decodeOutcomes(s.logger, id, entries)
	return cp, nil
}

// List implements core.CheckpointStore. Index entries whose record has
// gone missing are skipped.
func (s *RedisStore) List(ctx context.Context) ([]core.CheckpointSummary, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange: %w", err)
	}
	if len(ids) == 0 {
		return []core.CheckpointSummary{}, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, s.metaKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	out := make([]core.CheckpointSummary, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			s.logger.Warn("skipping checkpoint", "checkpoint_id", ids[i], "error", err)
			continue
		}
		var cp core.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.logger.Warn("skipping checkpoint", "checkpoint_id", ids[i], "error", err)
			continue
		}
		out = append(out, cp.Summary())
	}
	return out, nil
}

// Delete removes a checkpoint, its outcomes and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.metaKey(id))
		pipe.Del(ctx, s.outcomesKey(id))
		pipe.ZRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	if del.Val() == 0 {
		return notFound(id)
	}
	return nil
}

func (s *RedisStore) getMeta(ctx context.Context, id string) (*core.Checkpoint, error) {
	if id == "" {
		return nil, notFound(id)
	}
	data, err := s.client.Get(ctx, s.metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	cp.ID = id
	return &cp, nil
}
