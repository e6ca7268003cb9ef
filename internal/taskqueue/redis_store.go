package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces all keys, e.g. "panelfleet:".
	KeyPrefix string
	// StatusTTL expires task records after the last write. 0 keeps them.
	StatusTTL time.Duration
}

// RedisStore keeps one sorted set per kind (<prefix>queue:<kind>) and one
// hash per task (<prefix>task:<id>).
//
// Sorted-set scores are negated priorities and members are time-ordered
// task ids, so ZPOPMIN yields the highest priority first and the oldest task
// among equal priorities.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis with opts. The connection is checked
// lazily; call Ping to fail fast.
func NewRedisStore(opts RedisOptions) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisStoreFromClient(rdb, opts.KeyPrefix, opts.StatusTTL)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) queueKey(kind Kind) string { return s.prefix + "queue:" + string(kind) }
func (s *RedisStore) taskKey(id string) string  { return s.prefix + "task:" + id }

func (s *RedisStore) Enqueue(ctx context.Context, p Payload, priority int) (string, error) {
	raw, err := EncodePayload(p)
	if err != nil {
		return "", err
	}
	id, err := newTaskID()
	if err != nil {
		return "", err
	}
	taskKey := s.taskKey(id)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey, map[string]any{
			"kind":          string(p.Kind()),
			"priority":      priority,
			"status":        string(StatusPending),
			"payload":       string(raw),
			"created_at_ns": s.now().UnixNano(),
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, taskKey, s.ttl)
		}
		pipe.ZAdd(ctx, s.queueKey(p.Kind()), redis.Z{Score: float64(-priority), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis enqueue %s: %w", p.Kind(), err)
	}
	return id, nil
}

func (s *RedisStore) Dequeue(ctx context.Context, kind Kind) (*Task, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	popped, err := s.rdb.ZPopMin(ctx, s.queueKey(kind), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dequeue %s: %w", kind, err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		// Put the entry back with its score.
		if rerr := s.rdb.ZAdd(ctx, s.queueKey(kind), popped[0]).Err(); rerr != nil {
			return nil, fmt.Errorf("redis dequeue %s: load task %s: %w (requeue: %v)", kind, id, err, rerr)
		}
		return nil, fmt.Errorf("redis dequeue %s: load task %s: %w", kind, id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("redis dequeue %s: task %s: %w", kind, id, ErrTaskNotFound)
	}
	rec := recordFromHash(id, fields)
	return &Task{
		ID:        id,
		Kind:      kind,
		Priority:  rec.Priority,
		Payload:   rec.Payload,
		CreatedAt: rec.CreatedAt,
	}, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, upd StatusUpdate) error {
	taskKey := s.taskKey(id)
	n, err := s.rdb.Exists(ctx, taskKey).Result()
	if err != nil {
		return fmt.Errorf("redis set status %s: %w", id, err)
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	fields := statusFields(upd)
	if len(fields) == 0 {
		return nil
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, taskKey, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, taskKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set status %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) GetStatus(ctx context.Context, id string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get status %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrTaskNotFound
	}
	return recordFromHash(id, fields), nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, kind Kind) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, s.queueKey(kind)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis queue depth %s: %w", kind, err)
	}
	return n, nil
}

func (s *RedisStore) AllQueueDepths(ctx context.Context) (map[Kind]int64, error) {
	return allDepths(ctx, s)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func statusFields(upd StatusUpdate) map[string]any {
	fields := make(map[string]any, 6)
	if upd.Status != "" {
		fields["status"] = string(upd.Status)
	}
	if !upd.StartedAt.IsZero() {
		fields["started_at_ns"] = upd.StartedAt.UnixNano()
	}
	if !upd.CompletedAt.IsZero() {
		fields["completed_at_ns"] = upd.CompletedAt.UnixNano()
	}
	if !upd.FailedAt.IsZero() {
		fields["failed_at_ns"] = upd.FailedAt.UnixNano()
	}
	if upd.Result != nil {
		fields["result"] = string(upd.Result)
	}
	if upd.Error != "" {
		fields["error"] = upd.Error
	}
	return fields
}

func recordFromHash(id string, f map[string]string) *Record {
	parseNs := func(key string) int64 {
		n, _ := strconv.ParseInt(f[key], 10, 64)
		return n
	}
	priority, _ := strconv.Atoi(f["priority"])
	rec := &Record{
		ID:          id,
		Kind:        Kind(f["kind"]),
		Priority:    priority,
		Status:      Status(f["status"]),
		CreatedAt:   time.Unix(0, parseNs("created_at_ns")).UTC(),
		StartedAt:   nsToTimePtr(parseNs("started_at_ns")),
		CompletedAt: nsToTimePtr(parseNs("completed_at_ns")),
		FailedAt:    nsToTimePtr(parseNs("failed_at_ns")),
		Error:       f["error"],
	}
	if p := f["payload"]; p != "" {
		rec.Payload = json.RawMessage(p)
	}
	if r := f["result"]; r != "" {
		rec.Result = json.RawMessage(r)
	}
	return rec
}
