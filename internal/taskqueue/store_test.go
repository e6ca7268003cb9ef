package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/panelfleet/panelfleet/internal/state"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := state.OpenDB(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("OpenDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := state.MigrateQueueDB(db); err != nil {
		t.Fatalf("MigrateQueueDB: %v", err)
	}
	return NewSQLiteStore(db)
}

func newRedisTestStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStoreFromClient(rdb, "test:", ttl), mr
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteTestStore(t)) })
	t.Run("redis", func(t *testing.T) {
		s, _ := newRedisTestStore(t, 0)
		fn(t, s)
	})
}

func TestStore_EmptyDequeueReturnsNil(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		task, err := s.Dequeue(context.Background(), KindSyncUsage)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if task != nil {
			t.Fatalf("expected nil task, got %+v", task)
		}
	})
}

func TestStore_PriorityOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		enqueue := func(uuid string, prio int) string {
			id, err := s.Enqueue(ctx, BuildConfigsPayload{ServiceUUID: uuid}, prio)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			return id
		}
		low := enqueue("low", 1)
		high := enqueue("high", 5)
		midA := enqueue("mid-a", 3)
		midB := enqueue("mid-b", 3)

		want := []string{high, midA, midB, low}
		for i, wantID := range want {
			task, err := s.Dequeue(ctx, KindBuildConfigs)
			if err != nil {
				t.Fatalf("Dequeue %d: %v", i, err)
			}
			if task == nil || task.ID != wantID {
				t.Fatalf("Dequeue %d: got %+v, want id %s", i, task, wantID)
			}
		}
		if task, _ := s.Dequeue(ctx, KindBuildConfigs); task != nil {
			t.Fatalf("expected drained queue, got %+v", task)
		}
	})
}

func TestStore_KindsAreSeparateQueues(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.Enqueue(ctx, Periodic(KindSyncUsage), 0); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Enqueue(ctx, DeleteServicePayload{ServiceUUID: "u"}, 10); err != nil {
			t.Fatal(err)
		}
		depths, err := s.AllQueueDepths(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if depths[KindSyncUsage] != 1 || depths[KindDeleteService] != 1 || depths[KindBuildConfigs] != 0 {
			t.Fatalf("unexpected depths: %v", depths)
		}
		if len(depths) != len(AllKinds) {
			t.Fatalf("expected every kind reported, got %v", depths)
		}
		task, err := s.Dequeue(ctx, KindCleanupPanels)
		if err != nil || task != nil {
			t.Fatalf("cleanup queue should be empty: %+v, %v", task, err)
		}
	})
}

func TestStore_StatusLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		limit := 12.5
		id, err := s.Enqueue(ctx, UpdateServicePayload{ServiceUUID: "svc", DataLimitGB: &limit}, 7)
		if err != nil {
			t.Fatal(err)
		}

		rec, err := s.GetStatus(ctx, id)
		if err != nil {
			t.Fatalf("GetStatus after enqueue: %v", err)
		}
		if rec.Status != StatusPending || rec.Kind != KindUpdateService || rec.Priority != 7 {
			t.Fatalf("unexpected pending record: %+v", rec)
		}

		task, err := s.Dequeue(ctx, KindUpdateService)
		if err != nil || task == nil {
			t.Fatalf("Dequeue: %+v, %v", task, err)
		}
		p, err := DecodePayload(task.Kind, task.Payload)
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		up := p.(UpdateServicePayload)
		if up.ServiceUUID != "svc" || up.DataLimitGB == nil || *up.DataLimitGB != 12.5 || up.EndDate != nil {
			t.Fatalf("unexpected payload: %+v", up)
		}

		// The record survives the queue entry.
		rec, err = s.GetStatus(ctx, id)
		if err != nil || rec.Status != StatusPending {
			t.Fatalf("record after dequeue: %+v, %v", rec, err)
		}

		started := time.Unix(100, 0)
		if err := s.SetStatus(ctx, id, Processing(started)); err != nil {
			t.Fatal(err)
		}
		done := time.Unix(200, 0)
		if err := s.SetStatus(ctx, id, Completed(done, json.RawMessage(`{"ok":true}`))); err != nil {
			t.Fatal(err)
		}
		rec, err = s.GetStatus(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != StatusCompleted || string(rec.Result) != `{"ok":true}` {
			t.Fatalf("unexpected completed record: %+v", rec)
		}
		if rec.StartedAt == nil || !rec.StartedAt.Equal(started) {
			t.Fatalf("started_at not preserved: %v", rec.StartedAt)
		}
		if rec.CompletedAt == nil || !rec.CompletedAt.Equal(done) || rec.FailedAt != nil {
			t.Fatalf("unexpected timestamps: %+v", rec)
		}
	})
}

func TestStore_FailedStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		id, err := s.Enqueue(ctx, Periodic(KindCleanupPanels), 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.SetStatus(ctx, id, Failed(time.Unix(300, 0), "boom")); err != nil {
			t.Fatal(err)
		}
		rec, err := s.GetStatus(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Status != StatusFailed || rec.Error != "boom" || rec.FailedAt == nil {
			t.Fatalf("unexpected failed record: %+v", rec)
		}
	})
}

func TestStore_UnknownTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if _, err := s.GetStatus(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("GetStatus: expected ErrTaskNotFound, got %v", err)
		}
		if err := s.SetStatus(ctx, "missing", Processing(time.Now())); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("SetStatus: expected ErrTaskNotFound, got %v", err)
		}
		if _, err := s.Dequeue(ctx, Kind("bogus")); !errors.Is(err, ErrUnknownKind) {
			t.Fatalf("Dequeue: expected ErrUnknownKind, got %v", err)
		}
	})
}

func TestStore_ConcurrentDequeueExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 40
		for i := 0; i < n; i++ {
			if _, err := s.Enqueue(ctx, Periodic(KindSyncUsage), i%3); err != nil {
				t.Fatal(err)
			}
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := s.Dequeue(ctx, KindSyncUsage)
					if err != nil {
						t.Errorf("Dequeue: %v", err)
						return
					}
					if task == nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != n {
			t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
		}
		for id, count := range seen {
			if count != 1 {
				t.Fatalf("task %s dequeued %d times", id, count)
			}
		}
	})
}

func TestRedisStore_KeysAndTTL(t *testing.T) {
	s, mr := newRedisTestStore(t, time.Hour)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Periodic(KindSyncUsage), 0)
	if err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:task:" + id) {
		t.Fatal("expected task hash")
	}
	if !mr.Exists("test:queue:sync_usage") {
		t.Fatal("expected queue sorted set")
	}
	if ttl := mr.TTL("test:task:" + id); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := s.GetStatus(ctx, id); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected expired record, got %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRedisStore_DequeueRequeuesWhenTaskLoadFails(t *testing.T) {
	s, mr := newRedisTestStore(t, 0)
	ctx := context.Background()
	id, err := s.Enqueue(ctx, Periodic(KindSyncUsage), 7)
	if err != nil {
		t.Fatal(err)
	}
	// A string under the task key makes HGETALL fail with WRONGTYPE.
	mr.Del("test:task:" + id)
	if err := mr.Set("test:task:"+id, "garbage"); err != nil {
		t.Fatal(err)
	}

	if task, err := s.Dequeue(ctx, KindSyncUsage); err == nil {
		t.Fatalf("expected load error, got task %+v", task)
	}
	if n, err := s.QueueDepth(ctx, KindSyncUsage); err != nil || n != 1 {
		t.Fatalf("entry must be back on the queue, depth %d err %v", n, err)
	}
	score, err := mr.ZScore("test:queue:sync_usage", id)
	if err != nil || score != -7 {
		t.Fatalf("requeued score: got %v err %v, want -7", score, err)
	}
}

func TestDecodePayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		raw     string
		wantErr bool
	}{
		{"periodic empty", KindSyncUsage, ``, false},
		{"periodic object", KindCheckExpiredServices, `{}`, false},
		{"periodic rejects fields", KindCleanupPanels, `{"x":1}`, true},
		{"build ok", KindBuildConfigs, `{"service_uuid":"u"}`, false},
		{"build missing uuid", KindBuildConfigs, `{}`, true},
		{"update with date", KindUpdateService, `{"service_uuid":"u","end_date":"2030-01-02T03:04:05Z"}`, false},
		{"update negative limit", KindUpdateService, `{"service_uuid":"u","data_limit_gb":-1}`, true},
		{"update unknown field", KindUpdateService, `{"service_uuid":"u","nested":{}}`, true},
		{"unknown kind", Kind("nope"), `{}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DecodePayload(tc.kind, []byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got payload %+v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Kind() != tc.kind {
				t.Fatalf("kind: got %s want %s", p.Kind(), tc.kind)
			}
		})
	}
}

func TestEncodePayload_RejectsArgumentKindAsPeriodic(t *testing.T) {
	if _, err := EncodePayload(Periodic(KindBuildConfigs)); err == nil {
		t.Fatal("expected error for periodic build_configs")
	}
	raw, err := EncodePayload(Periodic(KindSyncUsage))
	if err != nil || string(raw) != "{}" {
		t.Fatalf("unexpected encoding %q, %v", raw, err)
	}
}
