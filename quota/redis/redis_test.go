//go:build integration

package redis_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/genquota"
	quotaredis "github.com/ineyio/genquota/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *quotaredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, "counter", quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func newTestCounter(t *testing.T, store genquota.Store, now time.Time) *genquota.Counter {
	t.Helper()
	cfg := genquota.DefaultConfig()
	cfg.Timezone = "UTC"
	c, err := genquota.NewCounter(cfg, store, genquota.WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	return c
}

func seed(t *testing.T, store *quotaredis.Store, rec genquota.Record) {
	t.Helper()
	err := store.Apply(context.Background(), func(genquota.Record, bool) (genquota.Record, bool, error) {
		return rec, true, nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestLoadAbsent(t *testing.T) {
	store := newTestStore(t, newTestClient(t))

	_, ok, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected absent record")
	}
}

func TestFirstConsumeCreatesRecord(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c := newTestCounter(t, store, now)

	grant, err := c.TryConsume(context.Background())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !grant.Reset || grant.Remaining != 99 {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	rec, ok, err := store.Load(context.Background())
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	want := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)
	if rec.Count != 99 || !rec.ResetsAt.Equal(want) {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestConcurrentConsume(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	now := time.Now()
	seed(t, store, genquota.Record{Count: 5, ResetsAt: now.Add(time.Hour)})

	// Separate counters share the store like separate instances would.
	var granted, exhausted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := newTestCounter(t, store, now)
			_, err := c.TryConsume(context.Background())
			switch {
			case err == nil:
				granted.Add(1)
			case genquota.IsExhausted(err):
				exhausted.Add(1)
			default:
				t.Errorf("consume: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 5 || exhausted.Load() != 5 {
		t.Fatalf("expected 5/5, got granted=%d exhausted=%d", granted.Load(), exhausted.Load())
	}
	rec, _, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Count != 0 {
		t.Fatalf("expected count=0, got %d", rec.Count)
	}
}

func TestApplyErrorWritesNothing(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	want := errors.New("abort")

	err := store.Apply(context.Background(), func(genquota.Record, bool) (genquota.Record, bool, error) {
		return genquota.Record{Count: 1, ResetsAt: time.Now()}, true, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Fatal("record written despite fn error")
	}
}

func TestMalformedRecordIsReset(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	key := "test:" + t.Name() + ":counter"
	if err := client.HSet(ctx, key, "count", "not-a-number").Err(); err != nil {
		t.Fatalf("hset: %v", err)
	}

	c := newTestCounter(t, store, time.Now())
	grant, err := c.TryConsume(ctx)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !grant.Reset || grant.Remaining != 99 {
		t.Fatalf("unexpected grant: %+v", grant)
	}
}

func TestSubscribe(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := store.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c := newTestCounter(t, store, time.Now())
	if _, err := c.TryConsume(ctx); err != nil {
		t.Fatalf("consume: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// Drain a notification that raced the cancel.
			<-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestReset(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	seed(t, store, genquota.Record{Count: 3, ResetsAt: time.Now().Add(time.Hour)})

	if err := store.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok, _ := store.Load(context.Background()); ok {
		t.Fatal("record still present after reset")
	}
}
