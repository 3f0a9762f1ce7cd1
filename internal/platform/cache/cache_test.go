package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(got) != "v" {
		t.Errorf("expected v, got %q", got)
	}

	if _, ok, _ := s.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryStore_CopiesValue(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	buf := []byte("abc")
	_ = s.Set(ctx, "k", buf, time.Minute)
	buf[0] = 'x'

	got, _, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Errorf("stored value changed with caller buffer: %q", got)
	}
}

func TestMemoryStore_Expiration(t *testing.T) {
	s := NewMemoryStore(0)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Second)
	now = now.Add(2 * time.Second)

	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected expired entry to miss")
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry to be removed, len=%d", s.Len())
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	_ = s.Delete(ctx, "k")
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestMemoryStore_EvictsWhenFull(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	_ = s.Set(ctx, "short", []byte("1"), time.Second)
	_ = s.Set(ctx, "long", []byte("2"), time.Hour)
	_ = s.Set(ctx, "new", []byte("3"), time.Hour)

	if s.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", s.Len())
	}
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Error("expected the entry closest to expiry to be evicted")
	}
	if _, ok, _ := s.Get(ctx, "new"); !ok {
		t.Error("expected newest entry to be present")
	}
}

func TestMemoryStore_OverwriteDoesNotEvict(t *testing.T) {
	s := NewMemoryStore(1)
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("1"), time.Minute)
	_ = s.Set(ctx, "k", []byte("2"), time.Minute)
	got, ok, _ := s.Get(ctx, "k")
	if !ok || string(got) != "2" {
		t.Fatalf("expected overwritten value, got %q ok=%v", got, ok)
	}
}

func TestMemoryStore_StartCleanup(t *testing.T) {
	s := NewMemoryStore(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = s.Set(ctx, "k", []byte("v"), time.Millisecond)
	s.StartCleanup(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Len() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected cleanup to remove the expired entry")
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	s := NewMemoryStore(50)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", n%20)
			_ = s.Set(ctx, key, []byte("v"), time.Minute)
			_, _, _ = s.Get(ctx, key)
		}(i)
	}
	wg.Wait()
	if s.Len() > 50 {
		t.Errorf("expected at most 50 entries, got %d", s.Len())
	}
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "://not-a-url", "exp:", zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for an invalid redis url")
	}
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	s := &RedisStore{prefix: "termserver:expansion:"}
	if got := s.key("abc"); got != "termserver:expansion:abc" {
		t.Errorf("unexpected key %q", got)
	}
}

func TestRedisStore_UnreachableServerIsAnError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	s := NewRedisStoreFromClient(rdb, "exp:", zerolog.Nop())
	defer s.Close()

	ctx := context.Background()
	data, ok, err := s.Get(ctx, "abc")
	if err == nil {
		t.Fatal("expected an error, a connection failure is not a cache miss")
	}
	if ok || data != nil {
		t.Errorf("expected no data, got ok=%v data=%q", ok, data)
	}
	if err := s.Set(ctx, "abc", []byte("v"), time.Minute); err == nil {
		t.Error("expected Set to fail")
	}
	if err := s.Ping(ctx); err == nil {
		t.Error("expected Ping to fail")
	}
}
