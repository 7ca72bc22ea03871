package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/lookup-checker/pkg/remote"
)

// setupTestRedis creates a test Redis client for testing.
// Tests are skipped when no local Redis is reachable.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	// Ping to check connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	// Flush test DB before each test
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewManager(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	manager := NewManager(client, time.Hour)
	if manager == nil {
		t.Fatal("NewManager returned nil")
	}
	if manager.redis != client {
		t.Error("Manager redis client not set correctly")
	}
	if manager.ttl != time.Hour {
		t.Errorf("ttl = %v, want 1h", manager.ttl)
	}
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil redis client")
		}
	}()
	NewManager(nil, time.Hour)
}

func TestManager_SetAndGet(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := CacheKey{Identifier: "+79991234567"}
	id := int64(42)
	entry := &CacheEntry{
		Found:    true,
		RemoteID: &id,
		Expires:  time.Now().Add(5 * time.Minute),
		CachedAt: time.Now(),
	}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	retrieved, err := manager.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !retrieved.Found {
		t.Error("Found mismatch: got false, want true")
	}
	if retrieved.RemoteID == nil || *retrieved.RemoteID != id {
		t.Errorf("RemoteID mismatch: got %v, want %d", retrieved.RemoteID, id)
	}
}

func TestManager_Get_CacheMiss(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	_, err := manager.Get(ctx, CacheKey{Identifier: "+70000000000"})
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestManager_Get_ExpiredEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := CacheKey{Identifier: "+70000000001"}
	entry := &CacheEntry{
		Found:   true,
		Expires: time.Now().Add(-1 * time.Hour), // Already expired
	}

	// Set should not cache expired entries
	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	_, err := manager.Get(ctx, key)
	if err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss for expired entry, got %v", err)
	}
}

func TestManager_Get_InvalidEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := CacheKey{Identifier: "+70000000002"}
	if err := client.Set(ctx, key.String(), "{broken", time.Minute).Err(); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := manager.Get(ctx, key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
}

func TestManager_Delete(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)
	ctx := context.Background()

	key := CacheKey{Identifier: "+70000000003"}
	entry := &CacheEntry{Expires: time.Now().Add(5 * time.Minute)}

	if err := manager.Set(ctx, key, entry); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); err != nil {
		t.Fatalf("Get after Set failed: %v", err)
	}
	if err := manager.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := manager.Get(ctx, key); err != ErrCacheMiss {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
}

func TestManager_Set_NilEntry(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	if err := manager.Set(context.Background(), CacheKey{Identifier: "x"}, nil); err == nil {
		t.Error("Set with nil entry should return error")
	}
}

func TestManager_LookupAndStore(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour).WithNamespace("svc")
	ctx := context.Background()

	if _, ok, err := manager.Lookup(ctx, "+79991234567"); err != nil || ok {
		t.Fatalf("Lookup on empty cache = ok %v, err %v, want miss", ok, err)
	}

	handle := "alice"
	if err := manager.Store(ctx, "+79991234567", remote.Match{Found: true, Handle: &handle}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	m, ok, err := manager.Lookup(ctx, "+79991234567")
	if err != nil || !ok {
		t.Fatalf("Lookup after Store = ok %v, err %v, want hit", ok, err)
	}
	if !m.Found || m.Handle == nil || *m.Handle != "alice" {
		t.Errorf("Lookup = %+v, want found alice", m)
	}

	exists, err := client.Exists(ctx, "lookup:result:svc:+79991234567").Result()
	if err != nil || exists != 1 {
		t.Errorf("namespaced key exists = %d, err %v, want 1", exists, err)
	}
}

func TestManager_Store_ZeroTTLDisabled(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, 0)
	ctx := context.Background()

	if err := manager.Store(ctx, "+79991234567", remote.Match{Found: true}); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if _, ok, _ := manager.Lookup(ctx, "+79991234567"); ok {
		t.Error("zero TTL manager should not cache answers")
	}
}
