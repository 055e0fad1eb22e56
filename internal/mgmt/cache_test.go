package mgmt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// stubSource counts backend fetches so cache behaviour is observable.
type stubSource struct {
	agentCalls atomic.Int64
	funcCalls  atomic.Int64
	err        error
}

func (s *stubSource) Agent(_ context.Context, agentID string) (*AgentConfig, error) {
	s.agentCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &AgentConfig{ID: agentID, Variant: VariantOpenAIRealtime, IsActive: true}, nil
}

func (s *stubSource) AgentFunctions(_ context.Context, _ string) ([]FunctionSpec, error) {
	s.funcCalls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []FunctionSpec{{Name: "transfer_to_agent", IsActive: true}}, nil
}

func TestAgentCacheHitsAndMisses(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	cache := NewAgentCache(src, time.Minute)
	ctx := context.Background()

	cfg, funcs, err := cache.Get(ctx, "G1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cfg.ID != "G1" || len(funcs) != 1 {
		t.Fatalf("cfg = %+v, funcs = %v", cfg, funcs)
	}

	// Second read is served from cache.
	if _, _, err := cache.Get(ctx, "G1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := src.agentCalls.Load(); n != 1 {
		t.Errorf("backend fetched %d times, want 1", n)
	}

	hits, misses := cache.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
}

func TestAgentCacheExpiry(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	cache := NewAgentCache(src, 20*time.Millisecond)
	ctx := context.Background()

	if _, _, err := cache.Get(ctx, "G1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, _, err := cache.Get(ctx, "G1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := src.agentCalls.Load(); n != 2 {
		t.Errorf("backend fetched %d times, want 2 after expiry", n)
	}
}

func TestAgentCacheDoesNotCacheFailures(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: errors.New("backend down")}
	cache := NewAgentCache(src, time.Minute)
	ctx := context.Background()

	if _, _, err := cache.Get(ctx, "G1"); err == nil {
		t.Fatal("expected error")
	}
	if cache.Len() != 0 {
		t.Errorf("failed fetch was cached; len = %d", cache.Len())
	}

	// Backend recovers; next Get fetches fresh.
	src.err = nil
	if _, _, err := cache.Get(ctx, "G1"); err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
}

func TestAgentCacheEvictExpired(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	cache := NewAgentCache(src, 10*time.Millisecond)
	ctx := context.Background()

	cache.Get(ctx, "G1")
	cache.Get(ctx, "G2")
	time.Sleep(30 * time.Millisecond)

	if n := cache.EvictExpired(); n != 2 {
		t.Errorf("evicted %d entries, want 2", n)
	}
	if cache.Len() != 0 {
		t.Errorf("len = %d after eviction", cache.Len())
	}
}

func TestAgentCacheFlush(t *testing.T) {
	t.Parallel()

	src := &stubSource{}
	cache := NewAgentCache(src, time.Hour)
	cache.Get(context.Background(), "G1")
	cache.Flush()
	if cache.Len() != 0 {
		t.Errorf("len = %d after flush", cache.Len())
	}
}
