package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCache_HitAndMissCounting(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())

	for i := 0; i < 3; i++ {
		rules, err := cache.GetRules(ctx, "ANC", true)
		if err != nil {
			t.Fatalf("GetRules() error: %v", err)
		}
		if len(rules) != 1 {
			t.Fatalf("expected 1 rule, got %d", len(rules))
		}
	}

	if repo.getByModuleCalls != 1 {
		t.Errorf("expected 1 store load, got %d", repo.getByModuleCalls)
	}
	stats := cache.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 2/1", stats.Hits, stats.Misses)
	}
	if got, want := stats.HitRate, 2.0/3.0; got != want {
		t.Errorf("HitRate = %v, want %v", got, want)
	}
	if stats.Keys != 1 {
		t.Errorf("Keys = %d, want 1", stats.Keys)
	}
}

func TestCache_VariantsAreDistinctKeys(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	active := testRule("R1", "ANC", SeverityRed)
	inactive := testRule("R2", "ANC", SeverityRed)
	inactive.IsActive = false
	repo.UpsertByCode(ctx, active)
	repo.UpsertByCode(ctx, inactive)

	cache := NewCache(repo, time.Minute, zerolog.Nop())

	activeRules, _ := cache.GetRules(ctx, "ANC", true)
	allRules, _ := cache.GetRules(ctx, "ANC", false)
	if len(activeRules) != 1 || len(allRules) != 2 {
		t.Errorf("got %d active / %d all, want 1/2", len(activeRules), len(allRules))
	}
	if repo.getByModuleCalls != 2 {
		t.Errorf("expected 2 store loads for 2 variants, got %d", repo.getByModuleCalls)
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))

	cache := NewCache(repo, 10*time.Millisecond, zerolog.Nop())

	cache.GetRules(ctx, "ANC", true)
	time.Sleep(20 * time.Millisecond)
	cache.GetRules(ctx, "ANC", true)

	if repo.getByModuleCalls != 2 {
		t.Errorf("expected reload after TTL expiry, got %d loads", repo.getByModuleCalls)
	}
}

func TestCache_InvalidateModule(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	repo.UpsertByCode(ctx, testRule("R2", "PNC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())
	cache.GetRules(ctx, "ANC", true)
	cache.GetRules(ctx, "PNC", true)

	cache.Invalidate("ANC")

	cache.GetRules(ctx, "ANC", true)
	cache.GetRules(ctx, "PNC", true)
	if repo.getByModuleCalls != 3 {
		t.Errorf("expected only ANC to reload, got %d loads", repo.getByModuleCalls)
	}
	if cache.Stats().LastInvalidatedAt == nil {
		t.Error("LastInvalidatedAt not recorded")
	}
}

func TestCache_InvalidateAll(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	repo.UpsertByCode(ctx, testRule("R2", "PNC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())
	cache.GetRules(ctx, "ANC", true)
	cache.GetRules(ctx, "PNC", true)

	cache.Invalidate("")
	if cache.Stats().Keys != 0 {
		t.Fatalf("expected empty cache, %d keys remain", cache.Stats().Keys)
	}

	cache.GetRules(ctx, "ANC", true)
	cache.GetRules(ctx, "PNC", true)
	if repo.getByModuleCalls != 4 {
		t.Errorf("expected both modules to reload, got %d loads", repo.getByModuleCalls)
	}
}

func TestCache_LoadErrorNotCached(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.failGetByModule = true

	cache := NewCache(repo, time.Minute, zerolog.Nop())
	if _, err := cache.GetRules(ctx, "ANC", true); err == nil {
		t.Fatal("expected load error")
	}

	repo.failGetByModule = false
	if _, err := cache.GetRules(ctx, "ANC", true); err != nil {
		t.Fatalf("expected recovery after store came back: %v", err)
	}
	if repo.getByModuleCalls != 2 {
		t.Errorf("expected 2 load attempts, got %d", repo.getByModuleCalls)
	}
}

func TestCache_ConcurrentMissLoadsOnce(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := cache.GetRules(ctx, "ANC", true); err != nil {
				t.Errorf("GetRules() error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// The inflight dedup guarantees a single store load regardless of how
	// many goroutines raced the miss.
	if repo.getByModuleCalls != 1 {
		t.Errorf("expected 1 deduplicated load, got %d", repo.getByModuleCalls)
	}
}

// gatedRuleRepo performs the store read, then holds the result until the
// test releases it, so an invalidation can land mid-load.
type gatedRuleRepo struct {
	*mockRuleRepo
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
}

func (g *gatedRuleRepo) GetByModule(ctx context.Context, moduleCode string, activeOnly bool) ([]*RuleDefinition, error) {
	rules, err := g.mockRuleRepo.GetByModule(ctx, moduleCode, activeOnly)
	gate := false
	g.once.Do(func() { gate = true })
	if gate {
		g.started <- struct{}{}
		<-g.proceed
	}
	return rules, err
}

func TestCache_InvalidateDuringLoadIsNotLost(t *testing.T) {
	base := newMockRuleRepo()
	repo := &gatedRuleRepo{
		mockRuleRepo: base,
		started:      make(chan struct{}),
		proceed:      make(chan struct{}),
	}
	ctx := context.Background()
	cache := NewCache(repo, time.Minute, zerolog.Nop())

	loaded := make(chan struct{})
	go func() {
		defer close(loaded)
		cache.GetRules(ctx, "ANC", true)
	}()
	<-repo.started

	// While the load holds its pre-change view, the store gains a rule and
	// the module is invalidated.
	base.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	cache.Invalidate("ANC")
	close(repo.proceed)
	<-loaded

	rules, err := cache.GetRules(ctx, "ANC", true)
	if err != nil {
		t.Fatalf("GetRules() error: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("stale rule set served after invalidation: got %d rules, want 1", len(rules))
	}
	if base.getByModuleCalls != 2 {
		t.Errorf("expected a fresh load after invalidation, got %d loads", base.getByModuleCalls)
	}
}

func TestCache_WarmPopulatesBothVariants(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))
	repo.UpsertByCode(ctx, testRule("R2", "PNC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())
	cache.Warm(ctx, []string{"ANC", "PNC"})

	if cache.Stats().Keys != 4 {
		t.Fatalf("expected 4 warmed keys, got %d", cache.Stats().Keys)
	}

	loadsAfterWarm := repo.getByModuleCalls
	cache.GetRules(ctx, "ANC", true)
	cache.GetRules(ctx, "PNC", false)
	if repo.getByModuleCalls != loadsAfterWarm {
		t.Error("reads after warming should not hit the store")
	}
}

func TestCache_WarmContinuesPastFailures(t *testing.T) {
	repo := newMockRuleRepo()
	ctx := context.Background()
	repo.UpsertByCode(ctx, testRule("R1", "ANC", SeverityRed))

	cache := NewCache(repo, time.Minute, zerolog.Nop())

	repo.failGetByModule = true
	cache.Warm(ctx, []string{"ANC"})
	if cache.Stats().Keys != 0 {
		t.Fatal("failed warm should not create entries")
	}

	repo.failGetByModule = false
	cache.Warm(ctx, []string{"ANC"})
	if cache.Stats().Keys != 2 {
		t.Errorf("expected 2 keys after successful warm, got %d", cache.Stats().Keys)
	}
}
