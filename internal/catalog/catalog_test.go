package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/registry"
)

// mockLister implements Lister with per-URL canned responses and a call counter.
type mockLister struct {
	mu        sync.Mutex
	calls     atomic.Int64
	responses map[string]*domain.ModelsResponse
	errs      map[string]error
}

func (m *mockLister) ListModels(ctx context.Context, baseURL, key string, caller *domain.Caller) (*domain.ModelsResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[baseURL]; ok {
		return nil, err
	}
	if resp, ok := m.responses[baseURL]; ok {
		return resp, nil
	}
	return &domain.ModelsResponse{Object: "list"}, nil
}

func modelList(ids ...string) *domain.ModelsResponse {
	resp := &domain.ModelsResponse{Object: "list"}
	for _, id := range ids {
		resp.Data = append(resp.Data, domain.CatalogModel{ID: id})
	}
	return resp
}

func newRegistry(urls ...string) *registry.Registry {
	keys := make([]string, len(urls))
	return registry.New(registry.Config{BaseURLs: urls, APIKeys: keys})
}

func TestCacheWithinTTL(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
	}}
	agg := New(newRegistry("https://a.example/v1"), lister, time.Minute)

	first := agg.Models(context.Background(), nil)
	second := agg.Models(context.Background(), nil)

	if lister.calls.Load() != 1 {
		t.Errorf("expected 1 network call within TTL, got %d", lister.calls.Load())
	}
	if first != second {
		t.Error("expected the same snapshot pointer within TTL")
	}
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
	}}
	sensitive := &cancelAwareLister{inner: lister}
	agg := New(newRegistry("https://a.example/v1"), sensitive, time.Minute)

	// The triggering caller is already gone; the shared snapshot must
	// still be fetched in full.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := agg.Models(ctx, nil)
	if len(snap.Models) != 1 {
		t.Fatalf("expected a full snapshot despite cancelled caller, got %d models", len(snap.Models))
	}
}

// cancelAwareLister fails like a real HTTP client would when its context is
// already cancelled.
type cancelAwareLister struct {
	inner Lister
}

func (l *cancelAwareLister) ListModels(ctx context.Context, baseURL, key string, caller *domain.Caller) (*domain.ModelsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.inner.ListModels(ctx, baseURL, key, caller)
}

func TestRefreshAfterTTLIsOneFanOutRound(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
		"https://b.example/v1": modelList("llama"),
	}}
	agg := New(newRegistry("https://a.example/v1", "https://b.example/v1"), lister, 10*time.Millisecond)

	agg.Models(context.Background(), nil)
	if lister.calls.Load() != 2 {
		t.Fatalf("first round: %d calls, want 2", lister.calls.Load())
	}

	time.Sleep(20 * time.Millisecond)
	agg.Models(context.Background(), nil)
	if lister.calls.Load() != 4 {
		t.Errorf("after expiry: %d calls, want 4 (exactly one more fan-out round)", lister.calls.Load())
	}
}

func TestFailingProviderIsIsolated(t *testing.T) {
	lister := &mockLister{
		responses: map[string]*domain.ModelsResponse{
			"https://a.example/v1": modelList("gpt-4"),
		},
		errs: map[string]error{
			"https://b.example/v1": errors.New("connection refused"),
		},
	}
	agg := New(newRegistry("https://a.example/v1", "https://b.example/v1"), lister, time.Minute)

	snap := agg.Models(context.Background(), nil)

	if len(snap.Models) != 1 {
		t.Fatalf("expected 1 model, got %d", len(snap.Models))
	}
	m, ok := snap.ModelsByID["gpt-4"]
	if !ok {
		t.Fatal("gpt-4 missing from merged catalog")
	}
	if m.URLIdx != 0 {
		t.Errorf("gpt-4 urlIdx = %d, want 0", m.URLIdx)
	}
}

func TestAllProvidersUnreachable(t *testing.T) {
	lister := &mockLister{errs: map[string]error{
		"https://a.example/v1": errors.New("timeout"),
		"https://b.example/v1": errors.New("refused"),
	}}
	agg := New(newRegistry("https://a.example/v1", "https://b.example/v1"), lister, time.Minute)

	snap := agg.Models(context.Background(), nil)
	if snap == nil {
		t.Fatal("expected an empty snapshot, not nil")
	}
	if len(snap.Models) != 0 {
		t.Errorf("expected empty catalog, got %d models", len(snap.Models))
	}
}

func TestAllowListSynthesizesWithoutNetworkCall(t *testing.T) {
	lister := &mockLister{}
	reg := registry.New(registry.Config{
		BaseURLs: []string{"https://a.example/v1"},
		APIKeys:  []string{"k"},
		Settings: map[string]registry.Settings{
			"0": {ModelIDs: []string{"custom-a", "custom-b"}},
		},
	})
	agg := New(reg, lister, time.Minute)

	snap := agg.Models(context.Background(), nil)

	if lister.calls.Load() != 0 {
		t.Errorf("allow-list entry should not hit the network, got %d calls", lister.calls.Load())
	}
	if len(snap.Models) != 2 {
		t.Fatalf("expected 2 synthesized models, got %d", len(snap.Models))
	}
	if snap.Models[0].Name != "custom-a" {
		t.Errorf("synthesized name = %q", snap.Models[0].Name)
	}
}

func TestDisabledProviderSkipped(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
		"https://b.example/v1": modelList("llama"),
	}}
	disabled := false
	reg := registry.New(registry.Config{
		BaseURLs: []string{"https://a.example/v1", "https://b.example/v1"},
		APIKeys:  []string{"", ""},
		Settings: map[string]registry.Settings{"1": {Enable: &disabled}},
	})
	agg := New(reg, lister, time.Minute)

	snap := agg.Models(context.Background(), nil)

	if lister.calls.Load() != 1 {
		t.Errorf("disabled provider contacted: %d calls", lister.calls.Load())
	}
	if _, ok := snap.ModelsByID["llama"]; ok {
		t.Error("disabled provider's model present in catalog")
	}
}

func TestPrefixing(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
	}}
	reg := registry.New(registry.Config{
		BaseURLs: []string{"https://a.example/v1"},
		APIKeys:  []string{""},
		Settings: map[string]registry.Settings{"0": {PrefixID: "corp"}},
	})
	agg := New(reg, lister, time.Minute)

	snap := agg.Models(context.Background(), nil)
	if _, ok := snap.ModelsByID["corp.gpt-4"]; !ok {
		t.Errorf("expected prefixed id corp.gpt-4, have %v", keys(snap.ModelsByID))
	}
}

func TestFirstProviderWinsIDTies(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
		"https://b.example/v1": modelList("gpt-4"),
	}}
	agg := New(newRegistry("https://a.example/v1", "https://b.example/v1"), lister, time.Minute)

	snap := agg.Models(context.Background(), nil)
	if len(snap.Models) != 1 {
		t.Fatalf("expected 1 model after de-dup, got %d", len(snap.Models))
	}
	if snap.ModelsByID["gpt-4"].URLIdx != 0 {
		t.Errorf("tie resolved to urlIdx %d, want 0", snap.ModelsByID["gpt-4"].URLIdx)
	}
}

func TestFirstPartyNonChatFiltered(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://api.openai.com/v1": modelList("gpt-4", "dall-e-3", "text-embedding-3-small", "tts-1", "whisper-1"),
		"https://b.example/v1":      modelList("my-whisper-clone"),
	}}
	agg := New(newRegistry("https://api.openai.com/v1", "https://b.example/v1"), lister, time.Minute)

	snap := agg.Models(context.Background(), nil)

	if _, ok := snap.ModelsByID["gpt-4"]; !ok {
		t.Error("gpt-4 should survive the first-party filter")
	}
	for _, denied := range []string{"dall-e-3", "text-embedding-3-small", "tts-1", "whisper-1"} {
		if _, ok := snap.ModelsByID[denied]; ok {
			t.Errorf("%s should be filtered from the first-party listing", denied)
		}
	}
	// The denylist only applies to the first-party endpoint.
	if _, ok := snap.ModelsByID["my-whisper-clone"]; !ok {
		t.Error("non-first-party model wrongly filtered")
	}
}

func TestLookupUnknownModel(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
	}}
	agg := New(newRegistry("https://a.example/v1"), lister, time.Minute)

	if _, err := agg.Lookup(context.Background(), nil, "nope"); !errors.Is(err, domain.ErrModelNotFound) {
		t.Errorf("Lookup error = %v, want ErrModelNotFound", err)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	lister := &mockLister{responses: map[string]*domain.ModelsResponse{
		"https://a.example/v1": modelList("gpt-4"),
	}}
	agg := New(newRegistry("https://a.example/v1"), lister, time.Hour)

	agg.Models(context.Background(), nil)
	agg.Invalidate()
	agg.Models(context.Background(), nil)

	if lister.calls.Load() != 2 {
		t.Errorf("expected refetch after Invalidate, got %d calls", lister.calls.Load())
	}
}

func keys(m map[string]domain.CatalogModel) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
