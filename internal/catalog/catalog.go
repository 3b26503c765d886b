// Package catalog aggregates the model lists of every enabled provider into
// one de-duplicated catalog and caches it for a short TTL. A provider that
// fails or stalls contributes nothing; it never blocks or fails the merge.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/registry"
)

const DefaultTTL = 3 * time.Second

// openaiNonChatFamilies are first-party model families that cannot serve
// chat completions and are filtered from the aggregate.
var openaiNonChatFamilies = []string{
	"babbage",
	"dall-e",
	"davinci",
	"embedding",
	"tts",
	"whisper",
}

// Lister is the single upstream call the aggregator needs.
type Lister interface {
	ListModels(ctx context.Context, baseURL, key string, caller *domain.Caller) (*domain.ModelsResponse, error)
}

// Snapshot is one complete, immutable catalog. Replaced wholesale on
// refresh; readers either see the old snapshot or the new one, never a mix.
type Snapshot struct {
	Models     []domain.CatalogModel
	ModelsByID map[string]domain.CatalogModel
	FetchedAt  time.Time
}

type Aggregator struct {
	reg    *registry.Registry
	client Lister
	ttl    time.Duration

	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]
}

func New(reg *registry.Registry, client Lister, ttl time.Duration) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Aggregator{reg: reg, client: client, ttl: ttl}
}

// Models returns the current catalog, refreshing first when the cached
// snapshot is older than the TTL.
func (a *Aggregator) Models(ctx context.Context, caller *domain.Caller) *Snapshot {
	if snap := a.snap.Load(); snap != nil && time.Since(snap.FetchedAt) < a.ttl {
		return snap
	}

	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()

	// Another request may have refreshed while this one waited on the lock.
	if snap := a.snap.Load(); snap != nil && time.Since(snap.FetchedAt) < a.ttl {
		return snap
	}

	snap := a.refresh(ctx, caller)
	a.snap.Store(snap)
	return snap
}

// Lookup resolves a model id to its catalog entry.
func (a *Aggregator) Lookup(ctx context.Context, caller *domain.Caller, id string) (domain.CatalogModel, error) {
	snap := a.Models(ctx, caller)
	m, ok := snap.ModelsByID[id]
	if !ok {
		return domain.CatalogModel{}, domain.ErrModelNotFound
	}
	return m, nil
}

// Invalidate drops the cached snapshot so the next read refetches. Called
// after a registry replacement.
func (a *Aggregator) Invalidate() {
	a.snap.Store(nil)
}

func (a *Aggregator) refresh(ctx context.Context, caller *domain.Caller) *Snapshot {
	// The snapshot is shared by every request for a full TTL; the one
	// caller that happened to trigger the refresh must not cancel it.
	ctx = context.WithoutCancel(ctx)

	entries := a.reg.ListEnabled()
	results := make([]*domain.ModelsResponse, len(entries))

	var wg sync.WaitGroup
	for i, entry := range entries {
		if len(entry.ModelIDs) > 0 {
			// Explicit allow-list: synthesize the model list, no network call.
			results[i] = synthesize(entry)
			continue
		}

		wg.Add(1)
		go func(i int, entry registry.Entry) {
			defer wg.Done()
			resp, err := a.client.ListModels(ctx, entry.BaseURL, entry.APIKey, caller)
			if err != nil {
				slog.Warn("provider catalog fetch failed",
					"provider_index", entry.Index,
					"base_url", entry.BaseURL,
					"error", err,
				)
				metrics.RecordCatalogFetchError(entry.Index)
				return
			}
			results[i] = resp
		}(i, entry)
	}
	wg.Wait()

	snap := merge(entries, results)
	metrics.RecordCatalogRefresh(len(snap.Models))
	return snap
}

func synthesize(entry registry.Entry) *domain.ModelsResponse {
	data := make([]domain.CatalogModel, 0, len(entry.ModelIDs))
	for _, id := range entry.ModelIDs {
		data = append(data, domain.CatalogModel{ID: id, Name: id, OwnedBy: "openai"})
	}
	return &domain.ModelsResponse{Object: "list", Data: data}
}

func merge(entries []registry.Entry, results []*domain.ModelsResponse) *Snapshot {
	snap := &Snapshot{
		ModelsByID: make(map[string]domain.CatalogModel),
		FetchedAt:  time.Now(),
	}

	for i, resp := range results {
		if resp == nil {
			continue
		}
		entry := entries[i]
		firstParty := strings.Contains(entry.BaseURL, "api.openai.com")

		for _, m := range resp.Data {
			if firstParty && isNonChatModel(m.ID) {
				continue
			}

			m.URLIdx = entry.Index
			if entry.PrefixID != "" {
				m.ID = entry.PrefixID + "." + m.ID
			}
			if m.Name == "" {
				m.Name = m.ID
			}
			m.OwnedBy = "openai"

			// First provider in configured order wins raw-id ties.
			if _, exists := snap.ModelsByID[m.ID]; exists {
				continue
			}

			snap.ModelsByID[m.ID] = m
			snap.Models = append(snap.Models, m)
		}
	}

	return snap
}

// FilterNonChat removes first-party non-chat families from a single
// provider's raw listing; used by the index-bypass endpoint.
func FilterNonChat(resp *domain.ModelsResponse) {
	filtered := resp.Data[:0]
	for _, m := range resp.Data {
		if !isNonChatModel(m.ID) {
			filtered = append(filtered, m)
		}
	}
	resp.Data = filtered
}

func isNonChatModel(id string) bool {
	for _, family := range openaiNonChatFamilies {
		if strings.Contains(id, family) {
			return true
		}
	}
	return false
}
