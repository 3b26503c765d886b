// Package repository resolves API keys to callers and manages caller
// records for the admin surface.
package repository

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/domain"
)

type CallerRepository interface {
	GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error)
	GetByID(ctx context.Context, id string) (*domain.Caller, error)
	Create(ctx context.Context, caller *domain.Caller) error
	Update(ctx context.Context, caller *domain.Caller) error
	List(ctx context.Context) ([]*domain.Caller, error)
}

type InMemoryCallerRepository struct {
	mu      sync.RWMutex
	callers map[string]*domain.Caller
	byKey   map[string]string
}

func NewInMemoryCallerRepository() *InMemoryCallerRepository {
	repo := &InMemoryCallerRepository{
		callers: make(map[string]*domain.Caller),
		byKey:   make(map[string]string),
	}

	defaultCaller := &domain.Caller{
		ID:           "default",
		Name:         "default",
		Email:        "default@localhost",
		Role:         domain.RoleAdmin,
		APIKeyHash:   crypto.HashAPIKey("mr-default-key"),
		RateLimitRPM: 100,
		Enabled:      true,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	repo.callers[defaultCaller.ID] = defaultCaller
	repo.byKey[defaultCaller.APIKeyHash] = defaultCaller.ID

	return repo
}

func (r *InMemoryCallerRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[crypto.HashAPIKey(apiKey)]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}

	caller, ok := r.callers[id]
	if !ok || !caller.Enabled {
		return nil, domain.ErrCallerNotFound
	}

	copy := *caller
	return &copy, nil
}

func (r *InMemoryCallerRepository) GetByID(ctx context.Context, id string) (*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caller, ok := r.callers[id]
	if !ok {
		return nil, domain.ErrCallerNotFound
	}

	copy := *caller
	return &copy, nil
}

func (r *InMemoryCallerRepository) Create(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copy := *caller
	r.callers[caller.ID] = &copy
	r.byKey[caller.APIKeyHash] = caller.ID

	return nil
}

func (r *InMemoryCallerRepository) Update(ctx context.Context, caller *domain.Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.callers[caller.ID]
	if !ok {
		return domain.ErrCallerNotFound
	}

	// Remap the key index when the key hash changed (rotation).
	if existing.APIKeyHash != caller.APIKeyHash {
		delete(r.byKey, existing.APIKeyHash)
		r.byKey[caller.APIKeyHash] = caller.ID
	}

	caller.UpdatedAt = time.Now()
	copy := *caller
	r.callers[caller.ID] = &copy

	return nil
}

func (r *InMemoryCallerRepository) List(ctx context.Context) ([]*domain.Caller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Caller, 0, len(r.callers))
	for _, caller := range r.callers {
		copy := *caller
		out = append(out, &copy)
	}
	return out, nil
}
