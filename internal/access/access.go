// Package access resolves locally registered model policies: base-model
// rewrites, effective parameters, and per-caller read access.
package access

import (
	"context"
	"sync"

	"github.com/modelrelay/modelrelay/internal/domain"
)

// Policy is the local registration for one model id. Models without a
// policy are unrestricted for admins but hidden from regular callers
// unless the deployment bypasses access control.
type Policy struct {
	ModelID     string         `json:"model_id"`
	BaseModelID string         `json:"base_model_id,omitempty"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Public      bool           `json:"public"`
	ReadUserIDs []string       `json:"read_user_ids,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

type Store interface {
	// Policy returns the registration for a model id. The second return
	// distinguishes "not registered" from a lookup failure.
	Policy(ctx context.Context, modelID string) (*Policy, bool, error)
}

type Checker struct {
	policies Store
	bypass   bool
}

func NewChecker(policies Store, bypass bool) *Checker {
	return &Checker{policies: policies, bypass: bypass}
}

// Authorize applies the model's policy to the payload and enforces read
// access. The returned payload may carry a rewritten model id and policy
// parameters; the input is not modified.
func (c *Checker) Authorize(ctx context.Context, caller *domain.Caller, payload domain.Payload) (domain.Payload, error) {
	policy, found, err := c.policies.Policy(ctx, payload.Model())
	if err != nil {
		return nil, err
	}

	if !found {
		if !c.bypass && caller.Role != domain.RoleAdmin {
			return nil, domain.ErrModelAccessDenied
		}
		return payload, nil
	}

	if !c.bypass && caller.Role == domain.RoleUser && !c.canRead(caller, policy) {
		return nil, domain.ErrModelAccessDenied
	}

	out := payload.Clone()
	if policy.BaseModelID != "" {
		out["model"] = policy.BaseModelID
	}
	for key, value := range policy.Params {
		if _, set := out[key]; !set {
			out[key] = value
		}
	}
	return out, nil
}

// ReadableModel reports whether the caller may see a model id in catalog
// listings. Unregistered models are visible to everyone.
func (c *Checker) ReadableModel(ctx context.Context, caller *domain.Caller, modelID string) bool {
	if c.bypass || caller.Role == domain.RoleAdmin {
		return true
	}
	policy, found, err := c.policies.Policy(ctx, modelID)
	if err != nil {
		return false
	}
	if !found {
		return true
	}
	return c.canRead(caller, policy)
}

func (c *Checker) canRead(caller *domain.Caller, policy *Policy) bool {
	if policy.Public || policy.OwnerID == caller.ID {
		return true
	}
	for _, id := range policy.ReadUserIDs {
		if id == caller.ID {
			return true
		}
	}
	return false
}

// InMemoryStore holds policies seeded from configuration.
type InMemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewInMemoryStore(policies []Policy) *InMemoryStore {
	s := &InMemoryStore{policies: make(map[string]*Policy, len(policies))}
	for i := range policies {
		p := policies[i]
		s.policies[p.ModelID] = &p
	}
	return s
}

func (s *InMemoryStore) Policy(ctx context.Context, modelID string) (*Policy, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[modelID]
	if !ok {
		return nil, false, nil
	}
	copy := *p
	return &copy, true, nil
}

func (s *InMemoryStore) Set(policy Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[policy.ModelID] = &policy
}
