// Package integration tracks per-user connections to third-party services.
// Handles are fetched fresh on every use: the collaborator that owns them may
// rotate or revoke tokens at any time, so nothing here is cached across a
// request.
package integration

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/domain"
)

// Handle is a read-only view of one user's connection to an integration.
type Handle struct {
	ID            string
	UserID        string
	Kind          string
	AccessToken   string
	WorkspaceID   string
	WorkspaceName string
	WorkspaceIcon string
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Store interface {
	// Active returns the user's active handle for the given integration
	// kind, or domain.ErrIntegrationNotConnected.
	Active(ctx context.Context, userID, kind string) (*Handle, error)
	Upsert(ctx context.Context, h *Handle) error
	List(ctx context.Context, userID string) ([]*Handle, error)
	Disconnect(ctx context.Context, userID, kind string) error
}

type InMemoryStore struct {
	mu      sync.RWMutex
	handles map[string]*Handle // keyed by userID + "/" + kind
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{handles: make(map[string]*Handle)}
}

func (s *InMemoryStore) Active(ctx context.Context, userID, kind string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.handles[userID+"/"+kind]
	if !ok || !h.Active {
		return nil, domain.ErrIntegrationNotConnected
	}
	copy := *h
	return &copy, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, h *Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now

	copy := *h
	s.handles[h.UserID+"/"+h.Kind] = &copy
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, userID string) ([]*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Handle
	for _, h := range s.handles {
		if h.UserID == userID {
			copy := *h
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Disconnect(ctx context.Context, userID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[userID+"/"+kind]
	if !ok || !h.Active {
		return domain.ErrIntegrationNotConnected
	}
	h.Active = false
	h.UpdatedAt = time.Now()
	return nil
}

// PostgresStore persists handles with access tokens encrypted at rest.
type PostgresStore struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

func NewPostgresStore(db *sql.DB, enc *crypto.Encryptor) *PostgresStore {
	return &PostgresStore{db: db, enc: enc}
}

func (s *PostgresStore) Active(ctx context.Context, userID, kind string) (*Handle, error) {
	query := `
		SELECT id, user_id, integration_type, access_token, workspace_id, workspace_name, workspace_icon, active, created_at, updated_at
		FROM integrations
		WHERE user_id = $1 AND integration_type = $2 AND active = TRUE
	`

	var h Handle
	var encToken string
	err := s.db.QueryRowContext(ctx, query, userID, kind).Scan(
		&h.ID,
		&h.UserID,
		&h.Kind,
		&encToken,
		&h.WorkspaceID,
		&h.WorkspaceName,
		&h.WorkspaceIcon,
		&h.Active,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrIntegrationNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("query integration: %w", err)
	}

	h.AccessToken, err = s.enc.Decrypt(encToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	return &h, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, h *Handle) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}

	encToken, err := s.enc.Encrypt(h.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	query := `
		INSERT INTO integrations (id, user_id, integration_type, access_token, workspace_id, workspace_name, workspace_icon, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (user_id, integration_type) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    workspace_id = EXCLUDED.workspace_id,
		    workspace_name = EXCLUDED.workspace_name,
		    workspace_icon = EXCLUDED.workspace_icon,
		    active = EXCLUDED.active,
		    updated_at = NOW()
	`

	if _, err := s.db.ExecContext(ctx, query,
		h.ID, h.UserID, h.Kind, encToken,
		h.WorkspaceID, h.WorkspaceName, h.WorkspaceIcon, h.Active,
	); err != nil {
		return fmt.Errorf("upsert integration: %w", err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]*Handle, error) {
	query := `
		SELECT id, user_id, integration_type, workspace_id, workspace_name, workspace_icon, active, created_at, updated_at
		FROM integrations
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query integrations: %w", err)
	}
	defer rows.Close()

	var out []*Handle
	for rows.Next() {
		var h Handle
		if err := rows.Scan(
			&h.ID, &h.UserID, &h.Kind,
			&h.WorkspaceID, &h.WorkspaceName, &h.WorkspaceIcon,
			&h.Active, &h.CreatedAt, &h.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, &h)
	}

	return out, rows.Err()
}

func (s *PostgresStore) Disconnect(ctx context.Context, userID, kind string) error {
	query := `
		UPDATE integrations
		SET active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND integration_type = $2 AND active = TRUE
	`

	result, err := s.db.ExecContext(ctx, query, userID, kind)
	if err != nil {
		return fmt.Errorf("disconnect integration: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrIntegrationNotConnected
	}

	return nil
}
