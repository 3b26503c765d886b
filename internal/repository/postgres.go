package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/modelrelay/modelrelay/internal/crypto"
	"github.com/modelrelay/modelrelay/internal/domain"
)

type PostgresCallerRepository struct {
	db *sql.DB
}

func NewPostgresCallerRepository(db *sql.DB) *PostgresCallerRepository {
	return &PostgresCallerRepository{db: db}
}

const callerColumns = `id, name, email, role, api_key_hash, rate_limit_rpm, enabled, created_at, updated_at`

func (r *PostgresCallerRepository) GetByAPIKey(ctx context.Context, apiKey string) (*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		WHERE api_key_hash = $1 AND enabled = true
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, crypto.HashAPIKey(apiKey)))
}

func (r *PostgresCallerRepository) GetByID(ctx context.Context, id string) (*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		WHERE id = $1
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresCallerRepository) Create(ctx context.Context, caller *domain.Caller) error {
	query := `
		INSERT INTO callers (id, name, email, role, api_key_hash, rate_limit_rpm, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.Email,
		string(caller.Role),
		caller.APIKeyHash,
		caller.RateLimitRPM,
		caller.Enabled,
		caller.CreatedAt,
		caller.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert caller: %w", err)
	}
	return nil
}

func (r *PostgresCallerRepository) Update(ctx context.Context, caller *domain.Caller) error {
	query := `
		UPDATE callers
		SET name = $2, email = $3, role = $4, api_key_hash = $5,
		    rate_limit_rpm = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		caller.ID,
		caller.Name,
		caller.Email,
		string(caller.Role),
		caller.APIKeyHash,
		caller.RateLimitRPM,
		caller.Enabled,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("update caller: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrCallerNotFound
	}
	return nil
}

func (r *PostgresCallerRepository) List(ctx context.Context) ([]*domain.Caller, error) {
	query := `
		SELECT ` + callerColumns + `
		FROM callers
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query callers: %w", err)
	}
	defer rows.Close()

	var callers []*domain.Caller
	for rows.Next() {
		var caller domain.Caller
		var role string
		if err := rows.Scan(
			&caller.ID,
			&caller.Name,
			&caller.Email,
			&role,
			&caller.APIKeyHash,
			&caller.RateLimitRPM,
			&caller.Enabled,
			&caller.CreatedAt,
			&caller.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan caller: %w", err)
		}
		caller.Role = domain.Role(role)
		callers = append(callers, &caller)
	}
	return callers, rows.Err()
}

func (r *PostgresCallerRepository) scanOne(row *sql.Row) (*domain.Caller, error) {
	var caller domain.Caller
	var role string

	err := row.Scan(
		&caller.ID,
		&caller.Name,
		&caller.Email,
		&role,
		&caller.APIKeyHash,
		&caller.RateLimitRPM,
		&caller.Enabled,
		&caller.CreatedAt,
		&caller.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrCallerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query caller: %w", err)
	}

	caller.Role = domain.Role(role)
	return &caller, nil
}
