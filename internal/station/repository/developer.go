package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrust/station/internal/station/model"
)

// DeveloperRepository provides CRUD operations for developers.
type DeveloperRepository struct {
	db *pgxpool.Pool
}

// NewDeveloperRepository creates a new DeveloperRepository.
func NewDeveloperRepository(db *pgxpool.Pool) *DeveloperRepository {
	return &DeveloperRepository{db: db}
}

// Create inserts a new developer. The API key prefix carries a unique
// index so key lookups stay O(1) under load.
func (r *DeveloperRepository) Create(ctx context.Context, dev *model.Developer) error {
	if dev.ID == uuid.Nil {
		dev.ID = uuid.New()
	}
	dev.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, `
		INSERT INTO developers (id, name, email, api_key_prefix, api_key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		dev.ID, dev.Name, dev.Email, dev.APIKeyPrefix, dev.APIKeyHash, dev.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByID retrieves a developer by its UUID.
func (r *DeveloperRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Developer, error) {
	return r.scanOne(ctx, `SELECT id, name, email, api_key_prefix, api_key_hash, created_at
		FROM developers WHERE id = $1`, id)
}

// GetByAPIKeyPrefix retrieves a developer by the plaintext prefix of its
// API key. This is the authentication hot path; it must never scan.
func (r *DeveloperRepository) GetByAPIKeyPrefix(ctx context.Context, prefix string) (*model.Developer, error) {
	return r.scanOne(ctx, `SELECT id, name, email, api_key_prefix, api_key_hash, created_at
		FROM developers WHERE api_key_prefix = $1`, prefix)
}

func (r *DeveloperRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Developer, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var d model.Developer
	if err := rows.Scan(&d.ID, &d.Name, &d.Email, &d.APIKeyPrefix, &d.APIKeyHash, &d.CreatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}
