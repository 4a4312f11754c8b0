package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrust/station/internal/station/model"
)

// CertificateRepository persists issued certificate records keyed by jti.
type CertificateRepository struct {
	db *pgxpool.Pool
}

// NewCertificateRepository creates a new CertificateRepository.
func NewCertificateRepository(db *pgxpool.Pool) *CertificateRepository {
	return &CertificateRepository{db: db}
}

// Create inserts the record for a freshly issued certificate.
func (r *CertificateRepository) Create(ctx context.Context, rec *model.CertificateRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO certificates (jti, agent_id, score, issued_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.JTI, rec.AgentID, rec.Score, rec.IssuedAt, rec.ExpiresAt, rec.Revoked,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetByJTI retrieves a certificate record.
func (r *CertificateRepository) GetByJTI(ctx context.Context, jti uuid.UUID) (*model.CertificateRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT jti, agent_id, score, issued_at, expires_at, revoked
		FROM certificates WHERE jti = $1`, jti)
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
	var rec model.CertificateRecord
	if err := rows.Scan(&rec.JTI, &rec.AgentID, &rec.Score, &rec.IssuedAt, &rec.ExpiresAt, &rec.Revoked); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Revoke marks a certificate revoked. The transition is one-way and the
// call is idempotent: revoking an already-revoked certificate succeeds.
func (r *CertificateRepository) Revoke(ctx context.Context, jti uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE certificates SET revoked = TRUE WHERE jti = $1`, jti)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired removes records whose expiry passed more than the given
// retention ago. Returns the number of rows removed.
func (r *CertificateRepository) DeleteExpired(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM certificates WHERE expires_at < $1`,
		time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
