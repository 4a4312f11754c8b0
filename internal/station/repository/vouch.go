package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agenttrust/station/internal/station/model"
)

// VouchRepository persists the directed vouch graph between agents.
type VouchRepository struct {
	db *pgxpool.Pool
}

// NewVouchRepository creates a new VouchRepository.
func NewVouchRepository(db *pgxpool.Pool) *VouchRepository {
	return &VouchRepository{db: db}
}

// Create inserts a vouch edge. The (voucher, vouched) ordered pair is
// unique; duplicates return ErrDuplicate.
func (r *VouchRepository) Create(ctx context.Context, v *model.Vouch) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(ctx, `
		INSERT INTO vouches (id, voucher_id, vouched_id, weight, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ID, v.VoucherID, v.VouchedID, v.Weight, v.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Delete removes the vouch edge for an ordered pair.
func (r *VouchRepository) Delete(ctx context.Context, voucherID, vouchedID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM vouches WHERE voucher_id = $1 AND vouched_id = $2`,
		voucherID, vouchedID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountForAgent returns the number of vouches received by an agent.
func (r *VouchRepository) CountForAgent(ctx context.Context, vouchedID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM vouches WHERE vouched_id = $1`, vouchedID).Scan(&n)
	return n, err
}
