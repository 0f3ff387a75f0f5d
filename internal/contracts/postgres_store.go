package contracts

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (
			id, job_id, client_id, doer_id,
			price, commission, total_price, currency,
			status, payment_status, payment_id, dispute_id,
			is_escrow, free_kind, description,
			cancelled_by, cancelled_reason,
			completion_requested_at, disputed_at, completed_at, cancelled_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(20,2), $6::NUMERIC(20,2), $7::NUMERIC(20,2), $8,
			$9, $10, $11, $12,
			$13, $14, $15,
			$16, $17,
			$18, $19, $20, $21,
			$22, $23, $24
		)`,
		c.ID, c.JobID, c.ClientID, c.DoerID,
		c.Price, c.Commission, c.TotalPrice, c.Currency,
		string(c.Status), nullString(c.PaymentStatus), nullString(c.PaymentID), nullString(c.DisputeID),
		c.IsEscrow, string(c.FreeKind), nullString(c.Description),
		nullString(c.CancelledBy), nullString(c.CancelledReason),
		nullTime(c.CompletionRequestedAt), nullTime(c.DisputedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt),
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return err
}

const contractColumns = `id, job_id, client_id, doer_id,
	       price, commission, total_price, currency,
	       status, payment_status, payment_id, dispute_id,
	       is_escrow, free_kind, description,
	       cancelled_by, cancelled_reason,
	       completion_requested_at, disputed_at, completed_at, cancelled_at,
	       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	return c, err
}

func (p *PostgresStore) GetByJob(ctx context.Context, jobID string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE job_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, jobID)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	return c, err
}

// Update applies an optimistic CAS on the version column, same shape as
// the payments store.
func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			status = $1, payment_status = $2, payment_id = $3, dispute_id = $4,
			cancelled_by = $5, cancelled_reason = $6,
			completion_requested_at = $7, disputed_at = $8, completed_at = $9, cancelled_at = $10,
			updated_at = $11,
			version = version + 1
		WHERE id = $12 AND version = $13`,
		string(c.Status), nullString(c.PaymentStatus), nullString(c.PaymentID), nullString(c.DisputeID),
		nullString(c.CancelledBy), nullString(c.CancelledReason),
		nullTime(c.CompletionRequestedAt), nullTime(c.DisputedAt), nullTime(c.CompletedAt), nullTime(c.CancelledAt),
		c.UpdatedAt,
		c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrContractNotFound
		}
		return ErrConflict
	}
	c.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, status string, limit int) ([]*Contract, error) {
	query := `
		SELECT ` + contractColumns + `
		FROM contracts
		WHERE (client_id = $1 OR doer_id = $1)`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

func (p *PostgresStore) ListCompletionDue(ctx context.Context, before time.Time, limit int) ([]*Contract, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+contractColumns+`
		FROM contracts
		WHERE status = 'active' AND completion_requested_at IS NOT NULL AND completion_requested_at < $1
		ORDER BY completion_requested_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanContracts(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		paymentStatus, paymentID, disputeID sql.NullString
		freeKind                            string
		description                         sql.NullString
		cancelledBy, cancelledReason        sql.NullString
		completionReqAt                     sql.NullTime
		disputedAt, completedAt             sql.NullTime
		cancelledAt                         sql.NullTime
		status                              string
	)

	err := s.Scan(
		&c.ID, &c.JobID, &c.ClientID, &c.DoerID,
		&c.Price, &c.Commission, &c.TotalPrice, &c.Currency,
		&status, &paymentStatus, &paymentID, &disputeID,
		&c.IsEscrow, &freeKind, &description,
		&cancelledBy, &cancelledReason,
		&completionReqAt, &disputedAt, &completedAt, &cancelledAt,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.FreeKind = FreeKind(freeKind)
	c.PaymentStatus = paymentStatus.String
	c.PaymentID = paymentID.String
	c.DisputeID = disputeID.String
	c.Description = description.String
	c.CancelledBy = cancelledBy.String
	c.CancelledReason = cancelledReason.String
	if completionReqAt.Valid {
		c.CompletionRequestedAt = &completionReqAt.Time
	}
	if disputedAt.Valid {
		c.DisputedAt = &disputedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		c.CancelledAt = &cancelledAt.Time
	}
	return c, nil
}

func scanContracts(rows *sql.Rows) ([]*Contract, error) {
	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
