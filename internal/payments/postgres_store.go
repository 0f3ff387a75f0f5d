package payments

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists payment data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pay *Payment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, contract_id, job_id, payer_id, recipient_id,
			amount, currency, local_amount, local_currency, status,
			gateway_order_id, gateway_capture_id, gateway_refund_id,
			payer_gateway_id, payer_email,
			fee_amount, is_escrow, description,
			refund_reason, refunded_by, refunded_at, refund_amount,
			released_by, released_at, failure_reason, dispute_id,
			version, captured_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,2), $7, $8::NUMERIC(20,2), $9, $10,
			$11, $12, $13,
			$14, $15,
			$16, $17, $18,
			$19, $20, $21, $22,
			$23, $24, $25, $26,
			$27, $28, $29, $30
		)`,
		pay.ID, nullString(pay.ContractID), nullString(pay.JobID), pay.PayerID, nullString(pay.RecipientID),
		pay.Amount, pay.Currency, pay.LocalAmount, pay.LocalCurrency, string(pay.Status),
		pay.GatewayOrderID, nullString(pay.GatewayCaptureID), nullString(pay.GatewayRefundID),
		nullString(pay.PayerGatewayID), nullString(pay.PayerEmail),
		nullString(pay.FeeAmount), pay.IsEscrow, nullString(pay.Description),
		nullString(pay.RefundReason), nullString(pay.RefundedBy), nullTime(pay.RefundedAt), nullString(pay.RefundAmount),
		nullString(pay.ReleasedBy), nullTime(pay.ReleasedAt), nullString(pay.FailureReason), nullString(pay.DisputeID),
		pay.Version, nullTime(pay.CapturedAt), pay.CreatedAt, pay.UpdatedAt,
	)
	return err
}

const paymentColumns = `id, contract_id, job_id, payer_id, recipient_id,
	       amount, currency, local_amount, local_currency, status,
	       gateway_order_id, gateway_capture_id, gateway_refund_id,
	       payer_gateway_id, payer_email,
	       fee_amount, is_escrow, description,
	       refund_reason, refunded_by, refunded_at, refund_amount,
	       released_by, released_at, failure_reason, dispute_id,
	       version, captured_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

func (p *PostgresStore) GetByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE gateway_order_id = $1`, orderID)
	pay, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return pay, err
}

// Update applies an optimistic CAS on the version column. A lost race
// surfaces as ErrConflict; the caller re-reads and retries or gives up.
func (p *PostgresStore) Update(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, gateway_capture_id = $2, gateway_refund_id = $3,
			payer_gateway_id = $4, payer_email = $5,
			refund_reason = $6, refunded_by = $7, refunded_at = $8, refund_amount = $9,
			released_by = $10, released_at = $11, failure_reason = $12, dispute_id = $13,
			captured_at = $14, updated_at = $15,
			version = version + 1
		WHERE id = $16 AND version = $17`,
		string(pay.Status), nullString(pay.GatewayCaptureID), nullString(pay.GatewayRefundID),
		nullString(pay.PayerGatewayID), nullString(pay.PayerEmail),
		nullString(pay.RefundReason), nullString(pay.RefundedBy), nullTime(pay.RefundedAt), nullString(pay.RefundAmount),
		nullString(pay.ReleasedBy), nullTime(pay.ReleasedAt), nullString(pay.FailureReason), nullString(pay.DisputeID),
		nullTime(pay.CapturedAt), pay.UpdatedAt,
		pay.ID, pay.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, pay.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrPaymentNotFound
		}
		return ErrConflict
	}
	pay.Version++
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE payer_id = $1 OR recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListByContract(ctx context.Context, contractID string) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE contract_id = $1
		ORDER BY created_at`, contractID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

func (p *PostgresStore) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*Payment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanPayments(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPayment(s scanner) (*Payment, error) {
	pay := &Payment{}
	var (
		contractID, jobID, recipientID        sql.NullString
		captureID, refundID, payerGW, email   sql.NullString
		feeAmount, description                sql.NullString
		refundReason, refundedBy, refundAmt   sql.NullString
		releasedBy, failureReason, disputeID  sql.NullString
		refundedAt, releasedAt, capturedAt    sql.NullTime
		status                                string
	)

	err := s.Scan(
		&pay.ID, &contractID, &jobID, &pay.PayerID, &recipientID,
		&pay.Amount, &pay.Currency, &pay.LocalAmount, &pay.LocalCurrency, &status,
		&pay.GatewayOrderID, &captureID, &refundID,
		&payerGW, &email,
		&feeAmount, &pay.IsEscrow, &description,
		&refundReason, &refundedBy, &refundedAt, &refundAmt,
		&releasedBy, &releasedAt, &failureReason, &disputeID,
		&pay.Version, &capturedAt, &pay.CreatedAt, &pay.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	pay.Status = Status(status)
	pay.ContractID = contractID.String
	pay.JobID = jobID.String
	pay.RecipientID = recipientID.String
	pay.GatewayCaptureID = captureID.String
	pay.GatewayRefundID = refundID.String
	pay.PayerGatewayID = payerGW.String
	pay.PayerEmail = email.String
	pay.FeeAmount = feeAmount.String
	pay.Description = description.String
	pay.RefundReason = refundReason.String
	pay.RefundedBy = refundedBy.String
	pay.RefundAmount = refundAmt.String
	pay.ReleasedBy = releasedBy.String
	pay.FailureReason = failureReason.String
	pay.DisputeID = disputeID.String
	if refundedAt.Valid {
		pay.RefundedAt = &refundedAt.Time
	}
	if releasedAt.Valid {
		pay.ReleasedAt = &releasedAt.Time
	}
	if capturedAt.Valid {
		pay.CapturedAt = &capturedAt.Time
	}
	return pay, nil
}

func scanPayments(rows *sql.Rows) ([]*Payment, error) {
	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
