package disputes

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists dispute data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, contract_id, payment_id, initiator_id, respondent_id,
			reason, description, category,
			status, priority, response_deadline,
			decision, rationale, resolved_by, resolved_at,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18
		)`,
		d.ID, d.ContractID, nullString(d.PaymentID), d.InitiatorID, d.RespondentID,
		d.Reason, nullString(d.Description), nullString(d.Category),
		string(d.Status), string(d.Priority), d.ResponseDeadline,
		nullString(d.Decision), nullString(d.Rationale), nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.Version, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

const disputeColumns = `id, contract_id, payment_id, initiator_id, respondent_id,
	       reason, description, category,
	       status, priority, response_deadline,
	       decision, rationale, resolved_by, resolved_at,
	       version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByContract(ctx context.Context, contractID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE contract_id = $1 AND status IN ('open', 'under_review')
		LIMIT 1`, contractID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

// Update applies an optimistic CAS on the version column, same shape as
// the payments store.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, priority = $2, response_deadline = $3,
			decision = $4, rationale = $5, resolved_by = $6, resolved_at = $7,
			updated_at = $8,
			version = version + 1
		WHERE id = $9 AND version = $10`,
		string(d.Status), string(d.Priority), d.ResponseDeadline,
		nullString(d.Decision), nullString(d.Rationale), nullString(d.ResolvedBy), nullTime(d.ResolvedAt),
		d.UpdatedAt,
		d.ID, d.Version,
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
			`SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrDisputeNotFound
		}
		return ErrConflict
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListOpenPastDeadline(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+`
		FROM disputes
		WHERE status = 'open' AND response_deadline < $1
		ORDER BY response_deadline
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_messages (id, dispute_id, author_id, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.DisputeID, m.AuthorID, m.Body, m.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, author_id, body, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.DisputeID, &m.AuthorID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddEvidence(ctx context.Context, e *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, author_id, url, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.DisputeID, e.AuthorID, e.URL, nullString(e.Description), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, author_id, url, description, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Evidence
	for rows.Next() {
		e := &Evidence{}
		var description sql.NullString
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.AuthorID, &e.URL, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		result = append(result, e)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		paymentID, description, category  sql.NullString
		decision, rationale, resolvedBy   sql.NullString
		resolvedAt                        sql.NullTime
		status, priority                  string
	)

	err := s.Scan(
		&d.ID, &d.ContractID, &paymentID, &d.InitiatorID, &d.RespondentID,
		&d.Reason, &description, &category,
		&status, &priority, &d.ResponseDeadline,
		&decision, &rationale, &resolvedBy, &resolvedAt,
		&d.Version, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.Priority = Priority(priority)
	d.PaymentID = paymentID.String
	d.Description = description.String
	d.Category = category.String
	d.Decision = decision.String
	d.Rationale = rationale.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
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
