package membership

import (
	"context"
	"database/sql"

	"github.com/doerly/settlement/internal/commission"
)

// PostgresStore persists membership data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed membership store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Membership, error) {
	m := &Membership{}
	var tier string
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, tier, lifetime_free_remaining, monthly_free_used, month_key, updated_at
		FROM memberships
		WHERE user_id = $1`, userID).
		Scan(&m.UserID, &tier, &m.LifetimeFreeRemaining, &m.MonthlyFreeUsed, &m.MonthKey, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Tier = commission.Tier(tier)
	return m, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, m *Membership) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, tier, lifetime_free_remaining, monthly_free_used, month_key, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			tier                    = EXCLUDED.tier,
			lifetime_free_remaining = EXCLUDED.lifetime_free_remaining,
			monthly_free_used       = EXCLUDED.monthly_free_used,
			month_key               = EXCLUDED.month_key,
			updated_at              = NOW()`,
		m.UserID, string(m.Tier), m.LifetimeFreeRemaining, m.MonthlyFreeUsed, m.MonthKey)
	return err
}

func (p *PostgresStore) ConsumeLifetimeFree(ctx context.Context, userID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE memberships SET
			lifetime_free_remaining = lifetime_free_remaining - 1,
			updated_at = NOW()
		WHERE user_id = $1 AND lifetime_free_remaining > 0`, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoAllowance
	}
	return nil
}

func (p *PostgresStore) CreditLifetimeFree(ctx context.Context, userID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, tier, lifetime_free_remaining, monthly_free_used, month_key, updated_at)
		VALUES ($1, 'free', 1, 0, '', NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			lifetime_free_remaining = memberships.lifetime_free_remaining + 1,
			updated_at = NOW()`, userID)
	return err
}

func (p *PostgresStore) ConsumeMonthlyFree(ctx context.Context, userID, monthKey string, limit int) error {
	// A row under an older month key counts as zero used: the CASE resets
	// it in the same statement so the reset and the increment are atomic.
	result, err := p.db.ExecContext(ctx, `
		UPDATE memberships SET
			monthly_free_used = CASE WHEN month_key = $2 THEN monthly_free_used + 1 ELSE 1 END,
			month_key = $2,
			updated_at = NOW()
		WHERE user_id = $1
		  AND (CASE WHEN month_key = $2 THEN monthly_free_used ELSE 0 END) < $3`,
		userID, monthKey, limit)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoAllowance
	}
	return nil
}

func (p *PostgresStore) CreditMonthlyFree(ctx context.Context, userID, monthKey string) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE memberships SET
			monthly_free_used = monthly_free_used - 1,
			updated_at = NOW()
		WHERE user_id = $1 AND month_key = $2 AND monthly_free_used > 0`,
		userID, monthKey)
	return err
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
