package events

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists event subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, owner_id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO event_subscriptions (id, owner_id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.OwnerID, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM event_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	return sub, err
}

func (p *PostgresStore) GetByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	eventsJSON, _ := json.Marshal([]string{string(eventType)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM event_subscriptions
		WHERE active = TRUE AND events @> $1::jsonb
	`, string(eventsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE event_subscriptions SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5
	`, sub.Active, sub.LastSuccess, nullString(sub.LastError), sub.ConsecutiveFailures, sub.ID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM event_subscriptions WHERE id = $1`, id)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := s.Scan(
		&sub.ID, &sub.OwnerID, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}

	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String

	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
