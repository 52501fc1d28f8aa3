package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Pool is a DB that can open transactions, e.g. *pgxpool.Pool.
type Pool interface {
	DB
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type PostgresStore struct {
	db   DB
	pool Pool // nil when bound to a transaction
}

func NewPostgresStore(pool Pool) Store {
	return &PostgresStore{db: pool, pool: pool}
}

func (s *PostgresStore) RunSerializable(ctx context.Context, fn TxFunc) error {
	if s.pool == nil {
		// Already inside a transaction.
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyTxError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &PostgresStore{db: tx}); err != nil {
		return classifyTxError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// Users and subscriptions

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (id, email, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.Exec(ctx, query, u.ID, u.Email, u.Name); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (*User, error) {
	query := `
		SELECT id, COALESCE(email, ''), COALESCE(name, ''), stripe_customer_id, ai_message_count
		FROM users
		WHERE id = $1
	`
	var u User
	err := s.db.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Email, &u.Name, &u.CustomerRef, &u.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) SetCustomerRef(ctx context.Context, userID, customerRef string) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET stripe_customer_id = $2 WHERE id = $1`, userID, customerRef)
	if err != nil {
		return fmt.Errorf("failed to set customer ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementMessageCount(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `UPDATE users SET ai_message_count = ai_message_count + 1 WHERE id = $1`, userID); err != nil {
		return fmt.Errorf("failed to increment message count: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `
		SELECT id, user_id, status, period_start, period_end
		FROM subscriptions
		WHERE user_id = $1 AND status = ANY($2)
		ORDER BY period_start DESC NULLS LAST
		LIMIT 1
	`
	var sub Subscription
	err := s.db.QueryRow(ctx, query, userID, ActiveSubscriptionStatuses).Scan(
		&sub.ID, &sub.UserID, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active subscription: %w", err)
	}
	return &sub, nil
}

// Credit grants

func (s *PostgresStore) CreateGrant(ctx context.Context, g *CreditGrant) error {
	query := `
		INSERT INTO credit_grants (id, user_id, amount, type, description, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		g.ID, g.UserID, g.Amount, g.Type, g.Description, g.ExpiresAt,
	).Scan(&g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credit grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGrants(ctx context.Context, userID string) ([]CreditGrant, error) {
	query := `
		SELECT id, user_id, amount, type, description, created_at, expires_at
		FROM credit_grants
		WHERE user_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit grants: %w", err)
	}
	defer rows.Close()

	var grants []CreditGrant
	for rows.Next() {
		var g CreditGrant
		if err := rows.Scan(&g.ID, &g.UserID, &g.Amount, &g.Type, &g.Description, &g.CreatedAt, &g.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit grants: %w", err)
	}
	return grants, nil
}

func (s *PostgresStore) HasGrantOfType(ctx context.Context, userID, grantType string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_grants WHERE user_id = $1 AND type = $2)`,
		userID, grantType,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check credit grant: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) NearestExpiry(ctx context.Context, userID string, now time.Time) (*time.Time, error) {
	var expiresAt *time.Time
	err := s.db.QueryRow(ctx,
		`SELECT MIN(expires_at) FROM credit_grants WHERE user_id = $1 AND expires_at > $2`,
		userID, now,
	).Scan(&expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get nearest credit expiry: %w", err)
	}
	return expiresAt, nil
}

// Usage records

func (s *PostgresStore) CreateCallRecord(ctx context.Context, c *CallRecord) error {
	query := `
		INSERT INTO ai_call_records (id, user_id, provider, model_id, task_type, input_tokens, output_tokens,
			total_tokens, usage_json, cost_json, using_own_key, conversation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		c.ID, c.UserID, c.Provider, c.ModelID, c.TaskType, c.InputTokens, c.OutputTokens,
		c.TotalTokens, c.UsageJSON, c.CostJSON, c.UsingOwnKey, c.ConversationID,
	).Scan(&c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateUsageRecord(ctx context.Context, r *UsageRecord) error {
	query := `
		INSERT INTO usage_records (id, user_id, task_type, credit_used, cost_usd, ai_call_record_id, report_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := s.db.QueryRow(ctx, query,
		r.ID, r.UserID, r.TaskType, r.CreditUsed, r.Cost, r.CallRecordID, string(r.ReportState),
	).Scan(&r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

const usageColumns = `id, user_id, task_type, credit_used, cost_usd, ai_call_record_id, report_state, created_at`

func scanUsage(row pgx.Row) (*UsageRecord, error) {
	var r UsageRecord
	var state string
	if err := row.Scan(&r.ID, &r.UserID, &r.TaskType, &r.CreditUsed, &r.Cost, &r.CallRecordID, &state, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.ReportState = ReportState(state)
	return &r, nil
}

func (s *PostgresStore) GetUsageRecord(ctx context.Context, recordID string) (*UsageRecord, error) {
	r, err := scanUsage(s.db.QueryRow(ctx, `SELECT `+usageColumns+` FROM usage_records WHERE id = $1`, recordID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE user_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	return s.queryUsage(ctx, query, userID, from, to)
}

func (s *PostgresStore) ListPending(ctx context.Context, q PendingQuery) ([]*UsageRecord, error) {
	query := `SELECT ` + usageColumns + `
		FROM usage_records
		WHERE report_state = 'pending' AND cost_usd > 0 AND created_at < $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3
	`
	return s.queryUsage(ctx, query, q.Before, q.After, q.Limit)
}

func (s *PostgresStore) queryUsage(ctx context.Context, query string, args ...any) ([]*UsageRecord, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) TotalCreditUsed(ctx context.Context, userID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(credit_used), 0) FROM usage_records WHERE user_id = $1`, userID,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum credit used: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) BilledSince(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum period usage: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) MarkReported(ctx context.Context, recordIDs ...string) ([]string, error) {
	if len(recordIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		UPDATE usage_records SET report_state = 'reported'
		WHERE id = ANY($1) AND report_state = 'pending'
		RETURNING id
	`, recordIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to mark usage reported: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to mark usage reported: %w", err)
	}
	return ids, nil
}

// Spending limits

func (s *PostgresStore) GetSpendingLimit(ctx context.Context, userID string) (*SpendingLimit, error) {
	var l SpendingLimit
	err := s.db.QueryRow(ctx,
		`SELECT user_id, monthly_cap_usd, updated_at FROM spending_limits WHERE user_id = $1`, userID,
	).Scan(&l.UserID, &l.MonthlyCap, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get spending limit: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) UpsertSpendingLimit(ctx context.Context, userID string, monthlyCap decimal.Decimal) (*SpendingLimit, error) {
	query := `
		INSERT INTO spending_limits (user_id, monthly_cap_usd)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET monthly_cap_usd = EXCLUDED.monthly_cap_usd, updated_at = now()
		RETURNING user_id, monthly_cap_usd, updated_at
	`
	var l SpendingLimit
	if err := s.db.QueryRow(ctx, query, userID, monthlyCap).Scan(&l.UserID, &l.MonthlyCap, &l.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to upsert spending limit: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) DeleteSpendingLimit(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM spending_limits WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete spending limit: %w", err)
	}
	return nil
}
