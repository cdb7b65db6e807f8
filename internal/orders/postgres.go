package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/marlonbarreto-git/nimbus-funnel/internal/model"
)

// PoolConfig tunes the database/sql pool.
type PoolConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Connect opens and pings a PostgreSQL database through the pgx driver.
func Connect(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("missing DATABASE_URL")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PostgresRepository stores orders in the funnel_orders table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps an open database.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the orders table and its indexes.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS funnel_orders (
			payment_intent_id TEXT PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			session_id TEXT,
			amount_cents BIGINT NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'usd',
			order_bump BOOLEAN NOT NULL DEFAULT FALSE,
			customer_email TEXT,
			customer_name TEXT,
			status TEXT CHECK (status IN ('pending','requires_action','succeeded','failed')) NOT NULL DEFAULT 'pending',
			failure_reason TEXT,
			client_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			webhook_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
			events_json TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_funnel_orders_session ON funnel_orders (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_funnel_orders_status ON funnel_orders (status, updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const orderColumns = `payment_intent_id, id, session_id, amount_cents, currency, order_bump,
	customer_email, customer_name, status, failure_reason, client_confirmed, webhook_confirmed,
	events_json, created_at, updated_at`

func (r *PostgresRepository) Create(ctx context.Context, o Order) error {
	events, err := json.Marshal(nonNil(o.Events))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO funnel_orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		o.PaymentIntentID, o.ID, nilIfEmpty(o.SessionID), o.AmountCents, o.Currency, o.OrderBump,
		nilIfEmpty(o.CustomerEmail), nilIfEmpty(o.CustomerName), string(o.Status), nilIfEmpty(o.FailureReason),
		o.ClientConfirmed, o.WebhookConfirmed, string(events), o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrOrderExists
	}
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, paymentIntentID string) (Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM funnel_orders WHERE payment_intent_id = $1`, paymentIntentID)
	return scanOrder(row)
}

// Update locks the row with SELECT ... FOR UPDATE for the duration of fn.
func (r *PostgresRepository) Update(ctx context.Context, paymentIntentID string, fn func(o *Order) error) (Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM funnel_orders WHERE payment_intent_id = $1 FOR UPDATE`, paymentIntentID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}
	if err := fn(&o); err != nil {
		return Order{}, err
	}

	events, err := json.Marshal(nonNil(o.Events))
	if err != nil {
		return Order{}, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE funnel_orders SET
			session_id = $2, amount_cents = $3, currency = $4, order_bump = $5,
			customer_email = $6, customer_name = $7, status = $8, failure_reason = $9,
			client_confirmed = $10, webhook_confirmed = $11, events_json = $12, updated_at = $13
		WHERE payment_intent_id = $1`,
		paymentIntentID, nilIfEmpty(o.SessionID), o.AmountCents, o.Currency, o.OrderBump,
		nilIfEmpty(o.CustomerEmail), nilIfEmpty(o.CustomerName), string(o.Status), nilIfEmpty(o.FailureReason),
		o.ClientConfirmed, o.WebhookConfirmed, string(events), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return Order{}, err
	}
	return o, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		o                                     Order
		status                                string
		sessionID, email, name, failureReason sql.NullString
		events                                string
	)
	err := row.Scan(
		&o.PaymentIntentID, &o.ID, &sessionID, &o.AmountCents, &o.Currency, &o.OrderBump,
		&email, &name, &status, &failureReason, &o.ClientConfirmed, &o.WebhookConfirmed,
		&events, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.SessionID = sessionID.String
	o.CustomerEmail = email.String
	o.CustomerName = name.String
	o.FailureReason = failureReason.String
	o.Status = model.PaymentStatus(status)
	if err := json.Unmarshal([]byte(events), &o.Events); err != nil {
		return Order{}, fmt.Errorf("decode events of %s: %w", o.PaymentIntentID, err)
	}
	return o, nil
}

func nilIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nonNil(events []string) []string {
	if events == nil {
		return []string{}
	}
	return events
}
