package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/condo-payments-go/internal/domain"
	"github.com/boddenberg/condo-payments-go/internal/port"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

//go:embed schema.sql
var schemaSQL string

var tracer = otel.Tracer("infra/store")

const columns = `id, version, origin_type, origin_id,
	original_amount::text, interest::text, penalty::text, discount::text, fees::text, final_amount::text,
	provider, method, provider_payment_id, installments, instructions, description, payer_name, payer_document,
	status, webhook_received, webhook_log, reconcile_attempts, last_polled_at, stalled,
	sync_state, sync_attempts, audit_log, fiscal,
	created_at, updated_at, due_date, processed_at, confirmed_at, canceled_at`

// Postgres is the durable TransactionStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool against dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for the readiness check.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Create inserts tx with version 1.
func (p *Postgres) Create(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "Postgres.Create")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID))

	row, err := toRow(tx)
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO payment_transactions (
			id, version, origin_type, origin_id,
			original_amount, interest, penalty, discount, fees, final_amount,
			provider, method, provider_payment_id, installments, instructions, description, payer_name, payer_document,
			status, webhook_received, webhook_log, reconcile_attempts, last_polled_at, stalled,
			sync_state, sync_attempts, audit_log, fiscal,
			created_at, updated_at, due_date, processed_at, confirmed_at, canceled_at
		) VALUES (
			$1, 1, $2, $3,
			$4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14::jsonb, $15, $16, $17,
			$18, $19, $20::jsonb, $21, $22, $23,
			$24, $25, $26::jsonb, $27::jsonb,
			$28, $29, $30, $31, $32, $33
		)`,
		tx.ID, tx.OriginType, tx.OriginID,
		row.original, row.interest, row.penalty, row.discount, row.fees, row.final,
		tx.Provider, tx.Method, nullable(tx.ProviderPaymentID), tx.Installments, row.instructions,
		tx.Description, tx.PayerName, tx.PayerDocument,
		tx.Status, tx.WebhookReceived, row.webhookLog, tx.ReconcileAttempts, tx.LastPolledAt, tx.Stalled,
		tx.SyncState, tx.SyncAttempts, row.auditLog, row.fiscal,
		tx.CreatedAt, tx.UpdatedAt, tx.DueDate, tx.ProcessedAt, tx.ConfirmedAt, tx.CanceledAt,
	)
	if err != nil {
		return mapWriteError(err, tx)
	}
	tx.Version = 1
	return nil
}

// Get loads one transaction.
func (p *Postgres) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.Get")
	defer span.End()

	tx, err := scanTransaction(p.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM payment_transactions WHERE id::text = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", id, err)
	}
	return tx, nil
}

// FindByProviderPaymentID resolves a gateway identifier.
func (p *Postgres) FindByProviderPaymentID(ctx context.Context, provider domain.Provider, providerPaymentID string) (*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.FindByProviderPaymentID")
	defer span.End()

	tx, err := scanTransaction(p.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM payment_transactions WHERE provider = $1 AND provider_payment_id = $2`,
		provider, providerPaymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: string(provider) + "/" + providerPaymentID}
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction by payment id: %w", err)
	}
	return tx, nil
}

// Update writes tx if its version is still current and bumps the version.
func (p *Postgres) Update(ctx context.Context, tx *domain.Transaction) error {
	ctx, span := tracer.Start(ctx, "Postgres.Update")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", tx.ID), attribute.Int64("version", tx.Version))

	row, err := toRow(tx)
	if err != nil {
		return err
	}

	var newVersion int64
	err = p.pool.QueryRow(ctx, `
		UPDATE payment_transactions SET
			version = version + 1,
			original_amount = $3::numeric, interest = $4::numeric, penalty = $5::numeric,
			discount = $6::numeric, fees = $7::numeric, final_amount = $8::numeric,
			provider_payment_id = $9, instructions = $10::jsonb,
			status = $11, webhook_received = $12, webhook_log = $13::jsonb,
			reconcile_attempts = $14, last_polled_at = $15, stalled = $16,
			sync_state = $17, sync_attempts = $18, audit_log = $19::jsonb,
			updated_at = $20, processed_at = $21, confirmed_at = $22, canceled_at = $23
		WHERE id::text = $1 AND version = $2
		RETURNING version`,
		tx.ID, tx.Version,
		row.original, row.interest, row.penalty, row.discount, row.fees, row.final,
		nullable(tx.ProviderPaymentID), row.instructions,
		tx.Status, tx.WebhookReceived, row.webhookLog,
		tx.ReconcileAttempts, tx.LastPolledAt, tx.Stalled,
		tx.SyncState, tx.SyncAttempts, row.auditLog,
		tx.UpdatedAt, tx.ProcessedAt, tx.ConfirmedAt, tx.CanceledAt,
	).Scan(&newVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM payment_transactions WHERE id::text = $1)`, tx.ID).Scan(&exists); qerr != nil {
			return fmt.Errorf("check transaction %s: %w", tx.ID, qerr)
		}
		if !exists {
			return &domain.ErrNotFound{Resource: "transaction", ID: tx.ID}
		}
		return &domain.ErrConflict{Resource: "transaction", ID: tx.ID, Version: tx.Version}
	}
	if err != nil {
		return mapWriteError(err, tx)
	}
	tx.Version = newVersion
	return nil
}

// AppendWebhookLog adds entry in place, whatever the current version, and
// bumps the version so an in-flight Update conflicts.
func (p *Postgres) AppendWebhookLog(ctx context.Context, id string, entry domain.WebhookLogEntry) error {
	ctx, span := tracer.Start(ctx, "Postgres.AppendWebhookLog")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode webhook log entry: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE payment_transactions SET
			version = version + 1,
			webhook_log = webhook_log || jsonb_build_array($2::jsonb),
			updated_at = $3
		WHERE id::text = $1`,
		id, string(raw), entry.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("append webhook log %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	return nil
}

// List returns matching transactions, oldest first.
func (p *Postgres) List(ctx context.Context, f port.TransactionFilter) ([]*domain.Transaction, error) {
	ctx, span := tracer.Start(ctx, "Postgres.List")
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.Providers) > 0 {
		add("provider = ANY($%d)", toStrings(f.Providers))
	}
	if len(f.SyncStates) > 0 {
		add("sync_state = ANY($%d)", toStrings(f.SyncStates))
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at > $%d", f.CreatedAfter)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore)
	}
	if !f.DueBefore.IsZero() {
		add("due_date < $%d", f.DueBefore)
	}
	if f.Stalled != nil {
		add("stalled = $%d", *f.Stalled)
	}
	if f.WithPaymentID {
		where = append(where, "provider_payment_id IS NOT NULL")
	}

	query := `SELECT ` + columns + ` FROM payment_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ============================================================
// Row mapping
// ============================================================

type encodedRow struct {
	original, interest, penalty, discount, fees, final string
	instructions, webhookLog, auditLog, fiscal         string
}

func toRow(tx *domain.Transaction) (*encodedRow, error) {
	instructions, err := json.Marshal(tx.Instructions)
	if err != nil {
		return nil, fmt.Errorf("encode instructions: %w", err)
	}
	webhookLog, err := json.Marshal(nonNil(tx.WebhookLog))
	if err != nil {
		return nil, fmt.Errorf("encode webhook log: %w", err)
	}
	auditLog, err := json.Marshal(nonNil(tx.AuditLog))
	if err != nil {
		return nil, fmt.Errorf("encode audit log: %w", err)
	}
	fiscal, err := json.Marshal(tx.Fiscal)
	if err != nil {
		return nil, fmt.Errorf("encode fiscal metadata: %w", err)
	}

	a := tx.Amounts
	return &encodedRow{
		original:     a.Original.String(),
		interest:     a.Interest.String(),
		penalty:      a.Penalty.String(),
		discount:     a.Discount.String(),
		fees:         a.Fees.String(),
		final:        a.Final.String(),
		instructions: string(instructions),
		webhookLog:   string(webhookLog),
		auditLog:     string(auditLog),
		fiscal:       string(fiscal),
	}, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx                                                 domain.Transaction
		id                                                 string
		original, interest, penalty, discount, fees, final string
		providerPaymentID                                  *string
		instructions, webhookLog, auditLog, fiscal         []byte
	)

	err := row.Scan(
		&id, &tx.Version, &tx.OriginType, &tx.OriginID,
		&original, &interest, &penalty, &discount, &fees, &final,
		&tx.Provider, &tx.Method, &providerPaymentID, &tx.Installments, &instructions,
		&tx.Description, &tx.PayerName, &tx.PayerDocument,
		&tx.Status, &tx.WebhookReceived, &webhookLog, &tx.ReconcileAttempts, &tx.LastPolledAt, &tx.Stalled,
		&tx.SyncState, &tx.SyncAttempts, &auditLog, &fiscal,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.DueDate, &tx.ProcessedAt, &tx.ConfirmedAt, &tx.CanceledAt,
	)
	if err != nil {
		return nil, err
	}
	tx.ID = id
	if providerPaymentID != nil {
		tx.ProviderPaymentID = *providerPaymentID
	}

	amounts := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{original, &tx.Amounts.Original},
		{interest, &tx.Amounts.Interest},
		{penalty, &tx.Amounts.Penalty},
		{discount, &tx.Amounts.Discount},
		{fees, &tx.Amounts.Fees},
		{final, &tx.Amounts.Final},
	}
	for _, a := range amounts {
		v, err := decimal.NewFromString(a.raw)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", a.raw, err)
		}
		*a.dst = v
	}

	if err := json.Unmarshal(instructions, &tx.Instructions); err != nil {
		return nil, fmt.Errorf("decode instructions: %w", err)
	}
	if err := json.Unmarshal(webhookLog, &tx.WebhookLog); err != nil {
		return nil, fmt.Errorf("decode webhook log: %w", err)
	}
	if err := json.Unmarshal(auditLog, &tx.AuditLog); err != nil {
		return nil, fmt.Errorf("decode audit log: %w", err)
	}
	if err := json.Unmarshal(fiscal, &tx.Fiscal); err != nil {
		return nil, fmt.Errorf("decode fiscal metadata: %w", err)
	}
	return &tx, nil
}

func mapWriteError(err error, tx *domain.Transaction) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "payment_transactions_pkey" {
			return &domain.ErrDuplicate{Key: "transaction " + tx.ID}
		}
		return &domain.ErrDuplicate{Key: "provider payment " + string(tx.Provider) + "|" + tx.ProviderPaymentID}
	}
	return fmt.Errorf("write transaction %s: %w", tx.ID, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func toStrings[T ~string](in []T) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}
