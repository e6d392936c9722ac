package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vitwit/cryptopay/audit"
	"github.com/vitwit/cryptopay/types"
)

//go:embed schema.sql
var schemaSQL string

// ledgerLockKey serializes ledger appends across every process sharing the
// database.
const ledgerLockKey int64 = 0x6372797074617564

const pgUniqueViolation = "23505"

const intentColumns = `id, fiat_amount::text, fiat_currency, crypto_amount::text, crypto_currency,
	network, provider, status, tx_reference, audit_hash, created_at, updated_at`

// PostgresStore persists intents and the ledger in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ IntentStore = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// EnsureSchema creates the tables and indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func (s *PostgresStore) Create(ctx context.Context, p *types.PaymentIntent) error {
	if p.ID == "" {
		return types.NewError(types.ErrInvalidRequest, "intent id required")
	}
	if p.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "intents cannot be created in a terminal status")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_intents (
			id, fiat_amount, fiat_currency, crypto_amount, crypto_currency,
			network, provider, status, tx_reference, audit_hash, created_at, updated_at
		) VALUES ($1, $2::numeric, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.FiatAmount.String(), p.FiatCurrency, p.CryptoAmount.String(), p.CryptoCurrency,
		string(p.Network), p.Provider, string(p.Status), p.TxReference, p.AuditHash, p.CreatedAt, p.UpdatedAt,
	)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == "payment_intents_reference_uq" {
			return types.ErrReferenceUsed
		}
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("intent %s already exists", p.ID))
	}
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	return nil
}

func scanIntent(row pgx.Row) (*types.PaymentIntent, error) {
	var (
		p              types.PaymentIntent
		fiat, crypto   string
		network, state string
	)
	err := row.Scan(
		&p.ID, &fiat, &p.FiatCurrency, &crypto, &p.CryptoCurrency,
		&network, &p.Provider, &state, &p.TxReference, &p.AuditHash, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if p.FiatAmount, err = decimal.NewFromString(fiat); err != nil {
		return nil, fmt.Errorf("fiat amount %q: %w", fiat, err)
	}
	if p.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
		return nil, fmt.Errorf("crypto amount %q: %w", crypto, err)
	}
	p.Network = types.Network(network)
	p.Status = types.IntentStatus(state)
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *PostgresStore) queryIntents(ctx context.Context, query string, args ...any) ([]*types.PaymentIntent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*types.PaymentIntent, error) {
	p, err := scanIntent(s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) FindPending(ctx context.Context, network types.Network, asset string) ([]*types.PaymentIntent, error) {
	return s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE network = $1 AND crypto_currency = $2
		  AND (status = $3 OR (status = $4 AND tx_reference IS NULL))
		ORDER BY created_at, id`,
		string(network), asset, string(types.StatusAwaitingPayment), string(types.StatusPending))
}

func (s *PostgresStore) FindByReference(ctx context.Context, network types.Network, reference string) (*types.PaymentIntent, error) {
	p, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM payment_intents WHERE network = $1 AND tx_reference = $2`,
		string(network), reference))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) FindRetryable(ctx context.Context) ([]*types.PaymentIntent, error) {
	return s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status = $1 AND tx_reference IS NOT NULL
		ORDER BY created_at, id`,
		string(types.StatusPending))
}

func (s *PostgresStore) FindStale(ctx context.Context, cutoff time.Time) ([]*types.PaymentIntent, error) {
	return s.queryIntents(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status IN ($1, $2) AND created_at < $3
		ORDER BY created_at, id`,
		string(types.StatusAwaitingPayment), string(types.StatusPending), cutoff)
}

// lockIntent loads an intent inside tx and holds its row lock until commit.
func lockIntent(ctx context.Context, tx pgx.Tx, id string) (*types.PaymentIntent, error) {
	p, err := scanIntent(tx.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	return p, err
}

func checkRebind(p *types.PaymentIntent, reference *string) error {
	if reference == nil || p.TxReference == nil || sameRef(p.TxReference, reference) {
		return nil
	}
	return types.NewError(types.ErrInvalidTransition,
		fmt.Sprintf("intent %s is already bound to %s", p.ID, *p.TxReference))
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status types.IntentStatus, reference *string) error {
	if status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "terminal statuses are written with the audit entry")
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		p, err := lockIntent(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := p.Status.CheckTransition(status); err != nil {
			return err
		}
		if err := checkRebind(p, reference); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE payment_intents
			SET status = $2, tx_reference = COALESCE($3, tx_reference), updated_at = $4
			WHERE id = $1`,
			id, string(status), reference, s.now().UTC())
		if _, ok := uniqueViolation(err); ok {
			return types.ErrReferenceUsed
		}
		return err
	})
}

func (s *PostgresStore) MostRecentAuditHash(ctx context.Context) (string, error) {
	return mostRecentHash(ctx, s.pool)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mostRecentHash(ctx context.Context, q querier) (string, error) {
	var h string
	err := q.QueryRow(ctx, `SELECT hash FROM audit_ledger ORDER BY sequence DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return h, err
}

// AppendAuditHash finalizes the intent and appends its ledger entry in one
// transaction, holding a transaction-scoped advisory lock over the head.
func (s *PostgresStore) AppendAuditHash(ctx context.Context, entry types.LedgerEntry) error {
	if !entry.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidTransition, "only terminal statuses are committed")
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
			return fmt.Errorf("lock ledger: %w", err)
		}

		head, err := mostRecentHash(ctx, tx)
		if err != nil {
			return fmt.Errorf("read head: %w", err)
		}
		if head == "" {
			head = audit.GenesisHash
		}
		if entry.PrevHash != head {
			return types.ErrFinalizationConflict
		}

		p, err := lockIntent(ctx, tx, entry.IntentID)
		if err != nil {
			return err
		}
		if err := p.Status.CheckTransition(entry.Status); err != nil {
			return err
		}
		if err := checkRebind(p, entry.TxReference); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE payment_intents
			SET status = $2, tx_reference = COALESCE($3, tx_reference), audit_hash = $4, updated_at = $5
			WHERE id = $1`,
			entry.IntentID, string(entry.Status), entry.TxReference, entry.Hash, entry.CommittedAt)
		if _, ok := uniqueViolation(err); ok {
			return types.ErrReferenceUsed
		}
		if err != nil {
			return fmt.Errorf("finalize intent: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_ledger (
				intent_id, prev_hash, hash, fiat_amount, crypto_amount, status, tx_reference, created_at, committed_at
			) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9)`,
			entry.IntentID, entry.PrevHash, entry.Hash, entry.FiatAmount.String(), entry.CryptoAmount.String(),
			string(entry.Status), entry.TxReference, entry.CreatedAt, entry.CommittedAt)
		if _, ok := uniqueViolation(err); ok {
			return types.ErrFinalizationConflict
		}
		if err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Entries(ctx context.Context) ([]types.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence, intent_id, prev_hash, hash, fiat_amount::text, crypto_amount::text,
		       status, tx_reference, created_at, committed_at
		FROM audit_ledger ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.LedgerEntry
	for rows.Next() {
		var (
			e            types.LedgerEntry
			fiat, crypto string
			status       string
		)
		if err := rows.Scan(&e.Sequence, &e.IntentID, &e.PrevHash, &e.Hash, &fiat, &crypto,
			&status, &e.TxReference, &e.CreatedAt, &e.CommittedAt); err != nil {
			return nil, err
		}
		if e.FiatAmount, err = decimal.NewFromString(fiat); err != nil {
			return nil, err
		}
		if e.CryptoAmount, err = decimal.NewFromString(crypto); err != nil {
			return nil, err
		}
		e.Status = types.IntentStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		e.CommittedAt = e.CommittedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
