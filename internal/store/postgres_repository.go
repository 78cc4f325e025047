/**
 * @description
 * PostgreSQL implementation of Repository and LedgerTx.
 *
 * @notes
 * - Balance mutations only happen through pgLedgerTx, which runs on a single
 *   pgx.Tx opened by RunInTx.
 * - Account rows are always locked in ascending identity order so two
 *   transfers touching the same pair cannot deadlock each other.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
)

const uniqueViolation = "23505"

const accountColumns = `identity, display_name, community, local_balance, settlement_handle, deactivated_at, created_at, updated_at`

const transactionColumns = `id, external_id, from_identity, to_identity, amount, status, reverted,
	settlement_status, failure_reason, metadata, created_at, updated_at`

// PostgresRepository is the Postgres-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// RunInTx opens a read-committed transaction and hands fn a LedgerTx bound to it.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	var community string
	err := row.Scan(
		&account.Identity,
		&account.DisplayName,
		&community,
		&account.LocalBalance,
		&account.SettlementHandle,
		&account.DeactivatedAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	account.Community = domain.Community(community)
	return &account, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var txn domain.Transaction
	var status string
	var metadata []byte
	err := row.Scan(
		&txn.ID,
		&txn.ExternalID,
		&txn.FromIdentity,
		&txn.ToIdentity,
		&txn.Amount,
		&status,
		&txn.Reverted,
		&txn.SettlementStatus,
		&txn.FailureReason,
		&metadata,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	txn.Status = domain.TransferStatus(status)
	if len(metadata) > 0 {
		txn.Metadata = json.RawMessage(metadata)
	}
	return &txn, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// FindAccountByIdentity retrieves an account by its phone-number identity.
func (r *PostgresRepository) FindAccountByIdentity(ctx context.Context, identity string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identity = $1`
	account, err := scanAccount(r.db.QueryRow(ctx, query, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// CreateAccount inserts a new account with a zero balance and no settlement handle.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	query := `
		INSERT INTO accounts (identity, display_name, community, local_balance)
		VALUES ($1, $2, $3, 0)
		RETURNING ` + accountColumns
	created, err := scanAccount(r.db.QueryRow(ctx, query, account.Identity, account.DisplayName, string(account.Community)))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return created, nil
}

// UpdateAccountProfile changes display name and community. It is the only
// path that rewrites community after creation.
func (r *PostgresRepository) UpdateAccountProfile(ctx context.Context, identity, displayName string, community domain.Community) error {
	query := `
		UPDATE accounts
		SET display_name = COALESCE(NULLIF($2, ''), display_name),
		    community = $3,
		    updated_at = NOW()
		WHERE identity = $1
	`
	tag, err := r.db.Exec(ctx, query, identity, displayName, string(community))
	if err != nil {
		return fmt.Errorf("failed to update account profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// HasTransactions reports whether the identity appears on any transaction.
func (r *PostgresRepository) HasTransactions(ctx context.Context, identity string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transactions WHERE from_identity = $1 OR to_identity = $1
		)
	`
	if err := r.db.QueryRow(ctx, query, identity).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check transactions: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	txn, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

func (r *PostgresRepository) FindTransactionByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_id = $1`
	txn, err := scanTransaction(r.db.QueryRow(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return txn, nil
}

// ListPendingTransactions returns pending rows with an external id that were
// created before olderThan, oldest first.
func (r *PostgresRepository) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending' AND external_id IS NOT NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.listTransactions(ctx, query, olderThan, limit)
}

// ListUnreferencedPendingTransactions returns pending rows without an
// external id that were created before olderThan, oldest first.
func (r *PostgresRepository) ListUnreferencedPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending' AND external_id IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	return r.listTransactions(ctx, query, olderThan, limit)
}

// ListRevertFailedTransactions returns failed rows whose compensating revert never landed.
func (r *PostgresRepository) ListRevertFailedTransactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'failed' AND reverted = FALSE
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return r.listTransactions(ctx, query, limit)
}

func (r *PostgresRepository) listTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}
	return transactions, rows.Err()
}

func (r *PostgresRepository) FindIdempotencyRecord(ctx context.Context, token string) (*domain.IdempotencyRecord, error) {
	var record domain.IdempotencyRecord
	var resultStatus *string
	query := `
		SELECT token, transaction_id, fingerprint, result_status, created_at, completed_at
		FROM idempotency_keys
		WHERE token = $1
	`
	err := r.db.QueryRow(ctx, query, token).Scan(
		&record.Token,
		&record.TransactionID,
		&record.Fingerprint,
		&resultStatus,
		&record.CreatedAt,
		&record.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyNotFound
		}
		return nil, err
	}
	if resultStatus != nil {
		status := domain.TransferStatus(*resultStatus)
		record.ResultStatus = &status
	}
	return &record, nil
}

// CompleteIdempotencyRecord stores the result returned for the token. The
// first stored result wins.
func (r *PostgresRepository) CompleteIdempotencyRecord(ctx context.Context, token string, status domain.TransferStatus) error {
	query := `
		UPDATE idempotency_keys
		SET result_status = $2, completed_at = NOW()
		WHERE token = $1 AND result_status IS NULL
	`
	if _, err := r.db.Exec(ctx, query, token, string(status)); err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	return nil
}

// pgLedgerTx implements LedgerTx on an open pgx transaction.
type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) LockAccounts(ctx context.Context, identities ...string) (map[string]*domain.Account, error) {
	ordered := uniqueSorted(identities)
	accounts := make(map[string]*domain.Account, len(ordered))
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE identity = $1 FOR UPDATE`
	for _, identity := range ordered {
		account, err := scanAccount(t.tx.QueryRow(ctx, query, identity))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, identity)
			}
			return nil, fmt.Errorf("failed to lock account %s: %w", identity, err)
		}
		accounts[identity] = account
	}
	return accounts, nil
}

func (t *pgLedgerTx) AdjustBalance(ctx context.Context, identity string, delta int64) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET local_balance = local_balance + $2, updated_at = NOW()
		WHERE identity = $1
		RETURNING ` + accountColumns
	account, err := scanAccount(t.tx.QueryRow(ctx, query, identity, delta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to adjust balance for %s: %w", identity, err)
	}
	return account, nil
}

func (t *pgLedgerTx) SetSettlementHandle(ctx context.Context, identity, handle string) error {
	query := `UPDATE accounts SET settlement_handle = $2, updated_at = NOW() WHERE identity = $1`
	tag, err := t.tx.Exec(ctx, query, identity, handle)
	if err != nil {
		return fmt.Errorf("failed to set settlement handle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgLedgerTx) CountUnsettledTransactions(ctx context.Context, identity string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE (from_identity = $1 OR to_identity = $1)
		  AND (status = 'pending' OR (status = 'failed' AND reverted = FALSE))
	`
	if err := t.tx.QueryRow(ctx, query, identity).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unsettled transactions for %s: %w", identity, err)
	}
	return count, nil
}

func (t *pgLedgerTx) DeactivateAccount(ctx context.Context, identity string) (*domain.Account, error) {
	query := `
		UPDATE accounts
		SET deactivated_at = COALESCE(deactivated_at, NOW()), updated_at = NOW()
		WHERE identity = $1
		RETURNING ` + accountColumns
	account, err := scanAccount(t.tx.QueryRow(ctx, query, identity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to deactivate account %s: %w", identity, err)
	}
	return account, nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, external_id, from_identity, to_identity, amount, status, reverted, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
		RETURNING created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		txn.ID,
		txn.ExternalID,
		txn.FromIdentity,
		txn.ToIdentity,
		txn.Amount,
		string(txn.Status),
		txn.Reverted,
		nullableJSON(txn.Metadata),
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) LockTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	txn, err := scanTransaction(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to lock transaction %s: %w", id, err)
	}
	return txn, nil
}

func (t *pgLedgerTx) UpdateTransaction(ctx context.Context, id uuid.UUID, params UpdateTransactionParams) (*domain.Transaction, error) {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}
	query := `
		UPDATE transactions
		SET status = COALESCE($2, status),
		    reverted = COALESCE($3, reverted),
		    external_id = COALESCE($4, external_id),
		    settlement_status = COALESCE($5, settlement_status),
		    failure_reason = COALESCE($6, failure_reason),
		    metadata = COALESCE($7::jsonb, metadata),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + transactionColumns
	txn, err := scanTransaction(t.tx.QueryRow(ctx, query,
		id,
		status,
		params.Reverted,
		params.ExternalID,
		params.SettlementStatus,
		params.FailureReason,
		nullableJSON(params.Metadata),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		if isUniqueViolation(err) {
			return nil, ErrExternalIDConflict
		}
		return nil, fmt.Errorf("failed to update transaction %s: %w", id, err)
	}
	return txn, nil
}

func (t *pgLedgerTx) ReserveIdempotencyKey(ctx context.Context, record domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (token, transaction_id, fingerprint)
		VALUES ($1, $2, $3)
	`
	if _, err := t.tx.Exec(ctx, query, record.Token, record.TransactionID, record.Fingerprint); err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyKeyExists
		}
		return fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) InsertBalanceGrant(ctx context.Context, grant *domain.BalanceGrant) error {
	// ON CONFLICT keeps the surrounding transaction usable when the grant
	// already exists.
	query := `
		INSERT INTO balance_grants (identity, amount, reason)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity, reason) DO NOTHING
		RETURNING id, created_at
	`
	err := t.tx.QueryRow(ctx, query, grant.Identity, grant.Amount, grant.Reason).Scan(&grant.ID, &grant.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGrantExists
		}
		return fmt.Errorf("failed to insert balance grant: %w", err)
	}
	return nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// nullableJSON renders metadata as text so it binds to jsonb under the
// simple query protocol.
func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	s := string(raw)
	return &s
}
