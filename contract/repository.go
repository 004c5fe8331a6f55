package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Querier is the subset of pgxpool.Pool used by PGStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	db Querier
}

// NewPGStore wires a pgx-backed store.
func NewPGStore(db Querier) *PGStore {
	return &PGStore{db: db}
}

const recordColumns = `address, variant, payer, payee, amount_wei::text, due_date, confirmed, paid, deploy_tx, confirmed_at, paid_at, created_at, updated_at`

// Insert writes a freshly deployed record.
func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	if rec.AmountWei == nil || rec.AmountWei.Sign() <= 0 {
		return fmt.Errorf("contract: insert %s: non-positive amount", rec.Address.Hex())
	}

	const insertSQL = `
		INSERT INTO escrow_contracts (address, variant, payer, payee, amount_wei, due_date, confirmed, paid, deploy_tx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, insertSQL,
		rec.Address.Hex(),
		string(rec.Variant),
		rec.Payer.Hex(),
		rec.Payee.Hex(),
		numeric(rec.AmountWei),
		rec.DueDate,
		rec.Confirmed,
		rec.Paid,
		rec.DeployTx.Hex(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateAddress
		}
		return fmt.Errorf("contract: insert %s: %w", rec.Address.Hex(), err)
	}
	return nil
}

// Get fetches the record for address.
func (s *PGStore) Get(ctx context.Context, address common.Address) (Record, error) {
	selectSQL := `SELECT ` + recordColumns + ` FROM escrow_contracts WHERE address = $1`

	rec, err := scanRecord(s.db.QueryRow(ctx, selectSQL, address.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("contract: get %s: %w", address.Hex(), err)
	}
	return rec, nil
}

// List returns records ordered by creation time, newest first.
func (s *PGStore) List(ctx context.Context, filters ListFilters) ([]Record, error) {
	filters = filters.normalized()

	query := `
		SELECT ` + recordColumns + `
		FROM escrow_contracts
		WHERE ($1 = '' OR variant = $1)
		  AND (NOT $2 OR NOT paid)
		ORDER BY created_at DESC, address
		LIMIT $3 OFFSET $4
	`
	rows, err := s.db.Query(ctx, query, string(filters.Variant), filters.Unpaid, filters.Limit, filters.Offset)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("contract: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate records: %w", err)
	}
	return records, nil
}

// MarkConfirmed sets confirmed on a Conditional record. Replays keep the
// first confirmation timestamp.
func (s *PGStore) MarkConfirmed(ctx context.Context, address common.Address) error {
	const updateSQL = `
		UPDATE escrow_contracts
		SET confirmed = TRUE,
		    confirmed_at = COALESCE(confirmed_at, now()),
		    updated_at = CASE WHEN confirmed THEN updated_at ELSE now() END
		WHERE address = $1 AND variant = 'Conditional'
	`
	return s.markField(ctx, "confirmed", updateSQL, address)
}

// MarkPaid sets the terminal paid flag. Replays keep the first paid timestamp.
func (s *PGStore) MarkPaid(ctx context.Context, address common.Address) error {
	const updateSQL = `
		UPDATE escrow_contracts
		SET paid = TRUE,
		    paid_at = COALESCE(paid_at, now()),
		    updated_at = CASE WHEN paid THEN updated_at ELSE now() END
		WHERE address = $1
	`
	return s.markField(ctx, "paid", updateSQL, address)
}

func (s *PGStore) markField(ctx context.Context, field, updateSQL string, address common.Address) error {
	tag, err := s.db.Exec(ctx, updateSQL, address.Hex())
	if err != nil {
		return fmt.Errorf("contract: mark %s %s: %w", field, address.Hex(), err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_contracts WHERE address = $1)`, address.Hex()).Scan(&exists); err != nil {
		return fmt.Errorf("contract: mark %s %s: check existence: %w", field, address.Hex(), err)
	}
	if exists {
		return ErrVariantMismatch
	}
	return ErrNotFound
}

// SavePending journals a submitted transaction. Saving the same hash twice
// bumps its attempt counter.
func (s *PGStore) SavePending(ctx context.Context, op PendingOp) error {
	const upsertSQL = `
		INSERT INTO ledger_operations (tx_hash, action, variant, address, payer, payee, amount_wei, due_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash) DO UPDATE
		SET attempts = ledger_operations.attempts + 1
	`
	var amount pgtype.Numeric
	if op.AmountWei != nil {
		amount = numeric(op.AmountWei)
	}
	_, err := s.db.Exec(ctx, upsertSQL,
		op.TxHash.Hex(),
		string(op.Action),
		string(op.Variant),
		optionalAddress(op.Address),
		optionalAddress(op.Payer),
		optionalAddress(op.Payee),
		amount,
		op.DueDate,
	)
	if err != nil {
		return fmt.Errorf("contract: save pending %s: %w", op.TxHash.Hex(), err)
	}
	return nil
}

// ListPending returns unresolved operations, oldest first.
func (s *PGStore) ListPending(ctx context.Context, limit int) ([]PendingOp, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT tx_hash, action, variant, COALESCE(address, ''), COALESCE(payer, ''), COALESCE(payee, ''),
		       COALESCE(amount_wei::text, ''), due_date, attempts, created_at
		FROM ledger_operations
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("contract: list pending: %w", err)
	}
	defer rows.Close()

	ops := []PendingOp{}
	for rows.Next() {
		var (
			op                                  PendingOp
			txHash, action, variant             string
			address, payer, payee, amountDigits string
		)
		if err := rows.Scan(&txHash, &action, &variant, &address, &payer, &payee, &amountDigits, &op.DueDate, &op.Attempts, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("contract: scan pending: %w", err)
		}
		op.TxHash = common.HexToHash(txHash)
		op.Action = Action(action)
		op.Variant = Variant(variant)
		op.Address = common.HexToAddress(address)
		op.Payer = common.HexToAddress(payer)
		op.Payee = common.HexToAddress(payee)
		if amountDigits != "" {
			amount, ok := new(big.Int).SetString(amountDigits, 10)
			if !ok {
				return nil, fmt.Errorf("contract: pending %s: malformed amount %q", txHash, amountDigits)
			}
			op.AmountWei = amount
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate pending: %w", err)
	}
	return ops, nil
}

// TouchPending records one more unsuccessful resolution attempt.
func (s *PGStore) TouchPending(ctx context.Context, txHash common.Hash) error {
	if _, err := s.db.Exec(ctx, `UPDATE ledger_operations SET attempts = attempts + 1 WHERE tx_hash = $1 AND resolved_at IS NULL`, txHash.Hex()); err != nil {
		return fmt.Errorf("contract: touch pending %s: %w", txHash.Hex(), err)
	}
	return nil
}

// ResolvePending closes a journaled operation; resolving twice keeps the first outcome.
func (s *PGStore) ResolvePending(ctx context.Context, txHash common.Hash, outcome string) error {
	const updateSQL = `
		UPDATE ledger_operations
		SET outcome = COALESCE(outcome, $2),
		    resolved_at = COALESCE(resolved_at, now())
		WHERE tx_hash = $1
	`
	tag, err := s.db.Exec(ctx, updateSQL, txHash.Hex(), outcome)
	if err != nil {
		return fmt.Errorf("contract: resolve pending %s: %w", txHash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                            Record
		address, variant, payer, payee string
		amountDigits, deployTx         string
		dueDate, confirmedAt, paidAt   *time.Time
	)
	err := row.Scan(
		&address,
		&variant,
		&payer,
		&payee,
		&amountDigits,
		&dueDate,
		&rec.Confirmed,
		&rec.Paid,
		&deployTx,
		&confirmedAt,
		&paidAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	amount, ok := new(big.Int).SetString(amountDigits, 10)
	if !ok {
		return Record{}, fmt.Errorf("malformed amount %q for %s", amountDigits, address)
	}
	rec.Address = common.HexToAddress(address)
	rec.Variant = Variant(variant)
	rec.Payer = common.HexToAddress(payer)
	rec.Payee = common.HexToAddress(payee)
	rec.AmountWei = amount
	rec.DeployTx = common.HexToHash(deployTx)
	rec.DueDate = dueDate
	rec.ConfirmedAt = confirmedAt
	rec.PaidAt = paidAt
	return rec, nil
}

func numeric(v *big.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

func optionalAddress(a common.Address) *string {
	if a == (common.Address{}) {
		return nil
	}
	s := a.Hex()
	return &s
}
