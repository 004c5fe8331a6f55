package contract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on a single-file SQLite database. Timestamps
// are stored as unix nanoseconds (due dates as unix seconds, matching the ledger).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps a database opened with db.OpenSQLite.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const sqliteRecordColumns = `address, variant, payer, payee, amount_wei, due_date, confirmed, paid, deploy_tx, confirmed_at, paid_at, created_at, updated_at`

func (s *SQLiteStore) Insert(ctx context.Context, rec Record) error {
	if rec.AmountWei == nil || rec.AmountWei.Sign() <= 0 {
		return fmt.Errorf("contract: insert %s: non-positive amount", rec.Address.Hex())
	}
	now := s.now().UnixNano()
	const insertSQL = `
		INSERT INTO escrow_contracts (address, variant, payer, payee, amount_wei, due_date, confirmed, paid, deploy_tx, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, insertSQL,
		rec.Address.Hex(),
		string(rec.Variant),
		rec.Payer.Hex(),
		rec.Payee.Hex(),
		rec.AmountWei.String(),
		unixSeconds(rec.DueDate),
		rec.Confirmed,
		rec.Paid,
		rec.DeployTx.Hex(),
		now,
		now,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateAddress
		}
		return fmt.Errorf("contract: insert %s: %w", rec.Address.Hex(), err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, address common.Address) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRecordColumns+` FROM escrow_contracts WHERE address = ?`, address.Hex())
	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("contract: get %s: %w", address.Hex(), err)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filters ListFilters) ([]Record, error) {
	filters = filters.normalized()
	query := `
		SELECT ` + sqliteRecordColumns + `
		FROM escrow_contracts
		WHERE (? = '' OR variant = ?)
		  AND (? = 0 OR paid = 0)
		ORDER BY created_at DESC, address
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(filters.Variant), string(filters.Variant),
		filters.Unpaid,
		filters.Limit, filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
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

func (s *SQLiteStore) MarkConfirmed(ctx context.Context, address common.Address) error {
	const updateSQL = `
		UPDATE escrow_contracts
		SET confirmed_at = COALESCE(confirmed_at, ?),
		    updated_at = CASE WHEN confirmed = 1 THEN updated_at ELSE ? END,
		    confirmed = 1
		WHERE address = ? AND variant = 'Conditional'
	`
	return s.markField(ctx, "confirmed", updateSQL, address)
}

func (s *SQLiteStore) MarkPaid(ctx context.Context, address common.Address) error {
	const updateSQL = `
		UPDATE escrow_contracts
		SET paid_at = COALESCE(paid_at, ?),
		    updated_at = CASE WHEN paid = 1 THEN updated_at ELSE ? END,
		    paid = 1
		WHERE address = ?
	`
	return s.markField(ctx, "paid", updateSQL, address)
}

func (s *SQLiteStore) markField(ctx context.Context, field, updateSQL string, address common.Address) error {
	now := s.now().UnixNano()
	res, err := s.db.ExecContext(ctx, updateSQL, now, now, address.Hex())
	if err != nil {
		return fmt.Errorf("contract: mark %s %s: %w", field, address.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contract: mark %s %s: rows affected: %w", field, address.Hex(), err)
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_contracts WHERE address = ?)`, address.Hex()).Scan(&exists); err != nil {
		return fmt.Errorf("contract: mark %s %s: check existence: %w", field, address.Hex(), err)
	}
	if exists {
		return ErrVariantMismatch
	}
	return ErrNotFound
}

func (s *SQLiteStore) SavePending(ctx context.Context, op PendingOp) error {
	const upsertSQL = `
		INSERT INTO ledger_operations (tx_hash, action, variant, address, payer, payee, amount_wei, due_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tx_hash) DO UPDATE SET attempts = attempts + 1
	`
	var amount *string
	if op.AmountWei != nil {
		v := op.AmountWei.String()
		amount = &v
	}
	_, err := s.db.ExecContext(ctx, upsertSQL,
		op.TxHash.Hex(),
		string(op.Action),
		string(op.Variant),
		optionalAddress(op.Address),
		optionalAddress(op.Payer),
		optionalAddress(op.Payee),
		amount,
		unixSeconds(op.DueDate),
		s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("contract: save pending %s: %w", op.TxHash.Hex(), err)
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]PendingOp, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `
		SELECT tx_hash, action, variant, COALESCE(address, ''), COALESCE(payer, ''), COALESCE(payee, ''),
		       COALESCE(amount_wei, ''), due_date, attempts, created_at
		FROM ledger_operations
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
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
			dueDate                             sql.NullInt64
			createdAt                           int64
		)
		if err := rows.Scan(&txHash, &action, &variant, &address, &payer, &payee, &amountDigits, &dueDate, &op.Attempts, &createdAt); err != nil {
			return nil, fmt.Errorf("contract: scan pending: %w", err)
		}
		op.TxHash = common.HexToHash(txHash)
		op.Action = Action(action)
		op.Variant = Variant(variant)
		op.Address = common.HexToAddress(address)
		op.Payer = common.HexToAddress(payer)
		op.Payee = common.HexToAddress(payee)
		op.DueDate = fromUnixSeconds(dueDate)
		op.CreatedAt = time.Unix(0, createdAt).UTC()
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

func (s *SQLiteStore) TouchPending(ctx context.Context, txHash common.Hash) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE ledger_operations SET attempts = attempts + 1 WHERE tx_hash = ? AND resolved_at IS NULL`, txHash.Hex()); err != nil {
		return fmt.Errorf("contract: touch pending %s: %w", txHash.Hex(), err)
	}
	return nil
}

func (s *SQLiteStore) ResolvePending(ctx context.Context, txHash common.Hash, outcome string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ledger_operations
		SET outcome = COALESCE(outcome, ?),
		    resolved_at = COALESCE(resolved_at, ?)
		WHERE tx_hash = ?
	`, outcome, s.now().UnixNano(), txHash.Hex())
	if err != nil {
		return fmt.Errorf("contract: resolve pending %s: %w", txHash.Hex(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("contract: resolve pending %s: rows affected: %w", txHash.Hex(), err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (Record, error) {
	var (
		rec                            Record
		address, variant, payer, payee string
		amountDigits, deployTx         string
		dueDate, confirmedAt, paidAt   sql.NullInt64
		createdAt, updatedAt           int64
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
		&createdAt,
		&updatedAt,
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
	rec.DueDate = fromUnixSeconds(dueDate)
	rec.ConfirmedAt = fromUnixNanos(confirmedAt)
	rec.PaidAt = fromUnixNanos(paidAt)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return rec, nil
}

// isDuplicate matches both extended and primary constraint result codes; the
// primary code is shared with CHECK failures so the message disambiguates.
func isDuplicate(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqlErr.Error(), "UNIQUE constraint failed")
	}
	return false
}

func unixSeconds(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func fromUnixSeconds(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func fromUnixNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
