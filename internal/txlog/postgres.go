package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLog persists transaction records in PostgreSQL. The unique index on
// (kind, idem_ref) enforces the idempotency reference at the storage level,
// so two concurrent Begin calls for the same reference cannot both win.
type PostgresLog struct {
	db *pgxpool.Pool
}

// NewPostgresLog constructs a Postgres-backed transaction log.
func NewPostgresLog(db *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{db: db}
}

// Schema returns the DDL for the transaction log table. Applied by the
// deployment's migration step.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS tx_log (
    tx_id      BIGINT PRIMARY KEY,
    kind       TEXT NOT NULL,
    payer      TEXT NOT NULL DEFAULT '',
    payee      TEXT NOT NULL DEFAULT '',
    lines      JSONB NOT NULL,
    idem_ref   TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    reason     TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS tx_log_idem_ref_idx
    ON tx_log (kind, idem_ref) WHERE idem_ref <> '';`
}

// Begin writes the Initiated record ahead of the first cross-shard call.
func (l *PostgresLog) Begin(ctx context.Context, rec Record) error {
	lines, err := json.Marshal(rec.Lines)
	if err != nil {
		return fmt.Errorf("encode posting lines: %w", err)
	}

	const query = `
        INSERT INTO tx_log (tx_id, kind, payer, payee, lines, idem_ref, status, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, now())`
	if _, err := l.db.Exec(ctx, query, int64(rec.TxID), rec.Kind, rec.From, rec.To, lines, rec.IdemRef, StatusInitiated); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

// SetStatus records a saga step transition.
func (l *PostgresLog) SetStatus(ctx context.Context, txID uint64, status Status) error {
	tag, err := l.db.Exec(ctx, `UPDATE tx_log SET status = $2, updated_at = now() WHERE tx_id = $1`, int64(txID), status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finalize records the terminal status and failure reason, if any.
func (l *PostgresLog) Finalize(ctx context.Context, txID uint64, status Status, reason string) error {
	tag, err := l.db.Exec(ctx, `UPDATE tx_log SET status = $2, reason = $3, updated_at = now() WHERE tx_id = $1`, int64(txID), status, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `tx_id, kind, payer, payee, lines, idem_ref, status, reason, updated_at`

// Get returns the record for a transaction id.
func (l *PostgresLog) Get(ctx context.Context, txID uint64) (Record, error) {
	row := l.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM tx_log WHERE tx_id = $1`, int64(txID))
	return scanRecord(row)
}

// FindByIdemRef returns the record previously created under the idempotency
// reference.
func (l *PostgresLog) FindByIdemRef(ctx context.Context, kind Kind, idemRef string) (Record, error) {
	row := l.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM tx_log WHERE kind = $1 AND idem_ref = $2`, kind, idemRef)
	return scanRecord(row)
}

// InFlight lists non-terminal records, oldest first.
func (l *PostgresLog) InFlight(ctx context.Context) ([]Record, error) {
	rows, err := l.db.Query(ctx, `SELECT `+recordColumns+` FROM tx_log
        WHERE status NOT IN ($1, $2, $3) ORDER BY tx_id`,
		StatusCommitted, StatusAborted, StatusCompensatedAborted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec   Record
		txID  int64
		lines []byte
	)
	if err := row.Scan(&txID, &rec.Kind, &rec.From, &rec.To, &lines, &rec.IdemRef, &rec.Status, &rec.Reason, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.TxID = uint64(txID)
	if err := json.Unmarshal(lines, &rec.Lines); err != nil {
		return Record{}, fmt.Errorf("decode posting lines: %w", err)
	}
	return rec, nil
}

// LastTxID returns the highest recorded transaction id, or zero.
func (l *PostgresLog) LastTxID(ctx context.Context) (uint64, error) {
	var max int64
	if err := l.db.QueryRow(ctx, `SELECT COALESCE(MAX(tx_id), 0) FROM tx_log`).Scan(&max); err != nil {
		return 0, err
	}
	return uint64(max), nil
}
