package txlog

import (
	"context"
	"errors"
	"time"

	"github.com/kivu-pay/kivu_pay/internal/shard"
)

var (
	// ErrNotFound indicates no record exists for the requested key.
	ErrNotFound = errors.New("transaction not found")

	// ErrDuplicateTransaction indicates the idempotency reference is already
	// taken; the caller should return the earlier record's cached result
	// instead of executing again.
	ErrDuplicateTransaction = errors.New("duplicate transaction")
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindTransfer Kind = "transfer"
	KindMint     Kind = "mint"
	KindBurn     Kind = "burn"
)

// Status is a saga state. A record is written before the first cross-shard
// call goes out, and updated before each step result is acted on, so a
// restart can resume from the last durable step.
type Status string

const (
	StatusInitiated          Status = "initiated"
	StatusDebitSent          Status = "debit_sent"
	StatusDebitConfirmed     Status = "debit_confirmed"
	StatusCreditSent         Status = "credit_sent"
	StatusCompensating       Status = "compensating"
	StatusCommitted          Status = "committed"
	StatusAborted            Status = "aborted"
	StatusCompensatedAborted Status = "compensated_aborted"
	StatusUnknown            Status = "unknown"
)

// Terminal reports whether the status is final. Terminal records are retained
// for idempotent replay; eviction is a tunable, not a correctness concern.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusAborted, StatusCompensatedAborted:
		return true
	default:
		return false
	}
}

// Record is one transaction log entry.
type Record struct {
	TxID      uint64
	Kind      Kind
	From      string
	To        string
	Lines     []shard.Line
	IdemRef   string
	Status    Status
	Reason    string
	UpdatedAt time.Time
}

// Result is the cached outcome handed back to callers, including on replay.
type Result struct {
	TxID   uint64 `json:"tx_id"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Result projects the record into its caller-visible outcome.
func (r Record) Result() Result {
	return Result{TxID: r.TxID, Status: r.Status, Reason: r.Reason}
}

// Log is the durable transaction record store backing idempotency and
// recovery.
type Log interface {
	// Begin writes the Initiated record ahead of any cross-shard call.
	// A non-empty idempotency reference already present for the same kind
	// fails with ErrDuplicateTransaction.
	Begin(ctx context.Context, rec Record) error
	// SetStatus records a saga step transition for an in-flight transaction.
	SetStatus(ctx context.Context, txID uint64, status Status) error
	// Finalize records the terminal status and failure reason, if any.
	Finalize(ctx context.Context, txID uint64, status Status, reason string) error
	// Get returns the record for a transaction id.
	Get(ctx context.Context, txID uint64) (Record, error)
	// FindByIdemRef returns the record previously created under the
	// idempotency reference, or ErrNotFound.
	FindByIdemRef(ctx context.Context, kind Kind, idemRef string) (Record, error)
	// InFlight lists non-terminal records, oldest first, for recovery.
	InFlight(ctx context.Context) ([]Record, error)
	// LastTxID returns the highest transaction id ever recorded, or zero.
	// The front door reseeds its monotonic counter from it on boot.
	LastTxID(ctx context.Context) (uint64, error)
}
