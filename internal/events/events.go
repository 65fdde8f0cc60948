package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/kivu-pay/kivu_pay/internal/shard"
)

// Kind labels an outbound domain event.
type Kind string

const (
	KindTransferred       Kind = "transferred"
	KindMinted            Kind = "minted"
	KindBurned            Kind = "burned"
	KindTransactionFailed Kind = "transaction_failed"
)

// Event is emitted when a transaction reaches a terminal saga state.
type Event struct {
	Kind   Kind         `json:"kind"`
	TxID   uint64       `json:"tx_id"`
	From   string       `json:"from,omitempty"`
	To     string       `json:"to,omitempty"`
	Lines  []shard.Line `json:"lines,omitempty"`
	Reason string       `json:"reason,omitempty"`
	At     time.Time    `json:"at"`
}

// Publisher delivers domain events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LoggerPublisher writes events to the structured logger. It is the fallback
// when no broker is configured.
type LoggerPublisher struct {
	logger *slog.Logger
}

// NewLoggerPublisher constructs a logging publisher.
func NewLoggerPublisher(logger *slog.Logger) *LoggerPublisher {
	return &LoggerPublisher{logger: logger}
}

// Publish writes the event to the structured logger.
func (p *LoggerPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("ledger event",
		"kind", string(event.Kind),
		"tx_id", event.TxID,
		"from", event.From,
		"to", event.To,
		"reason", event.Reason,
	)
	return nil
}
