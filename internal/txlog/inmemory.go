package txlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type inMemoryLog struct {
	mu        sync.RWMutex
	records   map[uint64]Record
	byIdemRef map[string]uint64
}

// NewInMemory creates a concurrency-safe in-memory transaction log, used in
// development and tests.
func NewInMemory() Log {
	return &inMemoryLog{
		records:   make(map[uint64]Record),
		byIdemRef: make(map[string]uint64),
	}
}

func idemKey(kind Kind, idemRef string) string {
	return string(kind) + ":" + idemRef
}

func (l *inMemoryLog) Begin(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.IdemRef != "" {
		if _, exists := l.byIdemRef[idemKey(rec.Kind, rec.IdemRef)]; exists {
			return ErrDuplicateTransaction
		}
	}

	rec.Status = StatusInitiated
	rec.UpdatedAt = time.Now().UTC()
	l.records[rec.TxID] = rec
	if rec.IdemRef != "" {
		l.byIdemRef[idemKey(rec.Kind, rec.IdemRef)] = rec.TxID
	}
	return nil
}

func (l *inMemoryLog) SetStatus(_ context.Context, txID uint64, status Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[txID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	l.records[txID] = rec
	return nil
}

func (l *inMemoryLog) Finalize(_ context.Context, txID uint64, status Status, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[txID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	l.records[txID] = rec
	return nil
}

func (l *inMemoryLog) Get(_ context.Context, txID uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[txID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (l *inMemoryLog) FindByIdemRef(_ context.Context, kind Kind, idemRef string) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	txID, ok := l.byIdemRef[idemKey(kind, idemRef)]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, ok := l.records[txID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (l *inMemoryLog) InFlight(_ context.Context) ([]Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, rec := range l.records {
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

func (l *inMemoryLog) LastTxID(_ context.Context) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var max uint64
	for txID := range l.records {
		if txID > max {
			max = txID
		}
	}
	return max, nil
}
