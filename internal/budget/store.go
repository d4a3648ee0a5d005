package budget

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the persistence contract for the transaction ledger. Appends must
// be atomic per store; the Manager additionally serializes its own
// read-modify-write sequences.
type Store interface {
	Append(ctx context.Context, tx Transaction) error
	ListAll(ctx context.Context) ([]Transaction, error)
	ListSince(ctx context.Context, since time.Time) ([]Transaction, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps the ledger in process memory. Used in tests and when no
// database is configured.
type MemoryStore struct {
	mu  sync.Mutex
	txs []Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Transaction, error) {
	return s.ListSince(ctx, time.Time{})
}

func (s *MemoryStore) ListSince(ctx context.Context, since time.Time) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		if !tx.Timestamp.Before(since) {
			out = append(out, tx)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.txs[:0]
	removed := 0
	for _, tx := range s.txs {
		if tx.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, tx)
	}
	s.txs = kept
	return removed, nil
}
