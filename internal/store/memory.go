package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/secured-finance/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices and maps. Used for
// testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu    sync.RWMutex
	fills []model.Fill
	rolls map[string]map[int64]model.AutoRollLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rolls: make(map[string]map[int64]model.AutoRollLog),
	}
}

func (s *MemoryStore) InsertFill(_ context.Context, fill *model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, *fill)
	return nil
}

func (s *MemoryStore) GetFillsByMarket(_ context.Context, currency string, maturity int64) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.Currency == currency && f.Maturity == maturity {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetFillsByUser(_ context.Context, user string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.Taker == user || f.Maker == user {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertAutoRollLog(_ context.Context, log *model.AutoRollLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMaturity, ok := s.rolls[log.Currency]
	if !ok {
		byMaturity = make(map[int64]model.AutoRollLog)
		s.rolls[log.Currency] = byMaturity
	}
	if _, exists := byMaturity[log.Maturity]; exists {
		return fmt.Errorf("auto-roll log for %s/%d already exists", log.Currency, log.Maturity)
	}
	byMaturity[log.Maturity] = *log
	return nil
}

func (s *MemoryStore) GetAutoRollLog(_ context.Context, currency string, maturity int64) (*model.AutoRollLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log, ok := s.rolls[currency][maturity]
	if !ok {
		return nil, fmt.Errorf("auto-roll log for %s/%d not found", currency, maturity)
	}
	copy := log
	return &copy, nil
}

func (s *MemoryStore) ListAutoRollLogs(_ context.Context, currency string) ([]model.AutoRollLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMaturity := s.rolls[currency]
	logs := make([]model.AutoRollLog, 0, len(byMaturity))
	for _, log := range byMaturity {
		logs = append(logs, log)
	}
	// Oldest roll first.
	sort.Slice(logs, func(i, j int) bool { return logs[i].Maturity < logs[j].Maturity })
	return logs, nil
}
