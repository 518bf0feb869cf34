package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// KeyLease is a temporary claim on one target API key for the duration of
// a run. Commit or Reject must follow every successful Acquire.
type KeyLease struct {
	Label  string
	APIKey string
	keyRef *targetKeyState
}

// BudgetManager tracks per-key daily spend and request rate for the target
// key pool. Stub runs bypass it entirely.
type BudgetManager struct {
	mu            sync.Mutex
	keys          []*targetKeyState
	defaultRunUSD float64
}

type targetKeyState struct {
	Config          TargetKeyConfig
	DayKey          string
	SpentUSD        float64
	RequestsLastMin []time.Time
	ActiveRuns      int
}

func NewBudgetManager(cfg ServerConfig) *BudgetManager {
	manager := &BudgetManager{
		keys:          []*targetKeyState{},
		defaultRunUSD: cfg.Budget.DefaultRunBudgetUSD,
	}
	for _, key := range cfg.Keys.TargetKeys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(manager.keys)+1)
		}
		if item.DailyLimitUSD <= 0 {
			item.DailyLimitUSD = 25
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		manager.keys = append(manager.keys, &targetKeyState{Config: item})
	}
	return manager
}

// Acquire leases the key with the most remaining daily budget that can
// still cover the requested cap and is under its request rate.
func (m *BudgetManager) Acquire(budgetCapUSD float64) (KeyLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keys) == 0 {
		return KeyLease{}, errors.New("no target keys configured")
	}
	capUSD := budgetCapUSD
	if capUSD <= 0 {
		capUSD = m.defaultRunUSD
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*targetKeyState, 0, len(m.keys))
	for _, key := range m.keys {
		m.rollWindow(key, now, dayKey)
		remainingUSD := key.Config.DailyLimitUSD - key.SpentUSD
		if remainingUSD < capUSD {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all target keys are budget or rate limited")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyLimitUSD - candidates[i].SpentUSD
		rightRemain := candidates[j].Config.DailyLimitUSD - candidates[j].SpentUSD
		if leftRemain == rightRemain {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveRuns++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:  selected.Config.Label,
		APIKey: selected.Config.APIKey,
		keyRef: selected,
	}, nil
}

// Commit records the actual spend of a finished run against the leased key.
func (m *BudgetManager) Commit(lease KeyLease, spentUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	m.rollWindow(lease.keyRef, now, dayKey)
	if spentUSD > 0 {
		lease.keyRef.SpentUSD += spentUSD
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

// Reject releases a lease without charging it.
func (m *BudgetManager) Reject(lease KeyLease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (m *BudgetManager) rollWindow(state *targetKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.SpentUSD = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
