// Package budget tracks estimated token consumption per (provider, model)
// pair. The counter is advisory, not billing-accurate: estimates are derived
// from payload character length. State lives in a single JSON document
// replaced atomically, so the next worker spawn sees the running totals.
package budget

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// charsPerToken is the coarse character-to-token ratio used for estimates.
const charsPerToken = 4

// Ledger is the on-disk usage counter. Single-writer-per-key by process
// topology; the mutex only guards concurrent use within one process.
type Ledger struct {
	path string
	mu   sync.Mutex
}

// document is the persisted shape: optional budgets and accumulated usage,
// both keyed by "provider:model".
type document struct {
	Budgets map[string]int64 `json:"budgets"`
	Used    map[string]int64 `json:"used"`
}

// NewLedger creates a ledger persisted at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path}
}

// EstimateTokens converts payload text to a coarse token estimate.
func EstimateTokens(payload string) int64 {
	return TokensForChars(int64(len(payload)))
}

// TokensForChars converts a raw character count to the token estimate used
// throughout the ledger. Non-empty input never rounds down to zero.
func TokensForChars(chars int64) int64 {
	if chars <= 0 {
		return 0
	}
	if n := chars / charsPerToken; n > 0 {
		return n
	}
	return 1
}

// RecordUsage adds estimatedTokens to the counter for (provider, model) and
// persists the document with an atomic rename.
func (l *Ledger) RecordUsage(provider, model string, estimatedTokens int64) error {
	if estimatedTokens <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	doc.Used[key(provider, model)] += estimatedTokens
	return l.save(doc)
}

// Used returns the accumulated estimate for (provider, model).
func (l *Ledger) Used(provider, model string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return 0, err
	}
	return doc.Used[key(provider, model)], nil
}

// SetBudget records an advisory budget for (provider, model).
func (l *Ledger) SetBudget(provider, model string, budget int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	doc.Budgets[key(provider, model)] = budget
	return l.save(doc)
}

// Snapshot returns a copy of budgets and usage for status reporting.
func (l *Ledger) Snapshot() (budgets, used map[string]int64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return nil, nil, err
	}
	budgets = make(map[string]int64, len(doc.Budgets))
	for k, v := range doc.Budgets {
		budgets[k] = v
	}
	used = make(map[string]int64, len(doc.Used))
	for k, v := range doc.Used {
		used[k] = v
	}
	return budgets, used, nil
}

func (l *Ledger) load() (*document, error) {
	doc := &document{
		Budgets: make(map[string]int64),
		Used:    make(map[string]int64),
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return doc, nil
		}
		return nil, fmt.Errorf("reading budget ledger: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("decoding budget ledger: %w", err)
	}
	if doc.Budgets == nil {
		doc.Budgets = make(map[string]int64)
	}
	if doc.Used == nil {
		doc.Used = make(map[string]int64)
	}
	return doc, nil
}

func (l *Ledger) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".budget-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, l.path)
}

func key(provider, model string) string {
	return provider + ":" + model
}
