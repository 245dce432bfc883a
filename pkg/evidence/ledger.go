// Package evidence is the immutable append-only ledger backing patch
// evidence records, detection findings and ticket evidence. Every entry is
// hash-chained to its predecessor; Verify walks the full chain.
package evidence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/warden/pkg/canonicalize"
)

// Entry categories written by the cores.
const (
	EntryPatchEvidence        = "patch_evidence"
	EntryFinding              = "finding"
	EntryTicketEvidence       = "ticket_evidence"
	EntrySuppression          = "suppression_audit"
	EntryComplianceAssessment = "compliance_assessment"
	EntryAuditBundle          = "audit_bundle"
)

// genesisHash seeds the chain before any entry exists.
const genesisHash = "genesis"

// Entry is one immutable, hash-chained ledger record.
type Entry struct {
	Sequence    uint64         `json:"sequence"`
	EntryType   string         `json:"entry_type"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	RecordedAt  time.Time      `json:"recorded_at"`
	Author      string         `json:"author,omitempty"`
	Data        map[string]any `json:"data"`
}

// Persister mirrors appended entries to durable storage.
type Persister interface {
	SaveEntry(ctx context.Context, e Entry) error
	LoadEntries(ctx context.Context) ([]Entry, error)
}

// Ledger is the append-only, hash-chained log.
type Ledger struct {
	mu        sync.RWMutex
	entries   []Entry
	headHash  string
	persister Persister
	clock     func() time.Time
	// byHash provides idempotent lookup: re-appending identical content
	// returns the existing entry instead of growing the chain.
	byHash map[string]uint64
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		headHash: genesisHash,
		clock:    time.Now,
		byHash:   make(map[string]uint64),
	}
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithPersister attaches durable storage; appends are written through.
func (l *Ledger) WithPersister(p Persister) *Ledger {
	l.persister = p
	return l
}

// Load replaces the chain from the persister and verifies it.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	entries, err := l.persister.LoadEntries(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	l.headHash = genesisHash
	l.byHash = make(map[string]uint64, len(entries))
	for _, e := range entries {
		l.headHash = e.ContentHash
		l.byHash[contentKey(e.EntryType, e.Data)] = e.Sequence
	}
	if ok, detail := l.verifyLocked(); !ok {
		return fmt.Errorf("evidence ledger corrupt: %s", detail)
	}
	return nil
}

// contentKey is the dedup key for idempotent appends: the canonical hash of
// (entry_type, data), independent of chain position.
func contentKey(entryType string, data map[string]any) string {
	h, err := canonicalize.Hash(map[string]any{"type": entryType, "data": data})
	if err != nil {
		return ""
	}
	return h
}

// Append adds an entry and returns it. Re-appending content already in the
// chain returns the existing entry unchanged, making retries safe.
func (l *Ledger) Append(ctx context.Context, entryType, author string, data map[string]any) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := contentKey(entryType, data)
	if key != "" {
		if seq, ok := l.byHash[key]; ok {
			existing := l.entries[seq-1]
			return &existing, nil
		}
	}

	seq := uint64(len(l.entries)) + 1
	contentHash, err := chainHash(seq, entryType, data, l.headHash)
	if err != nil {
		return nil, err
	}

	entry := Entry{
		Sequence:    seq,
		EntryType:   entryType,
		ContentHash: contentHash,
		PrevHash:    l.headHash,
		RecordedAt:  l.clock().UTC(),
		Author:      author,
		Data:        data,
	}

	if l.persister != nil {
		if err := l.persister.SaveEntry(ctx, entry); err != nil {
			return nil, fmt.Errorf("evidence persist: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	l.headHash = contentHash
	if key != "" {
		l.byHash[key] = seq
	}
	out := entry
	return &out, nil
}

func chainHash(seq uint64, entryType string, data map[string]any, prevHash string) (string, error) {
	h, err := canonicalize.Hash(map[string]any{
		"seq":  seq,
		"type": entryType,
		"data": data,
		"prev": prevHash,
	})
	if err != nil {
		return "", fmt.Errorf("evidence hash: %w", err)
	}
	return "sha256:" + h, nil
}

// Get returns the entry at a sequence number.
func (l *Ledger) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("entry %d not found", seq)
	}
	out := l.entries[seq-1]
	return &out, nil
}

// FindByField returns entries whose data field matches value, oldest first.
func (l *Ledger) FindByField(field string, value any) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.Data[field] == value {
			out = append(out, e)
		}
	}
	return out
}

// Head returns the current head hash.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headHash
}

// Length returns the number of entries.
func (l *Ledger) Length() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verify walks the whole chain, recomputing every hash.
func (l *Ledger) Verify() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked()
}

func (l *Ledger) verifyLocked() (bool, string) {
	prev := genesisHash
	for i, e := range l.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("chain broken at entry %d: expected prev %s, got %s", i+1, prev, e.PrevHash)
		}
		want, err := chainHash(e.Sequence, e.EntryType, e.Data, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("entry %d not hashable", i+1)
		}
		if e.ContentHash != want {
			return false, fmt.Sprintf("content hash mismatch at entry %d", i+1)
		}
		prev = e.ContentHash
	}
	return true, "ok"
}
