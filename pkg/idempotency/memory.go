package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store with the same claim semantics as the
// persistent implementations. Used by tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

func (m *Memory) Claim(_ context.Context, fingerprint, owner string, lease time.Duration) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.records[fingerprint]
	if !ok {
		rec = Record{
			Fingerprint:    fingerprint,
			State:          StateInProgress,
			Owner:          owner,
			Attempts:       1,
			LeaseExpiresAt: now.Add(lease),
			LastUpdatedAt:  now,
		}
		m.records[fingerprint] = rec
		return ClaimResult{Won: true, Record: rec}, nil
	}

	claimable := rec.State == StatePending ||
		(rec.State == StateInProgress && !rec.LeaseExpiresAt.After(now))
	if !claimable {
		return ClaimResult{Won: false, Record: rec}, nil
	}

	rec.State = StateInProgress
	rec.Owner = owner
	rec.Attempts++
	rec.LeaseExpiresAt = now.Add(lease)
	rec.LastUpdatedAt = now
	m.records[fingerprint] = rec
	return ClaimResult{Won: true, Record: rec}, nil
}

func (m *Memory) SaveResult(_ context.Context, fingerprint, owner, resultRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	if !ok || rec.State != StateInProgress || rec.Owner != owner {
		return ErrLostClaim
	}
	rec.ResultRef = resultRef
	rec.LastUpdatedAt = time.Now()
	m.records[fingerprint] = rec
	return nil
}

func (m *Memory) Finish(_ context.Context, fingerprint, owner string, state State, resultRef, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("finish %s: %s is not a terminal state", fingerprint, state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	if !ok || rec.State != StateInProgress || rec.Owner != owner {
		return ErrLostClaim
	}
	rec.State = state
	if resultRef != "" {
		rec.ResultRef = resultRef
	}
	rec.Posted = true
	rec.LastError = reason
	rec.Owner = ""
	rec.LeaseExpiresAt = time.Time{}
	rec.LastUpdatedAt = time.Now()
	m.records[fingerprint] = rec
	return nil
}

func (m *Memory) MarkPosted(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	if !ok || !rec.State.Terminal() {
		return nil
	}
	rec.Posted = true
	rec.LastUpdatedAt = time.Now()
	m.records[fingerprint] = rec
	return nil
}

func (m *Memory) Release(_ context.Context, fingerprint, owner, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	if !ok || rec.State != StateInProgress || rec.Owner != owner {
		return ErrLostClaim
	}
	rec.State = StatePending
	rec.Owner = ""
	rec.LeaseExpiresAt = time.Time{}
	rec.LastError = reason
	rec.LastUpdatedAt = time.Now()
	m.records[fingerprint] = rec
	return nil
}

func (m *Memory) Get(_ context.Context, fingerprint string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fingerprint]
	return rec, ok, nil
}

// Put overwrites a record directly, letting tests stage crash scenarios such
// as an expired IN_PROGRESS lease or a terminal record with an unconfirmed post.
func (m *Memory) Put(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Fingerprint] = rec
}
