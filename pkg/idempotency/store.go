package idempotency

import (
	"context"
	"errors"
	"time"
)

// State of one logical job. A fingerprint moves PENDING -> IN_PROGRESS ->
// {COMPLETED, FAILED} and never regresses; the terminal states are
// posting-idempotent.
type State string

const (
	StatePending    State = "PENDING"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Record is the single source of truth for whether a job has already produced
// a user-visible effect.
type Record struct {
	Fingerprint    string
	State          State
	ResultRef      string
	Posted         bool
	Owner          string
	Attempts       int
	LastError      string
	LeaseExpiresAt time.Time
	LastUpdatedAt  time.Time
}

// ClaimResult reports whether the caller won exclusive ownership of the
// fingerprint. On a lost claim Record holds the current state so the caller
// can decide between deferring and treating the delivery as a duplicate.
type ClaimResult struct {
	Won    bool
	Record Record
}

// ErrLostClaim is returned by owner-guarded mutations when the caller no
// longer owns the record: its lease expired and another worker re-claimed.
var ErrLostClaim = errors.New("idempotency: claim lost to another owner")

// Store tracks job state keyed by fingerprint. All mutation goes through
// storage-side compare-and-set; no in-process locking is assumed, so multiple
// worker instances can share one store safely.
//
// The completion sequence is two-phase: SaveResult records the artifact while
// the job is still IN_PROGRESS (a crash before posting then never
// re-generates), and Finish sets the posted flag together with the terminal
// state only after the post is confirmed.
type Store interface {
	// Claim atomically reads-or-creates the record and takes ownership.
	// It wins on a missing record, a PENDING record, or an IN_PROGRESS
	// record whose lease has expired (crash recovery). It loses on a fresh
	// IN_PROGRESS record or a terminal one.
	Claim(ctx context.Context, fingerprint, owner string, lease time.Duration) (ClaimResult, error)

	// SaveResult stores the artifact reference for an IN_PROGRESS record
	// owned by owner.
	SaveResult(ctx context.Context, fingerprint, owner, resultRef string) error

	// Finish moves an owned IN_PROGRESS record to a terminal state and marks
	// it posted. A non-empty resultRef overrides any saved one; reason is
	// recorded for FAILED outcomes.
	Finish(ctx context.Context, fingerprint, owner string, state State, resultRef, reason string) error

	// MarkPosted confirms the post for a terminal record. Used when a
	// duplicate delivery re-posts a stored result whose original post was
	// never confirmed.
	MarkPosted(ctx context.Context, fingerprint string) error

	// Release reverts an owned IN_PROGRESS record to PENDING after a
	// transient failure so the next redelivery can re-claim immediately.
	Release(ctx context.Context, fingerprint, owner, reason string) error

	// Get returns the record, reporting whether it exists.
	Get(ctx context.Context, fingerprint string) (Record, bool, error)
}
