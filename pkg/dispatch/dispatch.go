package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"imagebot/pkg/artifact"
	"imagebot/pkg/chat"
	"imagebot/pkg/generate"
	"imagebot/pkg/idempotency"
	"imagebot/pkg/observability"
	"imagebot/pkg/queue"
)

// Outcome summarizes how one delivery was handled.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"   // transient failure, left for redelivery
	OutcomeDuplicate Outcome = "duplicate" // job already terminal, delivery was a no-op
	OutcomeDeferred  Outcome = "deferred"  // claimed elsewhere or infra unavailable
)

const thumbnailWidth = 512

// Dispatcher drives one delivered envelope through claim, generate, post and
// commit. It is safe for concurrent use by many goroutines and many worker
// instances: all coordination happens through the idempotency store's atomic
// claim, never through in-process locking.
type Dispatcher struct {
	Store     idempotency.Store
	Generator generate.Generator
	Uploader  artifact.Uploader
	Poster    chat.Poster
	Logger    *slog.Logger

	// Owner identifies this worker instance in claim records.
	Owner string
	// Lease bounds how long a claim may sit IN_PROGRESS before a crash is
	// assumed and the fingerprint becomes re-claimable.
	Lease time.Duration
	// MaxAttempts converts repeated transient generation failures into a
	// terminal failure instead of retrying forever.
	MaxAttempts int
}

// Handle processes one delivery and acknowledges it according to the outcome.
// The terminal-state write and the queue acknowledgment together define the
// point past which any redelivery is a no-op.
func (d *Dispatcher) Handle(ctx context.Context, del queue.Delivery) Outcome {
	env := del.Envelope
	fp := env.Fingerprint
	l := d.Logger.With("fingerprint", fp, "delivery_attempt", del.Attempt)

	res, err := d.Store.Claim(ctx, fp, d.Owner, d.Lease)
	if err != nil {
		l.Error("failed to claim job", "error", err)
		del.Nack() // store unavailable, let the queue retry
		return OutcomeDeferred
	}
	if !res.Won {
		return d.handleLostClaim(ctx, l, del, res.Record)
	}

	rec := res.Record
	l.Info("job claimed", "claim_attempt", rec.Attempts)

	// A re-claimed record may already carry the artifact from an attempt that
	// crashed after generating but before posting. Never generate twice.
	resultRef := rec.ResultRef
	var failureReason string

	if resultRef == "" {
		var stopped Outcome
		resultRef, failureReason, stopped = d.generateAndUpload(ctx, l, del)
		if stopped != "" {
			return stopped
		}
	} else {
		l.Info("reusing artifact from a previous attempt", "result_ref", resultRef)
	}

	return d.postAndCommit(ctx, l, del, resultRef, failureReason)
}

// handleLostClaim resolves a delivery whose fingerprint is owned elsewhere or
// already terminal.
func (d *Dispatcher) handleLostClaim(ctx context.Context, l *slog.Logger, del queue.Delivery, rec idempotency.Record) Outcome {
	fp := del.Envelope.Fingerprint
	if !rec.State.Terminal() {
		// Another worker holds a fresh lease. Do not duplicate its work;
		// the queue will redeliver after backoff in case it crashes.
		l.Info("job in progress elsewhere, deferring", "owner", rec.Owner)
		del.Nack()
		return OutcomeDeferred
	}

	observability.DuplicateDeliveries.Inc()
	if !rec.Posted {
		// A crash landed between posting and confirmation. Re-post the stored
		// result: a rare duplicate post beats a silently dropped one.
		l.Info("terminal job with unconfirmed post, re-posting stored result")
		if err := d.Poster.Post(ctx, del.Envelope.Payload.ChannelRef, resultFromRecord(rec)); err != nil {
			l.Warn("re-post failed, deferring", "error", err)
			del.Nack()
			return OutcomeDeferred
		}
		if err := d.Store.MarkPosted(ctx, fp); err != nil {
			l.Warn("failed to confirm re-post", "error", err)
		}
	}
	l.Info("duplicate delivery of terminal job", "state", rec.State)
	del.Ack()
	return OutcomeDuplicate
}

// generateAndUpload invokes the generation capability and stores the artifact.
// It returns a resultRef (success) or a failureReason (permanent error); a
// non-empty Outcome means the delivery was already resolved (transient error
// released for retry, or claim lost) and Handle should stop.
func (d *Dispatcher) generateAndUpload(ctx context.Context, l *slog.Logger, del queue.Delivery) (string, string, Outcome) {
	env := del.Envelope
	fp := env.Fingerprint

	timer := time.Now()
	art, err := d.Generator.Generate(ctx, env.Payload)
	observability.GenerationDuration.Observe(time.Since(timer).Seconds())

	if err != nil {
		if generate.IsPermanent(err) {
			l.Error("generation failed permanently", "error", err)
			return "", generate.Reason(err), ""
		}
		if del.Attempt >= d.MaxAttempts {
			l.Error("generation retries exhausted", "error", err, "max_attempts", d.MaxAttempts)
			return "", "the request kept failing and was abandoned", ""
		}
		l.Warn("transient generation failure, releasing for retry", "error", err)
		d.release(ctx, l, fp, err.Error())
		del.Nack()
		return "", "", OutcomeRetried
	}

	if thumb, err := artifact.Thumbnail(art.Data, thumbnailWidth); err != nil {
		l.Warn("thumbnail rendering failed, posting full artifact", "error", err)
	} else if _, err := d.Uploader.Upload(ctx, fp+":thumb", "image/jpeg", thumb); err != nil {
		l.Warn("thumbnail upload failed, posting full artifact", "error", err)
	}

	ref, err := d.Uploader.Upload(ctx, fp, art.MIME, art.Data)
	if err != nil {
		// Storage trouble is infra, not a job failure.
		l.Warn("artifact upload failed, releasing for retry", "error", err)
		d.release(ctx, l, fp, err.Error())
		del.Nack()
		return "", "", OutcomeRetried
	}

	if err := d.Store.SaveResult(ctx, fp, d.Owner, ref); err != nil {
		if errors.Is(err, idempotency.ErrLostClaim) {
			// Lease expired during a slow generation; whoever re-claimed owns
			// the job now and will regenerate.
			l.Warn("claim lost during generation, abandoning attempt")
			del.Ack()
			return "", "", OutcomeDeferred
		}
		l.Warn("failed to save result ref, releasing for retry", "error", err)
		d.release(ctx, l, fp, err.Error())
		del.Nack()
		return "", "", OutcomeRetried
	}
	return ref, "", ""
}

// postAndCommit posts the result, then moves the record to its terminal
// state. Posting strictly precedes the terminal write so a crash in between
// can only cause a duplicate post, never a dropped one.
func (d *Dispatcher) postAndCommit(ctx context.Context, l *slog.Logger, del queue.Delivery, resultRef, failureReason string) Outcome {
	fp := del.Envelope.Fingerprint

	result := chat.Result{Fingerprint: fp}
	state := idempotency.StateCompleted
	kind := "artifact"
	if failureReason != "" {
		result.FailureReason = failureReason
		state = idempotency.StateFailed
		kind = "failure"
	} else {
		result.ArtifactURL = resultRef
	}

	if err := d.Poster.Post(ctx, del.Envelope.Payload.ChannelRef, result); err != nil {
		l.Warn("result post failed, releasing for retry", "error", err)
		d.release(ctx, l, fp, err.Error())
		del.Nack()
		return OutcomeRetried
	}
	observability.PostsSent.WithLabelValues(kind).Inc()

	if err := d.Store.Finish(ctx, fp, d.Owner, state, resultRef, failureReason); err != nil {
		if errors.Is(err, idempotency.ErrLostClaim) {
			l.Warn("claim lost after posting, acknowledging anyway")
			del.Ack()
			return OutcomeDuplicate
		}
		// The post happened but the terminal write did not. Leave the
		// delivery unacked; the redelivery finds the saved result and
		// resolves through the re-post-if-unconfirmed path.
		l.Error("failed to commit terminal state", "error", err)
		del.Nack()
		return OutcomeDeferred
	}

	if err := del.Ack(); err != nil {
		l.Warn("ack failed after commit; redelivery will be a no-op", "error", err)
	}
	if state == idempotency.StateFailed {
		l.Info("job failed terminally", "reason", failureReason)
		return OutcomeFailed
	}
	l.Info("job completed", "result_ref", resultRef)
	return OutcomeCompleted
}

func (d *Dispatcher) release(ctx context.Context, l *slog.Logger, fp, reason string) {
	if err := d.Store.Release(ctx, fp, d.Owner, reason); err != nil && !errors.Is(err, idempotency.ErrLostClaim) {
		l.Warn("failed to release claim", "error", err)
	}
}

func resultFromRecord(rec idempotency.Record) chat.Result {
	res := chat.Result{Fingerprint: rec.Fingerprint}
	if rec.State == idempotency.StateCompleted {
		res.ArtifactURL = rec.ResultRef
	} else {
		res.FailureReason = rec.LastError
		if res.FailureReason == "" {
			res.FailureReason = "the request could not be completed"
		}
	}
	return res
}
