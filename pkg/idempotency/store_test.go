package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestClaimCreatesInProgress(t *testing.T) {
	s := NewMemory()
	res, err := s.Claim(context.Background(), "msg1:generate", "worker-a", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Won {
		t.Fatal("first claim should win")
	}
	if res.Record.State != StateInProgress || res.Record.Owner != "worker-a" || res.Record.Attempts != 1 {
		t.Fatalf("unexpected record: %+v", res.Record)
	}
}

func TestClaimLosesWhileLeaseFresh(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if res, _ := s.Claim(ctx, "msg1:generate", "worker-a", time.Minute); !res.Won {
		t.Fatal("setup claim failed")
	}
	res, err := s.Claim(ctx, "msg1:generate", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Won {
		t.Fatal("second claim must lose while the first lease is fresh")
	}
	if res.Record.Owner != "worker-a" {
		t.Fatalf("loser should observe current owner, got %q", res.Record.Owner)
	}
}

func TestClaimRecoversExpiredLease(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	if res, _ := s.Claim(ctx, "msg1:generate", "worker-a", 10*time.Millisecond); !res.Won {
		t.Fatal("setup claim failed")
	}
	time.Sleep(20 * time.Millisecond)

	res, err := s.Claim(ctx, "msg1:generate", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Won {
		t.Fatal("expired lease must be re-claimable")
	}
	if res.Record.Owner != "worker-b" || res.Record.Attempts != 2 {
		t.Fatalf("unexpected record after recovery: %+v", res.Record)
	}
}

func TestTerminalStatesNeverRegress(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.Claim(ctx, "msg1:generate", "worker-a", time.Minute)
	if err := s.Finish(ctx, "msg1:generate", "worker-a", StateCompleted, "gs://bucket/msg1.png", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	res, err := s.Claim(ctx, "msg1:generate", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Won {
		t.Fatal("terminal record must not be re-claimable")
	}
	if res.Record.State != StateCompleted || !res.Record.Posted {
		t.Fatalf("unexpected terminal record: %+v", res.Record)
	}
	if err := s.Release(ctx, "msg1:generate", "worker-a", "late release"); err != ErrLostClaim {
		t.Fatalf("release after finish should report lost claim, got %v", err)
	}
}

func TestFinishThenGetRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.Claim(ctx, "msg7:generate", "worker-a", time.Minute)
	if err := s.Finish(ctx, "msg7:generate", "worker-a", StateCompleted, "gs://bucket/msg7.png", ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	rec, ok, err := s.Get(ctx, "msg7:generate")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.State != StateCompleted || rec.ResultRef != "gs://bucket/msg7.png" {
		t.Fatalf("round trip mismatch: %+v", rec)
	}
}

func TestReleaseAllowsImmediateReclaim(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.Claim(ctx, "msg1:generate", "worker-a", time.Minute)
	if err := s.Release(ctx, "msg1:generate", "worker-a", "generator timeout"); err != nil {
		t.Fatalf("release: %v", err)
	}
	res, err := s.Claim(ctx, "msg1:generate", "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !res.Won {
		t.Fatal("released record must be claimable without waiting for the lease")
	}
	if res.Record.LastError != "" && res.Record.LastError != "generator timeout" {
		t.Fatalf("unexpected last error: %q", res.Record.LastError)
	}
}

func TestOwnerGuardOnMutations(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	s.Claim(ctx, "msg1:generate", "worker-a", time.Minute)

	if err := s.SaveResult(ctx, "msg1:generate", "worker-b", "ref"); err != ErrLostClaim {
		t.Fatalf("SaveResult with wrong owner: got %v, want ErrLostClaim", err)
	}
	if err := s.Finish(ctx, "msg1:generate", "worker-b", StateFailed, "", "nope"); err != ErrLostClaim {
		t.Fatalf("Finish with wrong owner: got %v, want ErrLostClaim", err)
	}
}

// At most one concurrent claimant may win a fingerprint.
func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const claimants = 32
	var wg sync.WaitGroup
	wins := make(chan string, claimants)
	start := make(chan struct{})
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		owner := string(rune('a' + i%26))
		go func(owner string) {
			defer wg.Done()
			<-start
			res, err := s.Claim(ctx, "msg123:generate", owner, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if res.Won {
				wins <- owner
			}
		}(owner)
	}
	close(start)
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", len(winners), winners)
	}
}
