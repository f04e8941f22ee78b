package classroom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/shsh-classroom/internal/clock"
)

type fakePruner struct {
	errs  []error
	calls int
}

func (p *fakePruner) CleanupCallSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return 0, err
	}
	return 2, nil
}

func TestPruneWithRetryRetriesBusyDatabase(t *testing.T) {
	p := &fakePruner{errs: []error{errors.New("database is locked (5) (SQLITE_BUSY)")}}

	n, err := pruneWithRetry(context.Background(), p, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 2 || p.calls != 2 {
		t.Fatalf("n=%d calls=%d, want 2 and 2", n, p.calls)
	}
}

func TestPruneWithRetryStopsOnOtherErrors(t *testing.T) {
	p := &fakePruner{errs: []error{errors.New("no such table: call_sessions")}}

	if _, err := pruneWithRetry(context.Background(), p, time.Hour); err == nil {
		t.Fatal("expected error")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1", p.calls)
	}
}

func TestSweepClosesIdleAndPrunes(t *testing.T) {
	clk := &manualClock{now: time.Now()}
	reg := newTestRegistry(clk)
	defer reg.CloseAll()
	reg.Get("user1", "tab1")
	p := &fakePruner{}

	sweep(context.Background(), reg, p, SweepConfig{IdleTTL: time.Minute, CallRetention: time.Hour}, clk.Now().Add(2*time.Minute))

	if reg.Len() != 0 {
		t.Fatalf("Len = %d, want 0", reg.Len())
	}
	if p.calls != 1 {
		t.Fatalf("pruner calls = %d, want 1", p.calls)
	}

	sweep(context.Background(), newTestRegistry(clock.System{}), p, SweepConfig{IdleTTL: time.Minute}, time.Now())
	if p.calls != 1 {
		t.Fatal("zero retention must not prune")
	}
}
