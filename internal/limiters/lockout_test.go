package limiters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type trackerHarness struct {
	tracker *Tracker
	mr      *miniredis.Miniredis
	now     time.Time
}

func newTrackerTest(t *testing.T) (*trackerHarness, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := &trackerHarness{mr: mr, now: time.Unix(1_700_000_000, 0)}
	h.tracker = NewTracker(rdb, Config{
		Threshold: 5,
		Tiers:     []time.Duration{15 * time.Second, time.Minute, 15 * time.Minute},
		Prefix:    "clk",
		Now:       func() time.Time { return h.now },
	})
	return h, func() {
		rdb.Close()
		mr.Close()
	}
}

func (h *trackerHarness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// fail records n failures and returns whether the last one tripped a block.
func (h *trackerHarness) fail(t *testing.T, addr string, n int) bool {
	t.Helper()
	var triggered bool
	for i := 0; i < n; i++ {
		var err error
		triggered, err = h.tracker.RecordFailure(context.Background(), addr)
		if err != nil {
			t.Fatalf("record failure %d: %v", i+1, err)
		}
	}
	return triggered
}

func TestNoBlockBelowThreshold(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	if triggered := h.fail(t, "10.0.0.1", 4); triggered {
		t.Fatal("block tripped below threshold")
	}

	blocked, _, _, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatal("address blocked below threshold")
	}

	status, err := h.tracker.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Failures != 4 || status.Level != 0 {
		t.Fatalf("expected 4 failures at level 0, got %+v", status)
	}
}

func TestBlockTripsAtThreshold(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	if triggered := h.fail(t, "10.0.0.1", 5); !triggered {
		t.Fatal("fifth failure did not trip the block")
	}

	blocked, retryAfter, permanent, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked || permanent {
		t.Fatalf("expected temporary block, got blocked=%v permanent=%v", blocked, permanent)
	}
	if retryAfter != 15*time.Second {
		t.Fatalf("expected 15s retry, got %s", retryAfter)
	}

	status, err := h.tracker.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Level != 1 || status.Failures != 0 {
		t.Fatalf("expected level 1 with counter reset, got %+v", status)
	}
}

func TestTierEscalation(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	trip := func(wantRetry time.Duration, wantPermanent bool) {
		t.Helper()
		if triggered := h.fail(t, "10.0.0.1", 5); !triggered {
			t.Fatal("threshold failure did not trip the block")
		}
		blocked, retryAfter, permanent, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("is blocked: %v", err)
		}
		if !blocked {
			t.Fatal("expected blocked address")
		}
		if permanent != wantPermanent {
			t.Fatalf("expected permanent=%v, got %v", wantPermanent, permanent)
		}
		if !wantPermanent && retryAfter != wantRetry {
			t.Fatalf("expected retry %s, got %s", wantRetry, retryAfter)
		}
	}

	trip(15*time.Second, false)
	h.advance(16 * time.Second)

	trip(time.Minute, false)
	h.advance(61 * time.Second)

	trip(15*time.Minute, false)
	h.advance(15*time.Minute + time.Second)

	// Past the last tier the block is permanent.
	trip(0, true)
	h.advance(240 * time.Hour)
	blocked, _, permanent, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked || !permanent {
		t.Fatal("permanent block lapsed without an explicit unblock")
	}
}

func TestLevelSurvivesBlockExpiry(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	h.fail(t, "10.0.0.1", 5)
	h.advance(16 * time.Second)

	blocked, _, _, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatal("expired block still enforced")
	}

	status, err := h.tracker.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Level != 1 {
		t.Fatalf("escalation level lost on expiry: %+v", status)
	}
	if status.Blocked || status.Failures != 0 {
		t.Fatalf("expected cleared counter after lazy expiry, got %+v", status)
	}
}

func TestSuccessPardonsFully(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	h.fail(t, "10.0.0.1", 5)
	h.advance(16 * time.Second)
	h.fail(t, "10.0.0.1", 3)

	if err := h.tracker.RecordSuccess(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("record success: %v", err)
	}

	status, err := h.tracker.Status(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != (Record{}) {
		t.Fatalf("expected empty record after pardon, got %+v", status)
	}

	// The next cycle starts from level zero again.
	h.fail(t, "10.0.0.1", 5)
	_, retryAfter, _, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if retryAfter != 15*time.Second {
		t.Fatalf("expected first-tier block after pardon, got retry %s", retryAfter)
	}
}

func TestUnblockClearsPermanentTier(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.fail(t, "10.0.0.1", 5)
		h.advance(24 * time.Hour)
	}

	blocked, _, permanent, err := h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if !blocked || !permanent {
		t.Fatalf("expected permanent block, got blocked=%v permanent=%v", blocked, permanent)
	}

	if err := h.tracker.Unblock(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	blocked, _, _, err = h.tracker.IsBlocked(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatal("address still blocked after explicit unblock")
	}
}

func TestAddressesTrackedIndependently(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	h.fail(t, "10.0.0.1", 5)

	blocked, _, _, err := h.tracker.IsBlocked(ctx, "10.0.0.2")
	if err != nil {
		t.Fatalf("is blocked: %v", err)
	}
	if blocked {
		t.Fatal("unrelated address caught by another source's block")
	}
}

func TestEmptyAddressIsNoop(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	triggered, err := h.tracker.RecordFailure(ctx, "")
	if err != nil || triggered {
		t.Fatalf("expected silent no-op for empty address, got triggered=%v err=%v", triggered, err)
	}
	blocked, _, _, err := h.tracker.IsBlocked(ctx, "")
	if err != nil || blocked {
		t.Fatalf("expected unblocked empty address, got blocked=%v err=%v", blocked, err)
	}
}

func TestBackendFailureSurfaces(t *testing.T) {
	h, done := newTrackerTest(t)
	defer done()
	ctx := context.Background()

	h.mr.Close()

	if _, err := h.tracker.RecordFailure(ctx, "10.0.0.1"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
	if _, _, _, err := h.tracker.IsBlocked(ctx, "10.0.0.1"); !errors.Is(err, ErrLockoutUnavailable) {
		t.Fatalf("expected ErrLockoutUnavailable, got %v", err)
	}
}
