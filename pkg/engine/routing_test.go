package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestRoutingLog(t *testing.T) *RoutingLog {
	t.Helper()
	store := newTestStore(t)
	clock := NewManualClock(1000)
	log := NewRoutingLog(store, nil, clock)
	ctx := context.Background()

	log.Record(ctx, "mem-a", TierFresh, ReasonFreshStaged, "")
	clock.Advance(time.Second)
	log.Record(ctx, "mem-b", TierWorking, ReasonWorkingAdmitted, "score 0.81")
	clock.Advance(time.Second)
	log.Record(ctx, "mem-c", TierShock, ReasonShockCommitted, "salience 0.97")
	return log
}

func TestRoutingLog_QueryReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	log := newTestRoutingLog(t)

	rows, err := log.Query(ctx, RoutingQuery{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(rows))
	}
	if rows[0].EventID != "mem-c" || rows[2].EventID != "mem-a" {
		t.Fatalf("expected newest first, got %s .. %s", rows[0].EventID, rows[2].EventID)
	}
}

func TestRoutingLog_QueryFiltersByReasonAndWindow(t *testing.T) {
	ctx := context.Background()
	log := newTestRoutingLog(t)

	rows, err := log.Query(ctx, RoutingQuery{Reasons: []string{ReasonWorkingAdmitted}})
	if err != nil {
		t.Fatalf("query by reason: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "mem-b" {
		t.Fatalf("expected only the working admission, got %#v", rows)
	}

	rows, err = log.Query(ctx, RoutingQuery{SinceMS: 2000, UntilMS: 2500})
	if err != nil {
		t.Fatalf("query by window: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "mem-b" {
		t.Fatalf("expected only the decision at 2000ms, got %#v", rows)
	}
}

func TestRoutingLog_CELFilterNarrowsResults(t *testing.T) {
	ctx := context.Background()
	log := newTestRoutingLog(t)

	rows, err := log.Query(ctx, RoutingQuery{
		Filter: `tier == "shock" && decided_at >= 2000`,
	})
	if err != nil {
		t.Fatalf("query with filter: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "mem-c" {
		t.Fatalf("expected only the shock commit, got %#v", rows)
	}

	rows, err = log.Query(ctx, RoutingQuery{Filter: `reason.startsWith("working")`})
	if err != nil {
		t.Fatalf("query with startsWith filter: %v", err)
	}
	if len(rows) != 1 || rows[0].EventID != "mem-b" {
		t.Fatalf("expected only working reasons, got %#v", rows)
	}
}

func TestRoutingLog_RejectsBadFilters(t *testing.T) {
	ctx := context.Background()
	log := newTestRoutingLog(t)

	if _, err := log.Query(ctx, RoutingQuery{Filter: `tier == `}); err == nil {
		t.Fatal("expected error for malformed expression")
	}
	_, err := log.Query(ctx, RoutingQuery{Filter: `tier`})
	if err == nil || !strings.Contains(err.Error(), "boolean") {
		t.Fatalf("expected boolean type error, got %v", err)
	}
}
