package engine

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"

	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/logger"
)

// RoutingLog writes tier decisions to the append-only audit table and
// mirrors them onto the event bus. An audit append that fails is logged
// and swallowed so it never fails the admission that caused it.
type RoutingLog struct {
	store Store
	bus   *bus.EventBus
	clock Clock
}

func NewRoutingLog(store Store, eventBus *bus.EventBus, clock Clock) *RoutingLog {
	return &RoutingLog{store: store, bus: eventBus, clock: clock}
}

// Record appends one decision. eventID is the id of the item the
// decision was made about; for discards the item no longer exists and
// the record is its only trace.
func (r *RoutingLog) Record(ctx context.Context, eventID string, tier Tier, reason, detail string) {
	dec := RoutingDecision{
		ID:          uuid.NewString(),
		EventID:     eventID,
		ChosenTier:  tier,
		ReasonCode:  reason,
		Detail:      detail,
		DecidedAtMS: r.clock.NowMS(),
	}
	if err := r.store.AppendRouting(ctx, dec); err != nil {
		logger.WarnCF("routing", "append routing decision failed", map[string]any{
			"event_id": eventID,
			"reason":   reason,
			"error":    err.Error(),
		})
	}
	if r.bus != nil {
		r.bus.Publish(bus.Event{
			Topic:  bus.TopicRoutingDecision,
			ItemID: eventID,
			Tier:   string(tier),
			Reason: reason,
			Detail: detail,
		})
	}
}

// Query returns decisions matching q, newest first. When q.Filter is
// set it is compiled as a CEL expression over event_id, tier, reason,
// and decided_at and applied after the SQL-side window and reason
// filters.
func (r *RoutingLog) Query(ctx context.Context, q RoutingQuery) ([]RoutingDecision, error) {
	var prg cel.Program
	if q.Filter != "" {
		var err error
		prg, err = compileRoutingFilter(q.Filter)
		if err != nil {
			return nil, err
		}
	}

	fetch := q
	if prg != nil {
		// The CEL filter thins results after the fetch, so pull a
		// larger window to keep the requested limit meaningful.
		if fetch.Limit <= 0 {
			fetch.Limit = 200
		}
		fetch.Limit *= 10
	}
	rows, err := r.store.QueryRouting(ctx, fetch)
	if err != nil {
		return nil, err
	}
	if prg == nil {
		return rows, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	out := make([]RoutingDecision, 0, minInt(limit, len(rows)))
	for _, dec := range rows {
		keep, err := evalRoutingFilter(prg, dec)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, dec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func compileRoutingFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("event_id", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("reason", cel.StringType),
		cel.Variable("decided_at", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create filter environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid filter expression %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression %q must evaluate to a boolean", expr)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter program: %w", err)
	}
	return prg, nil
}

func evalRoutingFilter(prg cel.Program, dec RoutingDecision) (bool, error) {
	out, _, err := prg.Eval(map[string]any{
		"event_id":   dec.EventID,
		"tier":       string(dec.ChosenTier),
		"reason":     dec.ReasonCode,
		"decided_at": dec.DecidedAtMS,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate filter: %w", err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter returned %T, want bool", out.Value())
	}
	return keep, nil
}
