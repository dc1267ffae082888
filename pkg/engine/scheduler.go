package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/mnemolabs/strata/pkg/bus"
	"github.com/mnemolabs/strata/pkg/logger"
)

// SweepFunc runs one full decay pass.
type SweepFunc func(ctx context.Context) (SweepReport, error)

// Scheduler fires sweeps on whatever cadence its TickSource produces.
// Passes run one at a time on the scheduler goroutine; Stop cancels an
// in-flight pass and waits for it to unwind.
type Scheduler struct {
	sweep SweepFunc
	ticks TickSource
	bus   *bus.EventBus

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewScheduler(sweep SweepFunc, ticks TickSource, eventBus *bus.EventBus) *Scheduler {
	return &Scheduler{
		sweep:  sweep,
		ticks:  ticks,
		bus:    eventBus,
		stopCh: make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-s.ticks.Ticks():
			if !ok {
				return
			}
			s.runPass(ctx)
		}
	}
}

func (s *Scheduler) runPass(ctx context.Context) {
	report, err := s.sweep(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	default:
		var partial *SweepPartialError
		if errors.As(err, &partial) {
			logger.WarnCF("scheduler", "sweep finished with failures", map[string]any{
				"tier":   string(partial.Tier),
				"failed": partial.Failed,
				"error":  partial.First.Error(),
			})
		} else {
			logger.ErrorCF("scheduler", "sweep failed", map[string]any{"error": err.Error()})
			return
		}
	}

	logger.DebugCF("scheduler", "sweep completed", map[string]any{
		"examined":    report.FreshExamined,
		"routed":      report.FreshRouted,
		"discarded":   report.FreshDiscarded,
		"transitions": report.Transitions,
		"compressed":  report.Compressed,
		"forgotten":   report.Forgotten,
	})
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Topic: bus.TopicSweepCompleted,
			Detail: fmt.Sprintf("routed=%d discarded=%d transitions=%d forgotten=%d failures=%d",
				report.FreshRouted, report.FreshDiscarded, report.Transitions, report.Forgotten, report.Failures),
		})
	}
}

// Stop halts ticking, cancels any in-flight pass, and waits for the
// scheduler goroutine to exit. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.ticks.Stop()
		s.wg.Wait()
	})
}

// IntervalTicks fires at a fixed period.
type IntervalTicks struct {
	ticker *time.Ticker
}

func NewIntervalTicks(every time.Duration) *IntervalTicks {
	if every <= 0 {
		every = time.Minute
	}
	return &IntervalTicks{ticker: time.NewTicker(every)}
}

func (t *IntervalTicks) Ticks() <-chan time.Time { return t.ticker.C }
func (t *IntervalTicks) Stop()                   { t.ticker.Stop() }

// CronTicks fires on a cron expression, for deployments that want
// sweeps aligned to quiet hours rather than a fixed period.
type CronTicks struct {
	expr string
	ch   chan time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCronTicks(expr string) (*CronTicks, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	t := &CronTicks{
		expr: expr,
		ch:   make(chan time.Time, 1),
		stop: make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t, nil
}

func (t *CronTicks) run() {
	defer t.wg.Done()
	defer close(t.ch)
	for {
		next, err := gronx.NextTick(t.expr, false)
		if err != nil {
			logger.ErrorCF("scheduler", "cron next tick failed", map[string]any{
				"expr":  t.expr,
				"error": err.Error(),
			})
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-t.stop:
			timer.Stop()
			return
		case at := <-timer.C:
			select {
			case t.ch <- at:
			default:
			}
		}
	}
}

func (t *CronTicks) Ticks() <-chan time.Time { return t.ch }

func (t *CronTicks) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	t.wg.Wait()
}

// ManualTicks lets tests fire passes by hand.
type ManualTicks struct {
	ch chan time.Time
}

func NewManualTicks() *ManualTicks {
	return &ManualTicks{ch: make(chan time.Time, 1)}
}

func (t *ManualTicks) Fire(at time.Time)       { t.ch <- at }
func (t *ManualTicks) Ticks() <-chan time.Time { return t.ch }
func (t *ManualTicks) Stop()                   {}
