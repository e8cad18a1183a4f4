package charge

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs Runner.Sweep on a cron schedule.
type Sweeper struct {
	runner   *Runner
	cron     *cron.Cron
	timeout  time.Duration
	onRefund func(ctx context.Context, p Pending)
}

// NewSweeper schedules sweeps with spec, e.g. "@every 1m" or "*/5 * * * *".
// Overlapping runs are skipped.
func NewSweeper(ctx context.Context, runner *Runner, spec string) (*Sweeper, error) {
	s := &Sweeper{
		runner:  runner,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 30 * time.Second,
	}
	_, err := s.cron.AddFunc(spec, func() { s.run(ctx) })
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	refunded, err := s.runner.Sweep(sctx, s.runner.clock())
	if err != nil {
		s.runner.logger.ErrorContext(sctx, "sweep failed", "error", err)
	}
	if s.onRefund != nil {
		for _, p := range refunded {
			s.onRefund(sctx, p)
		}
	}
}

// OnRefund registers fn to be called for each operation a sweep refunded.
// It must be set before Start.
func (s *Sweeper) OnRefund(fn func(ctx context.Context, p Pending)) {
	s.onRefund = fn
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
