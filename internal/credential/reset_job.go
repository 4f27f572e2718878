package credential

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultResetSchedule is how often the monthly reset sweep runs. Selection
// also resets lazily, so the sweep only matters for idle pools.
const DefaultResetSchedule = "@every 1h"

// ResetJob periodically runs the monthly usage reset and persists it.
type ResetJob struct {
	cron *cron.Cron
	svc  *Service
}

// NewResetJob schedules the reset sweep with a standard cron expression or
// descriptor such as "@every 1h" or "0 0 1 * *".
func NewResetJob(svc *Service, schedule string) (*ResetJob, error) {
	if schedule == "" {
		schedule = DefaultResetSchedule
	}
	j := &ResetJob{
		cron: cron.New(cron.WithLocation(time.UTC)),
		svc:  svc,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("parsing reset schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *ResetJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.svc.CheckAndResetMonthlyUsage(ctx)
	if err != nil {
		slog.Error("monthly reset sweep failed", "reset", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("monthly reset sweep", "reset", n)
	}
}

// Start runs the scheduler in its own goroutine.
func (j *ResetJob) Start() {
	j.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (j *ResetJob) Stop() {
	<-j.cron.Stop().Done()
}
