package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// AssignmentExpirer deactivates lapsed assignments and reports how many changed.
type AssignmentExpirer interface {
	ExpireAssignments(ctx context.Context, at time.Time) (int64, error)
}

// Invalidator drops cached menus after assignments change.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// Observer records job outcomes.
type Observer interface {
	ObserveJob(task string, err error)
}

// ExpireAssignmentsJob coordinates the assignment sweep.
type ExpireAssignmentsJob struct {
	Service     AssignmentExpirer
	Invalidator Invalidator
	Logger      *slog.Logger
	Metrics     Observer
	clock       func() time.Time
}

// NewExpireAssignmentsJob constructs the job handler.
func NewExpireAssignmentsJob(service AssignmentExpirer, invalidator Invalidator, logger *slog.Logger, metrics Observer) *ExpireAssignmentsJob {
	return &ExpireAssignmentsJob{
		Service:     service,
		Invalidator: invalidator,
		Logger:      logger,
		Metrics:     metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the sweep for a queued task.
func (j *ExpireAssignmentsJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("expire assignments: dependencies not configured")
	}
	var payload ExpireAssignmentsPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("expire assignments: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err := j.Run(ctx, payload.At)
	return err
}

// Run deactivates every assignment expired at the given instant and bumps the menu cache when anything changed.
func (j *ExpireAssignmentsJob) Run(ctx context.Context, at time.Time) (int64, error) {
	if at.IsZero() {
		at = j.clock()
	}
	start := time.Now()
	expired, err := j.Service.ExpireAssignments(ctx, at)
	if err == nil && expired > 0 && j.Invalidator != nil {
		if bumpErr := j.Invalidator.Bump(ctx); bumpErr != nil {
			err = fmt.Errorf("expire assignments: bump cache: %w", bumpErr)
		}
	}
	if j.Metrics != nil {
		j.Metrics.ObserveJob(TaskAssignmentsExpire, err)
	}
	if j.Logger != nil {
		attrs := []any{
			slog.String("job", TaskAssignmentsExpire),
			slog.Int64("expired", expired),
			slog.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			j.Logger.Error("assignment sweep failed", append(attrs, slog.Any("error", err))...)
		} else {
			j.Logger.Info("assignment sweep completed", attrs...)
		}
	}
	return expired, err
}
