package llop

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/retry"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Step is one named stage of a Definition.
type Step interface {
	StepName() string
	run(ctx context.Context, op *Operation) error
}

// ValueStep computes a value and stores it in the operation under Name.
type ValueStep struct {
	Name string
	Fn   func(ctx context.Context, op *Operation) (any, error)
}

func (s ValueStep) StepName() string { return s.Name }

func (s ValueStep) run(ctx context.Context, op *Operation) error {
	v, err := s.Fn(ctx, op)
	if err != nil {
		return err
	}
	op.setValue(s.Name, v)
	return nil
}

// EffectStep runs a side effect.
type EffectStep struct {
	Name string
	Fn   func(ctx context.Context, op *Operation) error
}

func (s EffectStep) StepName() string { return s.Name }

func (s EffectStep) run(ctx context.Context, op *Operation) error {
	return s.Fn(ctx, op)
}

// SubPipeline runs Steps only when When holds at the time it is reached.
type SubPipeline struct {
	Name  string
	When  func(op *Operation) bool
	Steps []Step
}

func (s SubPipeline) StepName() string { return s.Name }

func (s SubPipeline) run(ctx context.Context, op *Operation) error {
	if s.When != nil && !s.When(op) {
		logging.WithContext(ctx).Debug("sub-pipeline skipped", zap.String("step", s.Name))
		return nil
	}
	return op.runSteps(ctx, s.Steps)
}

// Task is one independent backend side effect.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Accounts marks the task whose success commits the usage delta.
	Accounts bool
}

// TaskStep fans the tasks returned by Tasks out to the operation's bounded
// pool and waits for all of them. Task failures are recorded as outcomes
// and never stop sibling tasks.
type TaskStep struct {
	Name  string
	Tasks func(ctx context.Context, op *Operation) ([]Task, error)
}

func (s TaskStep) StepName() string { return s.Name }

func (s TaskStep) run(ctx context.Context, op *Operation) error {
	tasks, err := s.Tasks(ctx, op)
	if err != nil {
		op.record([]Outcome{{Name: s.Name, Err: err, Attempts: 1}})
		return nil
	}
	if len(tasks) == 0 {
		return nil
	}
	op.record(op.runTasks(ctx, tasks))
	return nil
}

// runTasks runs every task with at most MaxParallel in flight. Outcomes
// are returned in task order.
func (op *Operation) runTasks(ctx context.Context, tasks []Task) []Outcome {
	outcomes := make([]Outcome, len(tasks))

	for _, task := range tasks {
		if task.Accounts {
			op.accounting.Store(true)
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(op.deps.maxParallel())
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			start := time.Now()
			attempts, err := retry.Do(ctx, op.deps.Retry, func() error {
				err := task.Run(ctx)
				if errors.Is(err, vfs.ErrBackendUnavailable) {
					return retry.Retryable(err)
				}
				return err
			})
			outcomes[i] = Outcome{
				Name:     task.Name,
				Err:      err,
				Attempts: attempts,
				Duration: time.Since(start),
			}
			metrics.RecordSubtask(op.def.Name, err == nil, attempts)
			if err == nil && task.Accounts {
				op.reportUsage(ctx)
			}
			if err != nil {
				logging.WithContext(ctx).Warn("sub-task failed",
					zap.String("task", task.Name),
					zap.Int("attempts", attempts),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
