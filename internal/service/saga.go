package service

import (
	"context"
	"fmt"

	"stamp-order-service/internal/util"

	"go.uber.org/zap"
)

// SagaStep pairs an action with the compensation that undoes it.
// Compensate may be nil for steps with nothing to undo.
type SagaStep struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga runs steps in order. When a step fails, the compensations of the
// steps that already succeeded run in reverse order and the step's error is
// returned.
type Saga struct {
	name   string
	steps  []SagaStep
	logger *zap.Logger
}

// NewSaga creates an empty saga
func NewSaga(name string) *Saga {
	return &Saga{name: name, logger: util.ComponentLogger("saga")}
}

// Step appends a step
func (s *Saga) Step(name string, action, compensate func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, SagaStep{Name: name, Action: action, Compensate: compensate})
	return s
}

// Execute runs the saga
func (s *Saga) Execute(ctx context.Context) error {
	ctx, span := util.StartSpan(ctx, "Saga."+s.name)
	defer span.End()

	for i, step := range s.steps {
		if err := step.Action(ctx); err != nil {
			s.logger.Warn("Saga step failed, compensating",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(err))
			s.compensate(ctx, i-1)
			return err
		}
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, last int) {
	// Compensations must run even if the request was cancelled.
	ctx = context.WithoutCancel(ctx)

	for i := last; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			util.CompensationsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("Compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.Name),
				zap.Error(fmt.Errorf("compensate %s: %w", step.Name, err)))
			continue
		}
		util.CompensationsTotal.WithLabelValues("succeeded").Inc()
	}
}
