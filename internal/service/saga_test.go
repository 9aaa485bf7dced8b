package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var trail []string
	step := func(name string, fail bool) (func(context.Context) error, func(context.Context) error) {
		do := func(context.Context) error {
			trail = append(trail, "do:"+name)
			if fail {
				return errors.New(name + " failed")
			}
			return nil
		}
		undo := func(context.Context) error {
			trail = append(trail, "undo:"+name)
			return nil
		}
		return do, undo
	}

	saga := NewSaga("test")
	for _, s := range []struct {
		name string
		fail bool
	}{{"one", false}, {"two", false}, {"three", true}, {"four", false}} {
		do, undo := step(s.name, s.fail)
		saga.Step(s.name, do, undo)
	}

	err := saga.Execute(context.Background())
	require.EqualError(t, err, "three failed")
	assert.Equal(t, []string{"do:one", "do:two", "do:three", "undo:two", "undo:one"}, trail)
}

func TestSagaCompensationSurvivesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var compensatedWith error

	err := NewSaga("test").
		Step("reserve", func(context.Context) error { return nil }, func(ctx context.Context) error {
			compensatedWith = ctx.Err()
			return nil
		}).
		Step("nil-compensation", func(context.Context) error { return nil }, nil).
		Step("fail", func(context.Context) error {
			cancel()
			return context.Canceled
		}, nil).
		Execute(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, compensatedWith)
}

func TestSagaContinuesPastFailedCompensation(t *testing.T) {
	undone := 0
	err := NewSaga("test").
		Step("a", func(context.Context) error { return nil }, func(context.Context) error {
			undone++
			return nil
		}).
		Step("b", func(context.Context) error { return nil }, func(context.Context) error {
			return errors.New("release failed")
		}).
		Step("c", func(context.Context) error { return errors.New("boom") }, nil).
		Execute(context.Background())

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, undone)
}
