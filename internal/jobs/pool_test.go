package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(3, zaptest.NewLogger(t))

	var running, peak, done int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = Task{Name: "t", Run: func(ctx context.Context) error {
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&done, 1)
			return nil
		}}
	}

	require.NoError(t, p.Run(context.Background(), tasks))
	assert.Equal(t, int32(20), done)
	assert.LessOrEqual(t, peak, int32(3))
}

func TestPoolJoinsErrors(t *testing.T) {
	p := NewPool(2, nil)
	errA := errors.New("slide a broken")
	errB := errors.New("slide b broken")

	var observed int32
	p.Observe = func(name string, d time.Duration, err error) {
		atomic.AddInt32(&observed, 1)
	}

	err := p.Run(context.Background(), []Task{
		{Name: "a", Run: func(context.Context) error { return errA }},
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "b", Run: func(context.Context) error { return errB }},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, int32(3), observed)
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(1, nil)
	err := p.Run(context.Background(), []Task{
		{Name: "boom", Run: func(context.Context) error { panic("index out of range") }},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	p := NewPool(2, nil)
	err := p.Run(ctx, []Task{
		{Name: "a", Run: func(context.Context) error { atomic.AddInt32(&ran, 1); return nil }},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), ran)
}
