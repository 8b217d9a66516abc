package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cirunner/internal/worker"
)

func TestClaimer_WaitsUntilJobAppears(t *testing.T) {
	job := newJob("build", "make")
	jobs := &MockJobStore{}
	jobs.On("ClaimNext", mock.Anything, "worker-a").Return(nil, nil).Twice()
	jobs.On("ClaimNext", mock.Anything, "worker-a").Return(job, nil).Once()

	c := worker.NewClaimer(jobs, "worker-a", 5*time.Millisecond)
	idle := 0
	c.OnIdle = func(context.Context) { idle++ }

	got, err := c.ClaimNextOrWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, job, got)
	assert.Equal(t, 2, idle)
	jobs.AssertExpectations(t)
}

func TestClaimer_Cancellation(t *testing.T) {
	jobs := &MockJobStore{}
	jobs.On("ClaimNext", mock.Anything, "worker-a").Return(nil, nil)

	c := worker.NewClaimer(jobs, "worker-a", time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.ClaimNextOrWait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClaimer_StoreErrorIsReturned(t *testing.T) {
	jobs := &MockJobStore{}
	jobs.On("ClaimNext", mock.Anything, "worker-a").Return(nil, errors.New("connection refused")).Once()

	c := worker.NewClaimer(jobs, "worker-a", time.Millisecond)
	_, err := c.ClaimNextOrWait(context.Background())
	assert.EqualError(t, err, "connection refused")
}
