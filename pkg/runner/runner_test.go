// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunReportsEveryOutcome(t *testing.T) {
	errBoom := errors.New("boom")
	var ran atomic.Int32

	tasks := []Task{
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return errBoom },
		func(context.Context) error { ran.Add(1); return nil },
	}

	errs := Run(context.Background(), 1, tasks)
	require.Len(t, errs, 3)
	assert.Equal(t, int32(3), ran.Load(), "a failing task must not stop the batch")
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], errBoom)
	assert.NoError(t, errs[2])
}

func TestRunLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		tasks int
		max   int32
	}{
		{"limit one", 1, 5, 1},
		{"limit two", 2, 6, 2},
		{"unbounded", 0, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var inFlight, peak atomic.Int32
			release := make(chan struct{})

			tasks := make([]Task, tt.tasks)
			for i := range tasks {
				tasks[i] = func(context.Context) error {
					n := inFlight.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					<-release
					inFlight.Add(-1)
					return nil
				}
			}

			done := make(chan []error)
			go func() { done <- Run(context.Background(), tt.limit, tasks) }()

			require.Eventually(t, func() bool { return peak.Load() == tt.max }, time.Second, 5*time.Millisecond)
			close(release)
			<-done
			assert.Equal(t, tt.max, peak.Load())
		})
	}
}

func TestRunEmpty(t *testing.T) {
	assert.Empty(t, Run(context.Background(), 3, nil))
}
