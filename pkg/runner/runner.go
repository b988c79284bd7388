// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package runner runs batches of tasks with bounded concurrency.
//
// Unlike a plain errgroup, a batch never fails fast: every task runs to
// completion and every outcome is reported, so callers can decide only once
// the whole batch has been attempted.
package runner

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work.
type Task func(ctx context.Context) error

// Run executes every task with at most limit tasks in flight; a limit of zero
// or less means no limit. It returns one error slot per task, in task order.
// ctx is passed to the tasks as is; it does not stop tasks from starting.
func Run(ctx context.Context, limit int, tasks []Task) []error {
	errs := make([]error, len(tasks))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, task := range tasks {
		g.Go(func() error {
			errs[i] = task(ctx)
			return nil
		})
	}
	_ = g.Wait()

	return errs
}
