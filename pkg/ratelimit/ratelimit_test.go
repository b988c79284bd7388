// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	tb := newTokenBucket(2, 1, clk.now)

	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "bucket is empty")

	clk.advance(500 * time.Millisecond)
	assert.False(t, tb.Allow(), "half a token is not enough")

	clk.advance(500 * time.Millisecond)
	assert.True(t, tb.Allow())

	clk.advance(time.Hour)
	assert.True(t, tb.Allow())
	assert.True(t, tb.Allow())
	assert.False(t, tb.Allow(), "refill is capped at capacity")
}

func TestLimiter(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	l := NewLimiter(1, 1, 2)
	l.now = clk.now

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys have separate buckets")
	assert.False(t, l.Allow("c"), "client table is full")
	assert.Equal(t, 2, l.Clients())

	clk.advance(10 * time.Minute)
	assert.Equal(t, 2, l.Prune())
	assert.Zero(t, l.Clients())
	assert.True(t, l.Allow("c"))
}
