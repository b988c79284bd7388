// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how often a client may open connections, using
// one token bucket per client key.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastUsed   time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens, refilled
// with refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: t,
		lastUsed:   t,
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
	tb.lastUsed = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed
}

// Limiter keeps a token bucket per client key, e.g. the remote host of a
// connection.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxClients int
	idle       time.Duration
	now        func() time.Time
}

// NewLimiter creates a limiter tracking at most maxClients keys at once.
// Keys beyond that are denied until Prune frees room.
func NewLimiter(capacity, refillRate int64, maxClients int) *Limiter {
	if maxClients == 0 {
		maxClients = 10000
	}
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxClients: maxClients,
		idle:       5 * time.Minute,
		now:        time.Now,
	}
}

// Allow takes one token from the bucket of key.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.mu.Unlock()
			return false
		}
		tb = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Prune drops buckets unused for longer than the idle period and returns
// how many were dropped.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	n := 0
	for k, tb := range l.buckets {
		if tb.idleSince().Before(cutoff) {
			delete(l.buckets, k)
			n++
		}
	}
	return n
}

// Clients returns the number of tracked keys.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
