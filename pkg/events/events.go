// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events provides a synchronous publish/subscribe channel.
//
// A Bus is held by composition by the object that publishes on it, so the
// publisher controls which operations it exposes. Handlers run synchronously
// in the goroutine calling Emit, in subscription order. Handlers may
// subscribe or unsubscribe, including themselves, while being dispatched;
// such changes apply to the next Emit.
package events

import (
	"sync"
)

// ID identifies a subscription.
type ID uint64

// Handler receives an event payload.
type Handler[T any] func(T)

type subscription[T any] struct {
	id   ID
	fn   Handler[T]
	once bool
}

// Bus dispatches payloads of type T to handlers subscribed per topic.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID ID
	subs   map[string][]subscription[T]
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		subs: make(map[string][]subscription[T]),
	}
}

// On subscribes fn to topic.
func (b *Bus[T]) On(topic string, fn Handler[T]) ID {
	return b.add(topic, fn, false)
}

// Once subscribes fn to the next event on topic only.
func (b *Bus[T]) Once(topic string, fn Handler[T]) ID {
	return b.add(topic, fn, true)
}

func (b *Bus[T]) add(topic string, fn Handler[T], once bool) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[topic] = append(b.subs[topic], subscription[T]{id: b.nextID, fn: fn, once: once})
	return b.nextID
}

// Off removes the subscription id from topic. It reports whether it existed.
func (b *Bus[T]) Off(topic string, id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return true
		}
	}
	return false
}

// OffAll removes every subscription on the given topics, or on all topics
// when none are given.
func (b *Bus[T]) OffAll(topics ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(topics) == 0 {
		b.subs = make(map[string][]subscription[T])
		return
	}
	for _, t := range topics {
		delete(b.subs, t)
	}
}

// Emit dispatches payload to every handler subscribed to topic and returns
// the number of handlers called.
func (b *Bus[T]) Emit(topic string, payload T) int {
	b.mu.Lock()
	subs := b.subs[topic]
	if len(subs) == 0 {
		b.mu.Unlock()
		return 0
	}
	snapshot := make([]subscription[T], len(subs))
	copy(snapshot, subs)

	kept := subs[:0:0]
	for _, s := range subs {
		if !s.once {
			kept = append(kept, s)
		}
	}
	b.subs[topic] = kept
	b.mu.Unlock()

	for _, s := range snapshot {
		s.fn(payload)
	}
	return len(snapshot)
}

// Count returns the number of handlers subscribed to topic.
func (b *Bus[T]) Count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
