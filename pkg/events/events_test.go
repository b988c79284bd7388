// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnAndEmit(t *testing.T) {
	b := New[string]()

	var got []string
	b.On("msg", func(s string) { got = append(got, "a:"+s) })
	b.On("msg", func(s string) { got = append(got, "b:"+s) })
	b.On("other", func(s string) { got = append(got, "other:"+s) })

	assert.Equal(t, 2, b.Emit("msg", "x"))
	assert.Equal(t, []string{"a:x", "b:x"}, got)
	assert.Zero(t, b.Emit("nobody", "y"))
}

func TestOnce(t *testing.T) {
	b := New[int]()

	calls := 0
	b.Once("tick", func(int) { calls++ })

	b.Emit("tick", 1)
	b.Emit("tick", 2)
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Count("tick"))
}

func TestOff(t *testing.T) {
	b := New[int]()

	calls := 0
	id := b.On("tick", func(int) { calls++ })

	assert.True(t, b.Off("tick", id))
	assert.False(t, b.Off("tick", id))
	assert.False(t, b.Off("other", id))

	b.Emit("tick", 1)
	assert.Zero(t, calls)
}

func TestOffAll(t *testing.T) {
	b := New[int]()
	b.On("a", func(int) {})
	b.On("b", func(int) {})
	b.On("c", func(int) {})

	b.OffAll("a", "b")
	assert.Zero(t, b.Count("a"))
	assert.Zero(t, b.Count("b"))
	assert.Equal(t, 1, b.Count("c"))

	b.OffAll()
	assert.Zero(t, b.Count("c"))
}

func TestSubscribeDuringEmit(t *testing.T) {
	b := New[int]()

	late := 0
	b.On("tick", func(int) {
		b.On("tick", func(int) { late++ })
	})

	assert.Equal(t, 1, b.Emit("tick", 1), "handlers added during dispatch run on the next emit")
	assert.Equal(t, 0, late)

	b.Emit("tick", 2)
	assert.Equal(t, 1, late)
}

func TestOffSelfDuringEmit(t *testing.T) {
	b := New[int]()

	calls := 0
	var id ID
	id = b.On("tick", func(int) {
		calls++
		b.Off("tick", id)
	})

	b.Emit("tick", 1)
	b.Emit("tick", 2)
	assert.Equal(t, 1, calls)
}
