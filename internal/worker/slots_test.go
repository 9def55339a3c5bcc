package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlots_RoundRobin(t *testing.T) {
	s := NewSlots(2)
	require.Equal(t, 2, s.Size())

	a, ok := s.Acquire()
	require.True(t, ok)
	b, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b, "concurrent builds get distinct ports")

	_, ok = s.Acquire()
	assert.False(t, ok, "all slots held")

	s.Release(a)
	c, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, c)
}

func TestSlots_SkipsHeldSlot(t *testing.T) {
	s := NewSlots(3)
	first, _ := s.Acquire() // 0
	_, _ = s.Acquire()      // 1
	_, _ = s.Acquire()      // 2
	s.Release(2)
	s.Release(first)

	// The counter points at slot 0 again, which is free.
	got, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, got)

	// Slot 1 is still held, so the next acquisition lands on 2.
	got, ok = s.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestSlots_Bounds(t *testing.T) {
	s := NewSlots(0)
	assert.Equal(t, 1, s.Size())
	s.Release(-1)
	s.Release(5)
	got, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, 0, got)
}
