package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu      sync.Mutex
	results []bool
	err     error
	calls   int
}

func (c *fakeChecker) Draining(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	if len(c.results) == 0 {
		return true, nil
	}
	r := c.results[0]
	c.results = c.results[1:]
	return r, nil
}

type fakeStopper struct{ stops atomic.Int32 }

func (s *fakeStopper) StopAccepting() { s.stops.Add(1) }

func TestDrainMonitor_Check(t *testing.T) {
	checker := &fakeChecker{results: []bool{false, false, true}}
	node := &fakeStopper{}
	m := NewDrainMonitor(checker, node, 0, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	assert.False(t, m.Check(ctx))
	assert.False(t, m.Check(ctx))
	assert.EqualValues(t, 0, node.stops.Load())

	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx), "stays drained")
	assert.EqualValues(t, 1, node.stops.Load())
	assert.Equal(t, 3, checker.calls, "no polling after draining")
}

func TestDrainMonitor_CheckError(t *testing.T) {
	node := &fakeStopper{}
	m := NewDrainMonitor(&fakeChecker{err: errors.New("throttled")}, node, time.Second, slog.New(slog.DiscardHandler))
	assert.False(t, m.Check(context.Background()))
	assert.EqualValues(t, 0, node.stops.Load())
}

func TestDrainMonitor_Polls(t *testing.T) {
	node := &fakeStopper{}
	m := NewDrainMonitor(&fakeChecker{}, node, time.Second, slog.New(slog.DiscardHandler))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)

	assert.Eventually(t, func() bool { return node.stops.Load() == 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestDrainMonitor_WithoutLoadBalancer(t *testing.T) {
	node := &fakeStopper{}
	m := NewDrainMonitor(nil, node, time.Second, slog.New(slog.DiscardHandler))
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	assert.EqualValues(t, 0, node.stops.Load())
}
