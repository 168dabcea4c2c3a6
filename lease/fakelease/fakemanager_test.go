package fakelease

import (
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type listenerCounts struct {
	acquired int
	released int
}

func (c *listenerCounts) listener() lease.StateChangeListener {
	return lease.ListenerFuncs{
		OnAcquire: func(l lease.Lease) { c.acquired++ },
		OnRelease: func(l lease.Lease) { c.released++ },
	}
}

func newTestManager(t *testing.T) *FakeManager {
	m, err := NewFakeManager(FakeManagerOptions{
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func TestLeasesHeldByDefault(t *testing.T) {
	m := newTestManager(t)

	l := m.RequestLease("my-lease")
	require.True(t, l.CheckHeld())
	require.False(t, l.CheckHeldElsewhere())
	require.Same(t, l, m.RequestLease("my-lease"))
}

func TestMarkLeaseHeldElsewhere(t *testing.T) {
	m := newTestManager(t)

	counts := &listenerCounts{}
	l := m.RequestLease("my-lease")
	l.AddListener(counts.listener())
	require.Equal(t, 1, counts.acquired)

	other := m.RequestLease("other-lease")

	m.MarkLeaseHeldElsewhere("my-lease")
	require.False(t, l.CheckHeld())
	require.True(t, l.CheckHeldElsewhere())
	require.Equal(t, 1, counts.released)
	require.True(t, other.CheckHeld())

	require.False(t, l.Acquire())

	m.MarkLeaseHeld("my-lease")
	require.True(t, l.CheckHeld())
	require.Equal(t, 2, counts.acquired)
	require.True(t, other.CheckHeld())
}

func TestMarkLeaseHeldElsewhereWaitsForInFlightRelease(t *testing.T) {
	m := newTestManager(t)

	l := m.RequestLease("my-lease")
	require.True(t, l.CheckHeld())

	m.store.SetLatency(200 * time.Millisecond)
	defer m.store.SetLatency(0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Release()
	}()

	// the release is now waiting on the backend with the lease busy
	require.Eventually(t, func() bool {
		return !l.CheckHeld()
	}, time.Second, time.Millisecond)

	m.MarkLeaseHeldElsewhere("my-lease")
	require.True(t, l.CheckHeldElsewhere())

	wg.Wait()
	require.True(t, l.CheckHeldElsewhere())
}

func TestMarkLeaseHeldElsewhereBeforeRequest(t *testing.T) {
	m := newTestManager(t)

	m.MarkLeaseHeldElsewhere("my-lease")

	l := m.RequestLease("my-lease")
	require.False(t, l.CheckHeld())
	require.True(t, l.CheckHeldElsewhere())
}

func TestFakeReleaseAll(t *testing.T) {
	m := newTestManager(t)

	a := m.RequestLease("a")
	b := m.RequestLease("b")

	m.ReleaseAll()
	require.False(t, a.CheckHeld())
	require.False(t, b.CheckHeld())

	require.True(t, a.Acquire())
}
