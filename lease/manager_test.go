package lease_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/couchbase/stellar-coordinator/clustering"
	"github.com/couchbase/stellar-coordinator/clustering/fakecluster"
	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/couchbase/stellar-coordinator/lease/memlease"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingListener struct {
	lock     sync.Mutex
	acquired int
	released int
	heldSeen []bool
}

func (r *recordingListener) AfterAcquire(l lease.Lease) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.acquired++
	r.heldSeen = append(r.heldSeen, l.CheckHeld())
}

func (r *recordingListener) BeforeRelease(l lease.Lease) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.released++
	r.heldSeen = append(r.heldSeen, l.CheckHeld())
}

func (r *recordingListener) counts() (int, int) {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.acquired, r.released
}

func newTestManager(t *testing.T, store *memlease.Store, opts lease.ManagerOptions) *lease.DefaultManager {
	opts.Backend = store
	opts.Logger = zaptest.NewLogger(t)
	if opts.CheckInterval == 0 {
		opts.CheckInterval = -1
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = 200 * time.Millisecond
	}

	m, err := lease.NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return m
}

func TestManagerRequiresBackend(t *testing.T) {
	_, err := lease.NewManager(lease.ManagerOptions{})
	require.ErrorIs(t, err, lease.ErrNoBackend)
}

func TestRequestLeaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	l := m.RequestLease("my-lease")
	require.Same(t, l, m.RequestLease("my-lease"))
	require.NotSame(t, l, m.RequestLease("other-lease"))
	require.Equal(t, "my-lease", l.Name())
	require.Equal(t, lease.NotHeld, l.State())
	require.False(t, l.CheckHeld())
	require.False(t, l.CheckHeldElsewhere())
}

func TestAcquireAndRelease(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	l := m.RequestLease("my-lease")
	listener := &recordingListener{}
	l.AddListener(listener)

	require.True(t, l.Acquire())
	require.True(t, l.CheckHeld())
	require.Equal(t, map[string]string{"my-lease": "node-a"}, store.Holders())

	// acquiring a held lease does not notify again
	require.True(t, l.Acquire())

	require.True(t, l.Release())
	require.False(t, l.CheckHeld())
	require.Empty(t, store.Holders())

	require.False(t, l.Release())

	acquired, released := listener.counts()
	require.Equal(t, 1, acquired)
	require.Equal(t, 1, released)
	require.Equal(t, []bool{true, true}, listener.heldSeen)
}

func TestLeaseMutualExclusion(t *testing.T) {
	store := memlease.NewStore()
	m1 := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})
	m2 := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-b"})

	l1 := m1.RequestLease("my-lease")
	l2 := m2.RequestLease("my-lease")

	require.True(t, l1.Acquire())
	require.False(t, l2.Acquire())
	require.True(t, l2.CheckHeldElsewhere())

	require.True(t, l1.Release())
	require.True(t, l2.Acquire())
	require.True(t, l2.CheckHeld())
	require.False(t, l1.Acquire())
	require.True(t, l1.CheckHeldElsewhere())
}

func TestAddListenerOnHeldLeaseFiresImmediately(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	listener := &recordingListener{}
	l.AddListener(listener)

	acquired, _ := listener.counts()
	require.Equal(t, 1, acquired)
	require.Equal(t, []bool{true}, listener.heldSeen)
}

func TestListenerCheckingLeaseDoesNotDeadlock(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	doneCh := make(chan struct{})
	go func() {
		l.AddListener(lease.ListenerFuncs{
			OnAcquire: func(l lease.Lease) {
				_ = l.CheckHeld()
				_ = l.CheckHeldElsewhere()
				_ = l.State()
			},
		})
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("AddListener deadlocked")
	}
}

func TestListenerPanicIsContained(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	l := m.RequestLease("my-lease")
	l.AddListener(lease.ListenerFuncs{
		OnAcquire: func(l lease.Lease) { panic("acquire failure") },
		OnRelease: func(l lease.Lease) { panic("release failure") },
	})

	listener := &recordingListener{}
	l.AddListener(listener)

	require.True(t, l.Acquire())
	require.True(t, l.CheckHeld())
	require.True(t, l.Release())

	acquired, released := listener.counts()
	require.Equal(t, 1, acquired)
	require.Equal(t, 1, released)
}

func TestLazyRelease(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	require.True(t, l.ReleaseLazy(true))
	require.False(t, l.CheckHeld())
	require.Equal(t, map[string]string{"my-lease": "node-a"}, store.Holders())

	m.CheckAll(context.Background())
	require.Empty(t, store.Holders())
	require.Equal(t, lease.NotHeld, l.State())
}

func TestCloseFlushesLazyRelease(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())
	require.True(t, l.ReleaseLazy(true))
	require.Len(t, store.Holders(), 1)

	m.Close()
	require.Empty(t, store.Holders())
}

func TestBackendOutageGivesUpLeases(t *testing.T) {
	store := memlease.NewStore()
	m1 := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})
	m2 := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-b"})

	l := m1.RequestLease("my-lease")
	listener := &recordingListener{}
	l.AddListener(listener)
	require.True(t, l.Acquire())

	store.SetUnavailable(true)
	m1.CheckAll(context.Background())

	require.False(t, l.CheckHeld())
	_, released := listener.counts()
	require.Equal(t, 1, released)
	require.Equal(t, []bool{true, false}, listener.heldSeen)

	// acquisition is refused while the backend is down
	require.False(t, l.Acquire())
	require.Equal(t, lease.NotHeld, l.State())

	store.SetUnavailable(false)
	m1.CheckAll(context.Background())
	require.Empty(t, store.Holders())

	require.True(t, m2.RequestLease("my-lease").Acquire())
}

func TestAcquireCancellationLeavesStateUnchanged(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	l := m.RequestLease("my-lease")

	store.SetLatency(time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	acquired, err := l.AcquireContext(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, acquired)
	require.Equal(t, lease.NotHeld, l.State())

	store.SetLatency(0)
	store.ForceHolder("my-lease", "node-b")
	require.False(t, l.Acquire())
	require.Equal(t, lease.HeldElsewhere, l.State())

	store.SetLatency(time.Minute)
	cancelledCtx, cancelNow := context.WithCancel(context.Background())
	cancelNow()

	acquired, err = l.AcquireContext(cancelledCtx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, acquired)
	require.Equal(t, lease.HeldElsewhere, l.State())
}

func TestAcquireContextDoesNotWaitOutBusyLease(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{AcquireTimeout: 2 * time.Second})

	l := m.RequestLease("my-lease")
	store.SetUnavailable(true)

	// keeps the lease busy retrying the backend for the full acquire timeout
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Acquire()
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	acquired, err := l.AcquireContext(ctx)
	require.Less(t, time.Since(start), 500*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, acquired)
	require.Equal(t, lease.NotHeld, l.State())

	wg.Wait()
	require.Equal(t, lease.NotHeld, l.State())
}

func TestConcurrentOperationsKeepLeaseConsistent(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{
		HolderID:       "node-a",
		AcquireTimeout: 5 * time.Second,
	})

	l := m.RequestLease("my-lease")

	var listenersLock sync.Mutex
	var listeners []*recordingListener

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			for i := 0; i < 100; i++ {
				switch (worker + i) % 5 {
				case 0:
					l.Acquire()
				case 1:
					l.Release()
				case 2:
					m.ReleaseAll()
				case 3:
					listener := &recordingListener{}
					l.AddListener(listener)

					listenersLock.Lock()
					listeners = append(listeners, listener)
					listenersLock.Unlock()
				case 4:
					_ = l.CheckHeld()
					_ = l.CheckHeldElsewhere()
					_ = m.Statuses()
				}
			}
		}(worker)
	}
	wg.Wait()

	if l.CheckHeld() {
		require.Equal(t, map[string]string{"my-lease": "node-a"}, store.Holders())
	} else {
		require.Equal(t, lease.NotHeld, l.State())
		require.Empty(t, store.Holders())
	}

	expectedBalance := 0
	if l.CheckHeld() {
		expectedBalance = 1
	}

	require.Len(t, listeners, 8*100/5)
	for _, listener := range listeners {
		acquired, released := listener.counts()
		require.Equal(t, expectedBalance, acquired-released)

		// only voluntary releases happened, so every callback saw the lease held
		for _, held := range listener.heldSeen {
			require.True(t, held)
		}
	}
}

func TestAcquireRetriesThroughShortOutage(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{AcquireTimeout: 5 * time.Second})

	store.SetUnavailable(true)
	go func() {
		time.Sleep(100 * time.Millisecond)
		store.SetUnavailable(false)
	}()

	require.True(t, m.RequestLease("my-lease").Acquire())
}

func TestClosedManagerNeverReacquires(t *testing.T) {
	store := memlease.NewStore()
	m, err := lease.NewManager(lease.ManagerOptions{
		Backend:       store,
		Logger:        zaptest.NewLogger(t),
		CheckInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	m.Start()

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	m.Close()
	require.False(t, l.CheckHeld())
	require.Empty(t, store.Holders())

	require.False(t, l.Acquire())
	_, err = l.AcquireContext(context.Background())
	require.ErrorIs(t, err, lease.ErrManagerClosed)

	// closing twice is harmless
	m.Close()
}

func TestConnectionLost(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	held := m.RequestLease("held")
	notHeld := m.RequestLease("not-held")
	require.True(t, held.Acquire())

	listener := &recordingListener{}
	held.AddListener(listener)
	notHeld.AddListener(listener)

	m.ConnectionLost()

	require.False(t, held.CheckHeld())
	acquired, released := listener.counts()
	require.Equal(t, 1, acquired)
	require.Equal(t, 1, released)
}

func TestLeaseTakenByAnotherHolder(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	l := m.RequestLease("my-lease")
	listener := &recordingListener{}
	l.AddListener(listener)
	require.True(t, l.Acquire())

	store.ForceHolder("my-lease", "node-b")
	m.CheckAll(context.Background())

	require.True(t, l.CheckHeldElsewhere())
	_, released := listener.counts()
	require.Equal(t, 1, released)

	store.Clear("my-lease")
	m.CheckAll(context.Background())
	require.Equal(t, lease.NotHeld, l.State())

	require.True(t, l.Acquire())
	acquired, _ := listener.counts()
	require.Equal(t, 2, acquired)
}

func TestLeaseRecordExpired(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{})

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	store.Clear("my-lease")
	m.CheckAll(context.Background())
	require.Equal(t, lease.NotHeld, l.State())
}

func TestGateRefusesAndRevokes(t *testing.T) {
	store := memlease.NewStore()

	var lock sync.Mutex
	allowed := true
	gate := lease.GateFunc(func(name string) bool {
		lock.Lock()
		defer lock.Unlock()
		return allowed
	})
	setAllowed := func(v bool) {
		lock.Lock()
		allowed = v
		lock.Unlock()
	}

	m := newTestManager(t, store, lease.ManagerOptions{Gate: gate})

	l := m.RequestLease("my-lease")
	listener := &recordingListener{}
	l.AddListener(listener)

	require.True(t, l.Acquire())

	setAllowed(false)
	m.CheckAll(context.Background())
	require.False(t, l.CheckHeld())
	require.Empty(t, store.Holders())
	_, released := listener.counts()
	require.Equal(t, 1, released)

	require.False(t, l.Acquire())
	require.Equal(t, lease.NotHeld, l.State())
}

func TestClusterGate(t *testing.T) {
	cluster, err := fakecluster.NewFakeCluster(fakecluster.FakeClusterOptions{
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer cluster.Close()

	other := clustering.Member{Name: "other", Address: "10.0.0.2"}

	weight := 1
	gate := lease.ClusterGate(cluster, func() int { return weight })

	// nothing mapped yet
	require.False(t, gate.ShouldHold("my-lease"))

	cluster.ResourceMapper().SetDefaultMapping(fakecluster.Self)
	require.True(t, gate.ShouldHold("my-lease"))

	cluster.ResourceMapper().AddMapping("my-lease", other)
	require.False(t, gate.ShouldHold("my-lease"))
	require.True(t, gate.ShouldHold("another-lease"))

	weight = 0
	require.False(t, gate.ShouldHold("another-lease"))
	weight = 1

	cluster.ClusterChanged(nil, []clustering.Member{fakecluster.Self})
	require.False(t, gate.ShouldHold("another-lease"))
}

type testNode struct {
	member  clustering.Member
	cluster *clustering.Cluster
	manager *lease.DefaultManager
}

func newTestNode(t *testing.T, store *memlease.Store, member clustering.Member) *testNode {
	cluster, err := clustering.NewCluster(clustering.ClusterOptions{
		Self:   member,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	manager := newTestManager(t, store, lease.ManagerOptions{
		HolderID:    member.Name,
		Gate:        lease.ClusterGate(cluster, lease.ConstantWeight(1)),
		AutoAcquire: true,
	})

	return &testNode{
		member:  member,
		cluster: cluster,
		manager: manager,
	}
}

func TestLoadBalancedLeasesFollowTheRing(t *testing.T) {
	store := memlease.NewStore()
	ctx := context.Background()

	nodeA := newTestNode(t, store, clustering.Member{Name: "node-a", Address: "10.0.0.1"})
	nodeB := newTestNode(t, store, clustering.Member{Name: "node-b", Address: "10.0.0.2"})
	nodes := []*testNode{nodeA, nodeB}

	for _, node := range nodes {
		node.cluster.ClusterChanged([]clustering.Member{nodeA.member, nodeB.member}, nil)
	}

	leaseNames := make([]string, 32)
	for i := range leaseNames {
		leaseNames[i] = fmt.Sprintf("task-%d", i)
		for _, node := range nodes {
			node.manager.RequestLease(leaseNames[i])
		}
	}

	for _, node := range nodes {
		node.manager.CheckAll(ctx)
	}

	ring := nodeA.cluster.Snapshot().ResourceMapper
	holders := store.Holders()
	for _, name := range leaseNames {
		owner, err := ring.Get(name)
		require.NoError(t, err)
		require.Equal(t, owner.Name, holders[name], "holder of %s", name)

		for _, node := range nodes {
			l := node.manager.RequestLease(name)
			require.Equal(t, node.member == owner, l.CheckHeld())
		}
	}

	// node-b leaves, so node-a ends up with every lease
	nodeB.cluster.ClusterChanged(nil, []clustering.Member{nodeB.member})
	nodeA.cluster.ClusterChanged(nil, []clustering.Member{nodeB.member})

	nodeB.manager.CheckAll(ctx)
	nodeA.manager.CheckAll(ctx)

	for _, name := range leaseNames {
		require.True(t, nodeA.manager.RequestLease(name).CheckHeld(), "lease %s", name)
		require.False(t, nodeB.manager.RequestLease(name).CheckHeld(), "lease %s", name)
	}
}

func TestWithLease(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{HolderID: "node-a"})

	ran, err := m.WithLease(context.Background(), "my-lease", func(ctx context.Context) error {
		require.Equal(t, map[string]string{"my-lease": "node-a"}, store.Holders())
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
	require.Empty(t, store.Holders())

	store.ForceHolder("my-lease", "node-b")
	ran, err = m.WithLease(context.Background(), "my-lease", func(ctx context.Context) error {
		t.Fatal("should not run without the lease")
		return nil
	})
	require.NoError(t, err)
	require.False(t, ran)
}

func TestReleaseAllAndStatuses(t *testing.T) {
	m := newTestManager(t, memlease.NewStore(), lease.ManagerOptions{})

	require.True(t, m.RequestLease("b").Acquire())
	require.True(t, m.RequestLease("a").Acquire())
	m.RequestLease("c")

	require.Equal(t, []lease.Status{
		{Name: "a", State: "held"},
		{Name: "b", State: "held"},
		{Name: "c", State: "not-held"},
	}, m.Statuses())

	m.ReleaseAll()
	for _, status := range m.Statuses() {
		require.Equal(t, "not-held", status.State)
	}
}

func TestBackgroundCheckDetectsLoss(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{
		CheckInterval: 10 * time.Millisecond,
	})
	m.Start()

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	store.SetUnavailable(true)
	require.Eventually(t, func() bool {
		return !l.CheckHeld()
	}, 5*time.Second, 10*time.Millisecond)
	store.SetUnavailable(false)
}

func TestTriggerRunsCheck(t *testing.T) {
	store := memlease.NewStore()
	m := newTestManager(t, store, lease.ManagerOptions{
		CheckInterval: time.Hour,
	})
	m.Start()

	l := m.RequestLease("my-lease")
	require.True(t, l.Acquire())

	store.Clear("my-lease")
	m.Trigger()
	require.Eventually(t, func() bool {
		return !l.CheckHeld()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStateStrings(t *testing.T) {
	require.Equal(t, "not-held", lease.NotHeld.String())
	require.Equal(t, "held", lease.LocallyHeld.String())
	require.Equal(t, "held-elsewhere", lease.HeldElsewhere.String())
	require.Equal(t, "unknown", lease.State(42).String())
}
