/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package clustering

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/couchbase/stellar-coordinator/pkg/metrics"
	"go.uber.org/zap"
)

// Partitioner builds the ResourceMapper for a new set of ready members.
type Partitioner func(readyMembers []Member) ResourceMapper

// DefaultPartitioner builds a murmur3 hash ring with the default vnode count.
func DefaultPartitioner(readyMembers []Member) ResourceMapper {
	return NewHashRing(readyMembers, nil)
}

// HashRingPartitioner returns a Partitioner producing hash rings with the
// provided options.
func HashRingPartitioner(opts *HashRingOptions) Partitioner {
	return func(readyMembers []Member) ResourceMapper {
		return NewHashRing(readyMembers, opts)
	}
}

type ClusterOptions struct {
	Self        Member
	Partitioner Partitioner
	Logger      *zap.Logger
	Metrics     *metrics.CoordMetrics
}

type clusterEvent struct {
	changes *Changes
	watch   WatchFunc
	syncFn  func()
}

// Cluster tracks the ready members of the cluster and publishes a new
// Snapshot whenever that set changes.  Snapshot reads are lock-free.  Watchers
// are invoked in order from a single dispatch goroutine so that slow watchers
// never hold up membership updates.
type Cluster struct {
	logger      *zap.Logger
	metrics     *metrics.CoordMetrics
	self        Member
	partitioner Partitioner

	updateLock sync.Mutex
	snapshot   atomic.Pointer[Snapshot]

	queueLock sync.Mutex
	queueCond *sync.Cond
	queue     []clusterEvent
	closed    bool
	doneCh    chan struct{}

	// owned by the dispatch goroutine
	watchers  []WatchFunc
	delivered *Snapshot
}

func NewCluster(opts ClusterOptions) (*Cluster, error) {
	if opts.Self.Name == "" {
		return nil, ErrInvalidSelf
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	partitioner := opts.Partitioner
	if partitioner == nil {
		partitioner = HashRingPartitioner(&HashRingOptions{
			Logger: logger.Named("hashring"),
		})
	}

	coordMetrics := opts.Metrics
	if coordMetrics == nil {
		coordMetrics = metrics.GetCoordMetrics()
	}

	c := &Cluster{
		logger:      logger,
		metrics:     coordMetrics,
		self:        opts.Self,
		partitioner: partitioner,
		doneCh:      make(chan struct{}),
	}
	c.queueCond = sync.NewCond(&c.queueLock)

	initial := newSnapshot(opts.Self, nil, partitioner(nil))
	c.snapshot.Store(initial)
	c.delivered = initial

	go c.dispatchLoop()

	return c, nil
}

func (c *Cluster) Self() Member {
	return c.self
}

// Snapshot returns the most recently published snapshot.
func (c *Cluster) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Watch registers fn to receive membership changes.  The watcher is first
// handed a Changes with no diffs describing the cluster at the moment of
// registration, followed by every subsequent change in order.
func (c *Cluster) Watch(fn WatchFunc) {
	c.enqueue(clusterEvent{watch: fn})
}

// ClusterChanged applies a membership delta.  Members becoming ready replace
// any ready member with the same name, members becoming not ready are removed
// by name.  Deltas which do not change the ready set are ignored.
func (c *Cluster) ClusterChanged(becomingReady, becomingNotReady []Member) {
	c.update(func(readyByName map[string]Member) {
		for _, m := range becomingReady {
			readyByName[m.Name] = m
		}
		for _, m := range becomingNotReady {
			delete(readyByName, m.Name)
		}
	})
}

// ApplyMembers replaces the ready set with members, publishing the
// difference as a single change.
func (c *Cluster) ApplyMembers(members []Member) {
	c.update(func(readyByName map[string]Member) {
		clear(readyByName)
		for _, m := range members {
			readyByName[m.Name] = m
		}
	})
}

func (c *Cluster) update(mutate func(readyByName map[string]Member)) {
	c.updateLock.Lock()
	defer c.updateLock.Unlock()

	current := c.snapshot.Load()

	readyByName := make(map[string]Member, len(current.ReadyMembers))
	for _, m := range current.ReadyMembers {
		readyByName[m.Name] = m
	}

	mutate(readyByName)

	nextMembers := make([]Member, 0, len(readyByName))
	for _, m := range readyByName {
		nextMembers = append(nextMembers, m)
	}
	nextMembers = sortedMembers(nextMembers)

	var added, removed []Member
	for _, m := range nextMembers {
		if !containsMember(current.ReadyMembers, m) {
			added = append(added, m)
		}
	}
	for _, m := range current.ReadyMembers {
		if !containsMember(nextMembers, m) {
			removed = append(removed, m)
		}
	}

	changes := &Changes{
		Added:   added,
		Removed: removed,
	}
	if !changes.HasDiffs() {
		return
	}

	next := newSnapshot(c.self, nextMembers, c.partitioner(nextMembers))
	c.snapshot.Store(next)
	changes.Snapshot = next

	c.logger.Info("cluster membership changed",
		zap.Stringers("added", added),
		zap.Stringers("removed", removed),
		zap.Int("readyMembers", len(nextMembers)),
		zap.Bool("selfReady", next.SelfReady))

	ctx := context.Background()
	c.metrics.MembershipChanges.Add(ctx, int64(len(added)+len(removed)))
	c.metrics.ReadyMembers.Record(ctx, int64(len(nextMembers)))

	// enqueued while still holding updateLock so delivery order matches
	// publication order.
	c.enqueue(clusterEvent{changes: changes})
}

// SyncPoint schedules fn to run on the dispatch goroutine once every change
// and watcher registration queued before it has been delivered.
func (c *Cluster) SyncPoint(fn func()) {
	c.enqueue(clusterEvent{syncFn: fn})
}

// Sync blocks until every delivery queued before the call has completed.
func (c *Cluster) Sync(ctx context.Context) error {
	waitCh := make(chan struct{})
	c.SyncPoint(func() {
		close(waitCh)
	})

	select {
	case <-waitCh:
		return nil
	case <-c.doneCh:
		return ErrClusterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops watcher delivery.  Snapshots continue to be published but no
// watcher is invoked after Close returns.
func (c *Cluster) Close() {
	c.queueLock.Lock()
	if c.closed {
		c.queueLock.Unlock()
		return
	}
	c.closed = true
	c.queueCond.Broadcast()
	c.queueLock.Unlock()

	<-c.doneCh
}

func (c *Cluster) enqueue(evt clusterEvent) {
	c.queueLock.Lock()
	defer c.queueLock.Unlock()

	if c.closed {
		return
	}

	c.queue = append(c.queue, evt)
	c.queueCond.Signal()
}

func (c *Cluster) dispatchLoop() {
	defer close(c.doneCh)

	for {
		c.queueLock.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.queueCond.Wait()
		}
		if c.closed {
			c.queueLock.Unlock()
			return
		}

		events := c.queue
		c.queue = nil
		c.queueLock.Unlock()

		for _, evt := range events {
			c.dispatch(evt)
		}
	}
}

func (c *Cluster) dispatch(evt clusterEvent) {
	switch {
	case evt.watch != nil:
		c.watchers = append(c.watchers, evt.watch)
		c.invokeWatcher(evt.watch, &Changes{Snapshot: c.delivered})
	case evt.changes != nil:
		c.delivered = evt.changes.Snapshot
		for _, watcher := range c.watchers {
			c.invokeWatcher(watcher, evt.changes)
		}
	case evt.syncFn != nil:
		evt.syncFn()
	}
}

func (c *Cluster) invokeWatcher(fn WatchFunc, changes *Changes) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cluster watcher panicked",
				zap.Any("panic", r))
		}
	}()

	fn(changes)
}
