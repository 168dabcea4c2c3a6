/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package lease

import (
	"github.com/couchbase/stellar-coordinator/clustering"
)

// Gate decides whether the local process is allowed to hold a lease.  A
// manager with a gate never acquires a lease the gate refuses, and gives up
// held leases the gate stops allowing.
type Gate interface {
	ShouldHold(name string) bool
}

type GateFunc func(name string) bool

func (f GateFunc) ShouldHold(name string) bool {
	return f(name)
}

// SnapshotSource is satisfied by *clustering.Cluster.
type SnapshotSource interface {
	Snapshot() *clustering.Snapshot
}

// WeightFunc returns the local process's share of the cluster's leases.  A
// weight of zero means the process takes no leases at all.
type WeightFunc func() int

func ConstantWeight(weight int) WeightFunc {
	return func() int {
		return weight
	}
}

// ClusterGate spreads leases across the cluster: a lease may be held only
// when the local member is ready, has a positive weight and is the owner of
// the lease name in the current resource mapper.
func ClusterGate(cluster SnapshotSource, weight WeightFunc) Gate {
	if weight == nil {
		weight = ConstantWeight(1)
	}

	return GateFunc(func(name string) bool {
		if weight() <= 0 {
			return false
		}

		snap := cluster.Snapshot()
		if !snap.SelfReady {
			return false
		}

		owner, err := snap.ResourceMapper.Get(name)
		if err != nil {
			return false
		}

		return owner == snap.Self
	})
}
