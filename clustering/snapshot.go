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
	"golang.org/x/exp/slices"
)

// Snapshot is an immutable point-in-time view of the cluster.  A snapshot is
// never modified once it has been published, every membership change yields
// a new one.
type Snapshot struct {
	// Self is the local member.  It is always populated, even when the local
	// process is not yet ready.
	Self Member

	// ReadyMembers holds every member currently ready to accept work, sorted
	// by name and then address, without duplicates.
	ReadyMembers []Member

	// SelfReady indicates whether Self is contained within ReadyMembers.
	SelfReady bool

	// ResourceMapper was built from ReadyMembers and is only ever replaced
	// together with it.
	ResourceMapper ResourceMapper
}

func newSnapshot(self Member, readyMembers []Member, mapper ResourceMapper) *Snapshot {
	return &Snapshot{
		Self:           self,
		ReadyMembers:   readyMembers,
		SelfReady:      containsMember(readyMembers, self),
		ResourceMapper: mapper,
	}
}

// IsReady reports whether m is one of the ready members of this snapshot.
func (s *Snapshot) IsReady(m Member) bool {
	return containsMember(s.ReadyMembers, m)
}

// ReadyPeers returns the ready members excluding Self.
func (s *Snapshot) ReadyPeers() []Member {
	peers := make([]Member, 0, len(s.ReadyMembers))
	for _, m := range s.ReadyMembers {
		if m != s.Self {
			peers = append(peers, m)
		}
	}
	return peers
}

// Equal compares the membership view of two snapshots.  Resource mappers are
// compared only when both are hash rings.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}

	if s.Self != o.Self || s.SelfReady != o.SelfReady {
		return false
	}

	if !slices.Equal(s.ReadyMembers, o.ReadyMembers) {
		return false
	}

	sRing, sOk := s.ResourceMapper.(*HashRing)
	oRing, oOk := o.ResourceMapper.(*HashRing)
	if sOk && oOk {
		return sRing.Equal(oRing)
	}

	return true
}

// Changes describes one membership transition.  Added and Removed are empty
// for the initial delivery a watcher receives when it is registered.
type Changes struct {
	Snapshot *Snapshot
	Added    []Member
	Removed  []Member
}

func (c *Changes) HasDiffs() bool {
	return len(c.Added) > 0 || len(c.Removed) > 0
}

// WatchFunc is invoked for each Changes delivered by a Cluster.
type WatchFunc func(changes *Changes)
