/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package fakecluster provides a cluster whose resource ownership is set
// explicitly by tests rather than computed from a hash ring.
package fakecluster

import (
	"context"
	"sync"

	"github.com/couchbase/stellar-coordinator/clustering"
	"go.uber.org/zap"
)

const (
	SelfName    = "fakeself"
	SelfAddress = "10.0.0.1"
)

var Self = clustering.Member{Name: SelfName, Address: SelfAddress}

// FakeResourceMapper maps resources according to explicit mappings, falling
// back to a default member when one has been set.
type FakeResourceMapper struct {
	lock           sync.Mutex
	mappings       map[string]clustering.Member
	defaultMapping *clustering.Member
}

var _ clustering.ResourceMapper = (*FakeResourceMapper)(nil)

func NewFakeResourceMapper() *FakeResourceMapper {
	return &FakeResourceMapper{
		mappings: make(map[string]clustering.Member),
	}
}

func (m *FakeResourceMapper) SetDefaultMapping(member clustering.Member) {
	m.lock.Lock()
	m.defaultMapping = &member
	m.lock.Unlock()
}

func (m *FakeResourceMapper) ClearDefaultMapping() {
	m.lock.Lock()
	m.defaultMapping = nil
	m.lock.Unlock()
}

func (m *FakeResourceMapper) AddMapping(resourceID string, member clustering.Member) {
	m.lock.Lock()
	m.mappings[resourceID] = member
	m.lock.Unlock()
}

func (m *FakeResourceMapper) RemoveMapping(resourceID string) {
	m.lock.Lock()
	delete(m.mappings, resourceID)
	m.lock.Unlock()
}

func (m *FakeResourceMapper) Get(resourceID string) (clustering.Member, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if member, ok := m.mappings[resourceID]; ok {
		return member, nil
	}

	if m.defaultMapping != nil {
		return *m.defaultMapping, nil
	}

	return clustering.Member{}, &clustering.NoMembersAvailableError{ResourceID: resourceID}
}

type FakeClusterOptions struct {
	// Self defaults to the package level Self member.
	Self   clustering.Member
	Logger *zap.Logger
}

// FakeCluster is a real clustering.Cluster whose every snapshot carries the
// same FakeResourceMapper.  Self is marked ready on construction.
type FakeCluster struct {
	*clustering.Cluster

	resourceMapper *FakeResourceMapper
}

func NewFakeCluster(opts FakeClusterOptions) (*FakeCluster, error) {
	self := opts.Self
	if self.Name == "" {
		self = Self
	}

	resourceMapper := NewFakeResourceMapper()

	cluster, err := clustering.NewCluster(clustering.ClusterOptions{
		Self:   self,
		Logger: opts.Logger,
		Partitioner: func(readyMembers []clustering.Member) clustering.ResourceMapper {
			return resourceMapper
		},
	})
	if err != nil {
		return nil, err
	}

	cluster.ClusterChanged([]clustering.Member{self}, nil)

	return &FakeCluster{
		Cluster:        cluster,
		resourceMapper: resourceMapper,
	}, nil
}

func (c *FakeCluster) ResourceMapper() *FakeResourceMapper {
	return c.resourceMapper
}

// MembersReady marks members as ready and waits for watchers to observe it.
func (c *FakeCluster) MembersReady(ctx context.Context, members ...clustering.Member) error {
	c.ClusterChanged(members, nil)
	return c.Sync(ctx)
}

// MembersNotReady marks members as not ready and waits for watchers to
// observe it.
func (c *FakeCluster) MembersNotReady(ctx context.Context, members ...clustering.Member) error {
	c.ClusterChanged(nil, members)
	return c.Sync(ctx)
}
