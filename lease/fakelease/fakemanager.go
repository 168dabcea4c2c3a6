/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package fakelease provides a lease manager for tests of code which uses
// leases.  Leases are held by default and can be moved to another holder on
// demand.
package fakelease

import (
	"context"

	"github.com/couchbase/stellar-coordinator/lease"
	"github.com/couchbase/stellar-coordinator/lease/memlease"
	"go.uber.org/zap"
)

const (
	SelfHolderID  = "fake-self"
	OtherHolderID = "fake-elsewhere"
)

type FakeManagerOptions struct {
	Logger *zap.Logger
}

type FakeManager struct {
	store   *memlease.Store
	manager *lease.DefaultManager
}

var _ lease.Manager = (*FakeManager)(nil)

func NewFakeManager(opts FakeManagerOptions) (*FakeManager, error) {
	store := memlease.NewStore()

	manager, err := lease.NewManager(lease.ManagerOptions{
		Backend:       store,
		HolderID:      SelfHolderID,
		Logger:        opts.Logger,
		CheckInterval: -1,
	})
	if err != nil {
		return nil, err
	}

	return &FakeManager{
		store:   store,
		manager: manager,
	}, nil
}

// RequestLease returns the named lease, acquiring it unless it was marked as
// held elsewhere.
func (m *FakeManager) RequestLease(name string) lease.Lease {
	l := m.manager.RequestLease(name)
	if l.State() == lease.NotHeld {
		l.Acquire()
	}
	return l
}

func (m *FakeManager) ReleaseAll() {
	m.manager.ReleaseAll()
}

// MarkLeaseHeld makes the local process the holder of name, notifying
// listeners if it was not held already.
func (m *FakeManager) MarkLeaseHeld(name string) {
	m.store.Clear(name)
	m.manager.RequestLease(name).Acquire()
}

// MarkLeaseHeldElsewhere moves name to another holder, notifying listeners if
// it was held locally.
func (m *FakeManager) MarkLeaseHeldElsewhere(name string) {
	m.store.ForceHolder(name, OtherHolderID)
	m.manager.CheckLease(context.Background(), name)
}

func (m *FakeManager) Close() {
	m.manager.Close()
}
