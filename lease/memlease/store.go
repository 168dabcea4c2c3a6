/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package memlease is a process-local lease.Backend.  Several lease managers
// sharing one Store behave like separate processes contending for the same
// leases, which makes it useful for tests and single node deployments.
package memlease

import (
	"context"
	"sync"
	"time"

	"github.com/couchbase/stellar-coordinator/lease"
	"golang.org/x/exp/maps"
)

type Store struct {
	lock        sync.Mutex
	holders     map[string]string
	unavailable bool
	latency     time.Duration
}

var _ lease.Backend = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		holders: make(map[string]string),
	}
}

// SetUnavailable simulates losing connectivity to the coordination service.
func (s *Store) SetUnavailable(unavailable bool) {
	s.lock.Lock()
	s.unavailable = unavailable
	s.lock.Unlock()
}

// SetLatency delays every operation by d, or until its context is done.
func (s *Store) SetLatency(d time.Duration) {
	s.lock.Lock()
	s.latency = d
	s.lock.Unlock()
}

// ForceHolder makes holderID the owner of name regardless of its current
// owner.
func (s *Store) ForceHolder(name, holderID string) {
	s.lock.Lock()
	s.holders[name] = holderID
	s.lock.Unlock()
}

// Clear removes the record for name regardless of its owner.
func (s *Store) Clear(name string) {
	s.lock.Lock()
	delete(s.holders, name)
	s.lock.Unlock()
}

// Holders returns a copy of every lease record.
func (s *Store) Holders() map[string]string {
	s.lock.Lock()
	defer s.lock.Unlock()

	return maps.Clone(s.holders)
}

func (s *Store) begin(ctx context.Context) error {
	s.lock.Lock()
	latency := s.latency
	s.lock.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return ctx.Err()
}

func (s *Store) TryAcquire(ctx context.Context, name, holderID string) (bool, error) {
	if err := s.begin(ctx); err != nil {
		return false, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavailable {
		return false, lease.ErrBackendUnavailable
	}

	current, ok := s.holders[name]
	if ok && current != holderID {
		return false, nil
	}

	s.holders[name] = holderID
	return true, nil
}

func (s *Store) Release(ctx context.Context, name, holderID string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavailable {
		return lease.ErrBackendUnavailable
	}

	if s.holders[name] == holderID {
		delete(s.holders, name)
	}

	return nil
}

func (s *Store) Holder(ctx context.Context, name string) (string, bool, error) {
	if err := s.begin(ctx); err != nil {
		return "", false, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.unavailable {
		return "", false, lease.ErrBackendUnavailable
	}

	holderID, ok := s.holders[name]
	return holderID, ok, nil
}
