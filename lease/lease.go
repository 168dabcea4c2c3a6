/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package lease provides named, exclusive leases shared across a cluster.
// At most one process holds a given lease at any time.  When a process cannot
// confirm it still holds a lease it gives the lease up rather than risk two
// holders.
package lease

import (
	"context"
	"errors"
)

var (
	ErrManagerClosed = errors.New("lease manager closed")
)

type State int

const (
	NotHeld State = iota
	LocallyHeld
	HeldElsewhere
)

func (s State) String() string {
	switch s {
	case NotHeld:
		return "not-held"
	case LocallyHeld:
		return "held"
	case HeldElsewhere:
		return "held-elsewhere"
	}
	return "unknown"
}

// StateChangeListener is notified as the local process gains and loses a
// lease.  BeforeRelease is invoked before a voluntary release and after an
// involuntary loss has already been recorded.
//
// Listeners are invoked with the lease's transition lock held.  They may call
// CheckHeld, CheckHeldElsewhere, State and Name, but must not call Acquire,
// Release or AddListener on the same lease.
type StateChangeListener interface {
	AfterAcquire(l Lease)
	BeforeRelease(l Lease)
}

// ListenerFuncs adapts a pair of functions to StateChangeListener.  Either
// may be nil.
type ListenerFuncs struct {
	OnAcquire func(l Lease)
	OnRelease func(l Lease)
}

var _ StateChangeListener = ListenerFuncs{}

func (f ListenerFuncs) AfterAcquire(l Lease) {
	if f.OnAcquire != nil {
		f.OnAcquire(l)
	}
}

func (f ListenerFuncs) BeforeRelease(l Lease) {
	if f.OnRelease != nil {
		f.OnRelease(l)
	}
}

// Lease is a reusable handle to a named lease.  A single handle can be
// acquired and released any number of times.
type Lease interface {
	Name() string
	State() State

	// Acquire attempts to take the lease, bounded by the manager's acquire
	// timeout.  It returns true if the lease is held on return.
	Acquire() bool

	// AcquireContext is like Acquire but is bounded by ctx.  If ctx is done
	// before the outcome is known, the state is left as it was and the
	// context error is returned.
	AcquireContext(ctx context.Context) (bool, error)

	// Release gives up the lease.  It returns false if the lease was not
	// held.
	Release() bool

	// ReleaseLazy is Release, except that when lazy is true the lease is
	// given up locally right away and the backend record is removed during
	// the next background check.
	ReleaseLazy(lazy bool) bool

	// CheckHeld reports whether this process currently holds the lease.  It
	// never blocks.
	CheckHeld() bool

	// CheckHeldElsewhere reports whether another process was last seen
	// holding the lease.  It never blocks.
	CheckHeldElsewhere() bool

	// AddListener registers l.  If the lease is held, l.AfterAcquire is
	// invoked before AddListener returns.
	AddListener(l StateChangeListener)
}

type Manager interface {
	// RequestLease returns the lease handle for name.  Repeated calls with the
	// same name return the same handle.  The lease is not acquired.
	RequestLease(name string) Lease

	// ReleaseAll releases every lease handed out by this manager.
	ReleaseAll()
}
