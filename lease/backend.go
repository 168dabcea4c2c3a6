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
	"context"
	"errors"
)

var (
	ErrBackendUnavailable = errors.New("lease backend unavailable")
)

// Backend is the coordination service leases are stored in.  The backend is
// responsible for mutual exclusion keyed by lease name.  Implementations
// should return an error wrapping ErrBackendUnavailable when the service
// cannot be reached, any other error is treated as an ambiguous outcome.
//
// Records created by TryAcquire should be bound to the liveness of the
// creating process (a session, TTL or similar) so that a crashed holder
// eventually frees its leases.
type Backend interface {
	// TryAcquire creates the lease record for holderID.  It returns true if
	// the record was created or is already owned by holderID, and false if
	// another holder owns it.
	TryAcquire(ctx context.Context, name, holderID string) (bool, error)

	// Release deletes the lease record if, and only if, it is owned by
	// holderID.
	Release(ctx context.Context, name, holderID string) error

	// Holder returns the current owner of the lease record.
	Holder(ctx context.Context, name string) (holderID string, held bool, err error)
}
