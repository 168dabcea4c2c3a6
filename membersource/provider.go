/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package membersource feeds cluster membership from a discovery system into
// a clustering.Cluster.  Providers list the live members of the cluster; a
// Syncer turns each provider snapshot into ready and not-ready members.
package membersource

import (
	"context"
	"errors"
)

var (
	ErrAlreadyLeft = errors.New("member already left")
	ErrNotJoined   = errors.New("provider has not been joined")
)

type Membership interface {
	UpdateMetaData(ctx context.Context, metaData []byte) error
	Leave(ctx context.Context) error
}

// Entry is one live member as seen by a Provider.
type Entry struct {
	MemberID string
	MetaData []byte
}

// Snapshot is the full list of live members at a revision.  Revisions from a
// single provider only ever increase.
type Snapshot struct {
	Revision []uint64
	Members  []*Entry
}

/*
Note that the Join/Leave calls must not be called concurrently.  It is however
safe to concurrently call Join or Leave alongside Watch/Get calls.
*/
type Provider interface {
	Join(ctx context.Context, memberID string, metaData []byte) (Membership, error)

	// Watch emits the current snapshot followed by a snapshot after every
	// change.  Intermediate snapshots may be skipped when the reader falls
	// behind.  The channel is closed once ctx is cancelled.
	Watch(ctx context.Context) (<-chan *Snapshot, error)
	Get(ctx context.Context) (*Snapshot, error)
}
