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
	"errors"
)

var (
	ErrNoMembersAvailable = errors.New("no members available")
	ErrInconsistentRing   = errors.New("hash ring vnode has no owner")
	ErrClusterClosed      = errors.New("cluster closed")
	ErrInvalidSelf        = errors.New("self member must have a name")
)

// NoMembersAvailableError is returned by a ResourceMapper which has no members
// to map a resource onto.
type NoMembersAvailableError struct {
	ResourceID string
}

func (e *NoMembersAvailableError) Error() string {
	return "no members available for resource " + e.ResourceID
}

func (e *NoMembersAvailableError) Unwrap() error {
	return ErrNoMembersAvailable
}
