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
	"strings"

	"golang.org/x/exp/slices"
)

// Member identifies a single peer in the cluster.  Two members with the same
// name and address are interchangeable, which allows Member to be used as a
// map key and compared with ==.
type Member struct {
	Name    string
	Address string
}

func (m Member) String() string {
	return m.Name + "@" + m.Address
}

func compareMembers(a, b Member) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return strings.Compare(a.Address, b.Address)
}

// sortedMembers returns a sorted copy of members with duplicates removed.
func sortedMembers(members []Member) []Member {
	out := slices.Clone(members)
	slices.SortFunc(out, compareMembers)
	return slices.Compact(out)
}

func containsMember(members []Member, m Member) bool {
	_, found := slices.BinarySearchFunc(members, m, compareMembers)
	return found
}
