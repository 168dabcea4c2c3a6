/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package revisionarr compares revisions represented as arrays of uint64s.
// Element 0 is the least significant, and missing elements count as zero,
// so a provider can extend its revision without invalidating older ones.
package revisionarr

// Compare returns 0 if a == b, -1 if a < b and +1 if a > b.  A nil revision
// is the same as an empty one.
func Compare(a, b []uint64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	for elIdx := n - 1; elIdx >= 0; elIdx-- {
		av := elementAt(a, elIdx)
		bv := elementAt(b, elIdx)
		if av > bv {
			return +1
		} else if av < bv {
			return -1
		}
	}

	return 0
}

func elementAt(rev []uint64, elIdx int) uint64 {
	if elIdx < len(rev) {
		return rev[elIdx]
	}
	return 0
}
