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
	"hash/fnv"

	"github.com/twmb/murmur3"
)

// HashFunc maps a byte string onto the 32-bit ring.
type HashFunc func(data []byte) uint32

// DefaultHashFunc is the 32-bit x86 murmur3 hash with a zero seed.
func DefaultHashFunc(data []byte) uint32 {
	return murmur3.Sum32(data)
}

// FNV32aHashFunc is an alternative ring hash.  It distributes worse than
// murmur3 for short keys but is handy when interoperating with systems that
// already place resources with FNV-1a.
func FNV32aHashFunc(data []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(data)
	return h.Sum32()
}
