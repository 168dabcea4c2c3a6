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
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const DefaultVnodesCount = 16

// ResourceMapper maps an opaque resource identifier onto the member which
// owns it.
type ResourceMapper interface {
	Get(resourceID string) (Member, error)
}

type HashRingOptions struct {
	HashFunc    HashFunc
	VnodesCount int
	Logger      *zap.Logger
}

// HashRing is a consistent hash ResourceMapper.  Each member is placed on the
// ring VnodesCount times, and a resource belongs to the member owning the
// first vnode at or after the resource's hash.  A HashRing is immutable once
// built and can be shared between goroutines freely.
type HashRing struct {
	logger      *zap.Logger
	hashFn      HashFunc
	vnodesCount int
	members     []Member
	vnodes      []uint32
	owners      map[uint32]Member
}

var _ ResourceMapper = (*HashRing)(nil)

func NewHashRing(members []Member, opts *HashRingOptions) *HashRing {
	if opts == nil {
		opts = &HashRingOptions{}
	}

	hashFn := opts.HashFunc
	if hashFn == nil {
		hashFn = DefaultHashFunc
	}

	vnodesCount := opts.VnodesCount
	if vnodesCount <= 0 {
		vnodesCount = DefaultVnodesCount
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// members are placed in sorted order so that collisions always resolve
	// to the same owner regardless of the order the caller passed them in.
	members = sortedMembers(members)

	owners := make(map[uint32]Member, len(members)*vnodesCount)
	vnodes := make([]uint32, 0, len(members)*vnodesCount)
	for _, member := range members {
		for replica := 0; replica < vnodesCount; replica++ {
			vnodeHash := hashFn([]byte(member.Name + " " + strconv.Itoa(replica)))

			if prev, ok := owners[vnodeHash]; ok && prev != member {
				logger.Warn("hash ring vnode collision, replacing previous owner",
					zap.Uint32("vnode", vnodeHash),
					zap.Stringer("previous", prev),
					zap.Stringer("member", member))
			}

			owners[vnodeHash] = member
			vnodes = append(vnodes, vnodeHash)
		}
	}

	slices.Sort(vnodes)
	vnodes = slices.Compact(vnodes)

	return &HashRing{
		logger:      logger,
		hashFn:      hashFn,
		vnodesCount: vnodesCount,
		members:     members,
		vnodes:      vnodes,
		owners:      owners,
	}
}

// Get returns the member owning resourceID.  An empty ring returns a
// *NoMembersAvailableError.
func (r *HashRing) Get(resourceID string) (Member, error) {
	if len(r.vnodes) == 0 {
		return Member{}, &NoMembersAvailableError{ResourceID: resourceID}
	}

	resourceHash := r.hashFn([]byte(resourceID))

	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i] >= resourceHash
	})
	if idx == len(r.vnodes) {
		idx = 0
	}

	vnode := r.vnodes[idx]
	owner, ok := r.owners[vnode]
	if !ok {
		r.logger.DPanic("hash ring vnode has no owner",
			zap.Uint32("vnode", vnode),
			zap.String("resourceId", resourceID))
		return Member{}, fmt.Errorf("%w: vnode %d", ErrInconsistentRing, vnode)
	}

	return owner, nil
}

func (r *HashRing) VnodesCount() int {
	return r.vnodesCount
}

// Members returns the distinct members the ring was built from.
func (r *HashRing) Members() []Member {
	return slices.Clone(r.members)
}

// Equal reports whether both rings have the same vnode count, vnode positions
// and vnode owners.
func (r *HashRing) Equal(o *HashRing) bool {
	if r == nil || o == nil {
		return r == o
	}

	return r.vnodesCount == o.vnodesCount &&
		slices.Equal(r.vnodes, o.vnodes) &&
		maps.Equal(r.owners, o.owners)
}

func (r *HashRing) String() string {
	return fmt.Sprintf("HashRing{vnodes=%d, members=%v}", r.vnodesCount, r.members)
}
