/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package membersource

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

type InProcProviderOptions struct {
	DisableVersions bool
}

type inProcMembership struct {
	parent   *InProcProvider
	memberID string
	metaData []byte
}

// InProcProvider is a Provider shared by members living in the same process,
// used by tests and single node deployments.
type InProcProvider struct {
	lock     sync.Mutex
	revision uint64
	members  []*inProcMembership
	watchers []chan *Snapshot
}

var _ Provider = (*InProcProvider)(nil)

func NewInProcProvider(opts InProcProviderOptions) (*InProcProvider, error) {
	var initialVersion uint64 = 1
	if opts.DisableVersions {
		initialVersion = 0
	}

	return &InProcProvider{
		revision: initialVersion,
	}, nil
}

func (p *InProcProvider) getSnapLocked() *Snapshot {
	members := make([]*Entry, 0, len(p.members))
	for _, memberI := range p.members {
		members = append(members, &Entry{
			MemberID: memberI.memberID,
			MetaData: memberI.metaData,
		})
	}

	return &Snapshot{
		Revision: []uint64{p.revision},
		Members:  members,
	}
}

// sendLatest replaces any snapshot the watcher has not read yet.  Only the
// signalling side writes to watcher channels, and it does so under the lock,
// so the send after draining cannot block.
func sendLatest(ch chan *Snapshot, snap *Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	ch <- snap
}

func (p *InProcProvider) signalUpdatedLocked() {
	if p.revision > 0 {
		p.revision++
	}

	newSnap := p.getSnapLocked()

	for _, outputCh := range p.watchers {
		sendLatest(outputCh, newSnap)
	}
}

func (p *InProcProvider) removeMemberLocked(m *inProcMembership) bool {
	memberIdx := slices.Index(p.members, m)
	if memberIdx == -1 {
		return false
	}

	p.members = slices.Delete(p.members, memberIdx, memberIdx+1)
	return true
}

func (p *InProcProvider) removeWatcherLocked(ch chan *Snapshot) bool {
	watcherIdx := slices.Index(p.watchers, ch)
	if watcherIdx == -1 {
		return false
	}

	p.watchers = slices.Delete(p.watchers, watcherIdx, watcherIdx+1)
	return true
}

func (p *InProcProvider) Join(ctx context.Context, memberID string, metaData []byte) (Membership, error) {
	m := &inProcMembership{
		parent:   p,
		memberID: memberID,
		metaData: slices.Clone(metaData),
	}

	p.lock.Lock()
	p.members = append(p.members, m)
	p.signalUpdatedLocked()
	p.lock.Unlock()

	return m, nil
}

func (m *inProcMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	metaData = slices.Clone(metaData)

	m.parent.lock.Lock()
	defer m.parent.lock.Unlock()

	if slices.Index(m.parent.members, m) == -1 {
		return ErrAlreadyLeft
	}

	m.metaData = metaData
	m.parent.signalUpdatedLocked()

	return nil
}

func (m *inProcMembership) Leave(ctx context.Context) error {
	m.parent.lock.Lock()
	defer m.parent.lock.Unlock()

	if !m.parent.removeMemberLocked(m) {
		return ErrAlreadyLeft
	}

	m.parent.signalUpdatedLocked()

	return nil
}

func (p *InProcProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	outputCh := make(chan *Snapshot, 1)

	p.lock.Lock()
	outputCh <- p.getSnapLocked()
	p.watchers = append(p.watchers, outputCh)
	p.lock.Unlock()

	go func() {
		<-ctx.Done()

		p.lock.Lock()
		p.removeWatcherLocked(outputCh)
		close(outputCh)
		p.lock.Unlock()
	}()

	return outputCh, nil
}

func (p *InProcProvider) Get(ctx context.Context) (*Snapshot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.getSnapLocked(), nil
}
