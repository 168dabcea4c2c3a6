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
	"time"

	"github.com/couchbase/stellar-coordinator/contrib/etcdmemberlist"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdProviderOptions struct {
	EtcdClient  *etcd.Client
	KeyPrefix   string
	LeasePeriod time.Duration
	Logger      *zap.Logger

	// OnMembershipLost is invoked if this process drops out of the member
	// list because its etcd lease expired.
	OnMembershipLost func()
}

type EtcdProvider struct {
	ml          *etcdmemberlist.MemberList
	leasePeriod time.Duration
	onLost      func()
}

var _ Provider = (*EtcdProvider)(nil)

func NewEtcdProvider(opts EtcdProviderOptions) (*EtcdProvider, error) {
	ml, err := etcdmemberlist.NewMemberList(etcdmemberlist.MemberListOptions{
		EtcdClient: opts.EtcdClient,
		KeyPrefix:  opts.KeyPrefix,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &EtcdProvider{
		ml:          ml,
		leasePeriod: opts.LeasePeriod,
		onLost:      opts.OnMembershipLost,
	}, nil
}

func (p *EtcdProvider) Join(ctx context.Context, memberID string, metaData []byte) (Membership, error) {
	mb, err := p.ml.Join(ctx, &etcdmemberlist.JoinOptions{
		MemberID:    memberID,
		MetaData:    metaData,
		LeasePeriod: p.leasePeriod,
		OnLost:      p.onLost,
	})
	if err != nil {
		return nil, err
	}

	return &etcdMembership{mb}, nil
}

type etcdMembership struct {
	ms *etcdmemberlist.Membership
}

func (m *etcdMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	return m.ms.SetMetaData(ctx, metaData)
}

func (m *etcdMembership) Leave(ctx context.Context) error {
	return m.ms.Leave(ctx)
}

func procMemberList(snap *etcdmemberlist.MembersSnapshot) *Snapshot {
	members := make([]*Entry, 0, len(snap.Members))
	for _, entry := range snap.Members {
		members = append(members, &Entry{
			MemberID: entry.MemberID,
			MetaData: entry.MetaData,
		})
	}

	return &Snapshot{
		Revision: []uint64{uint64(snap.Revision)},
		Members:  members,
	}
}

func (p *EtcdProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	snapEvts, err := p.ml.WatchMembers(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan *Snapshot, 1)
	go func() {
		defer close(outputCh)

		for snap := range snapEvts {
			select {
			case outputCh <- procMemberList(snap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}

func (p *EtcdProvider) Get(ctx context.Context) (*Snapshot, error) {
	memberSnap, err := p.ml.Members(ctx)
	if err != nil {
		return nil, err
	}

	return procMemberList(memberSnap), nil
}
