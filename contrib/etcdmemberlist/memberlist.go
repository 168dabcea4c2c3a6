/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package etcdmemberlist keeps a list of live members in etcd.  Each member
// owns a key under a shared prefix which is bound to an etcd lease, so the key
// disappears when the member stops refreshing it.
package etcdmemberlist

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const MinLeasePeriod = 5 * time.Second

var (
	ErrLeasePeriodTooShort = errors.New("lease period must be at least 5 seconds")
	ErrWatchClosed         = errors.New("member watch closed before the initial snapshot")
)

type MemberListOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

type MemberList struct {
	etcdClient *etcd.Client
	keyPrefix  string
	logger     *zap.Logger
}

type Member struct {
	MemberID string
	MetaData []byte
}

type MembersSnapshot struct {
	Revision int64
	Members  []*Member
}

func NewMemberList(opts MemberListOptions) (*MemberList, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemberList{
		etcdClient: opts.EtcdClient,
		keyPrefix:  opts.KeyPrefix,
		logger:     logger,
	}, nil
}

type JoinOptions struct {
	MemberID    string
	MetaData    []byte
	LeasePeriod time.Duration

	// OnLost is invoked if the membership's etcd lease can no longer be kept
	// alive, after which the member is no longer listed.
	OnLost func()
}

func (ml *MemberList) membersPrefix() string {
	return ml.keyPrefix + "/"
}

func (ml *MemberList) Join(ctx context.Context, opts *JoinOptions) (*Membership, error) {
	if opts == nil {
		opts = &JoinOptions{}
	}

	memberID := opts.MemberID
	if memberID == "" {
		memberID = uuid.NewString()
	}

	leasePeriod := MinLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcd enforces the same minimum
		if opts.LeasePeriod < MinLeasePeriod {
			return nil, ErrLeasePeriodTooShort
		}

		leasePeriod = opts.LeasePeriod
	}

	m := &Membership{
		etcdClient:  ml.etcdClient,
		logger:      ml.logger.With(zap.String("memberId", memberID)),
		key:         ml.membersPrefix() + memberID,
		leasePeriod: leasePeriod,
		metaData:    opts.MetaData,
		onLost:      opts.OnLost,
	}

	err := m.join(ctx)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (ml *MemberList) snapshotFromKeys(revision int64, keyMap map[string][]byte) *MembersSnapshot {
	membersPrefix := ml.membersPrefix()

	members := make([]*Member, 0, len(keyMap))
	for memberKey, memberData := range keyMap {
		members = append(members, &Member{
			MemberID: memberKey[len(membersPrefix):],
			MetaData: memberData,
		})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].MemberID < members[j].MemberID
	})

	return &MembersSnapshot{
		Revision: revision,
		Members:  members,
	}
}

func (ml *MemberList) fetchKeys(ctx context.Context) (int64, map[string][]byte, error) {
	resp, err := ml.etcdClient.KV.Get(ctx, ml.membersPrefix(), etcd.WithPrefix())
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to list members")
	}

	keyMap := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}

	return resp.Header.Revision, keyMap, nil
}

func (ml *MemberList) Members(ctx context.Context) (*MembersSnapshot, error) {
	revision, keyMap, err := ml.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	return ml.snapshotFromKeys(revision, keyMap), nil
}

// WatchMembers emits the current member list followed by a new list after
// every change.  The channel is closed when ctx is cancelled or the
// underlying etcd watch fails.
func (ml *MemberList) WatchMembers(ctx context.Context) (<-chan *MembersSnapshot, error) {
	revision, keyMap, err := ml.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan *MembersSnapshot, 1)
	outputCh <- ml.snapshotFromKeys(revision, keyMap)

	watchCh := ml.etcdClient.Watcher.Watch(ctx, ml.membersPrefix(),
		etcd.WithPrefix(),
		etcd.WithRev(revision+1))

	go func() {
		defer close(outputCh)

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				ml.logger.Warn("etcd member watch failed", zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				switch evt.Type {
				case mvccpb.PUT:
					keyMap[string(evt.Kv.Key)] = evt.Kv.Value
				case mvccpb.DELETE:
					delete(keyMap, string(evt.Kv.Key))
				default:
					ml.logger.Warn("ignoring unexpected etcd event type",
						zap.Stringer("type", evt.Type))
				}
			}

			select {
			case outputCh <- ml.snapshotFromKeys(watchResp.Header.Revision, keyMap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}
