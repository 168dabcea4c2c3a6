/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdmemberlist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type Membership struct {
	etcdClient  *etcd.Client
	logger      *zap.Logger
	key         string
	leasePeriod time.Duration
	onLost      func()

	lock     sync.Mutex
	metaData []byte
	leaseID  etcd.LeaseID
	kaCancel context.CancelFunc
	leaving  bool
	lostOnce sync.Once
}

func (m *Membership) join(ctx context.Context) error {
	leaseTimeoutInSecs := int64(m.leasePeriod / time.Second)

	lease, err := m.etcdClient.Lease.Grant(ctx, leaseTimeoutInSecs)
	if err != nil {
		return errors.Wrap(err, "failed to grant membership lease")
	}

	// the keep-alive outlives the join context
	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := m.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to keep membership lease alive")
	}

	m.lock.Lock()
	m.leaseID = lease.ID
	m.kaCancel = kaCancel
	m.lock.Unlock()

	go func() {
		for range leaseKaCh {
		}

		m.lock.Lock()
		leaving := m.leaving
		m.lock.Unlock()

		if !leaving {
			m.logger.Warn("lost etcd membership lease")
			m.lostOnce.Do(func() {
				if m.onLost != nil {
					m.onLost()
				}
			})
		}
	}()

	_, err = m.etcdClient.KV.Put(ctx, m.key, string(m.metaData), etcd.WithLease(lease.ID))
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to register member")
	}

	m.logger.Debug("joined etcd member list", zap.String("key", m.key))

	return nil
}

func (m *Membership) SetMetaData(ctx context.Context, data []byte) error {
	m.lock.Lock()
	m.metaData = data
	leaseID := m.leaseID
	m.lock.Unlock()

	_, err := m.etcdClient.KV.Put(ctx, m.key, string(data), etcd.WithLease(leaseID))
	if err != nil {
		return errors.Wrap(err, "failed to update member meta-data")
	}

	return nil
}

// Leave removes the member and revokes its etcd lease.
func (m *Membership) Leave(ctx context.Context) error {
	m.lock.Lock()
	m.leaving = true
	leaseID := m.leaseID
	kaCancel := m.kaCancel
	m.lock.Unlock()

	_, err := m.etcdClient.KV.Delete(ctx, m.key)
	if err != nil {
		return errors.Wrap(err, "failed to remove member")
	}

	if kaCancel != nil {
		kaCancel()
	}

	_, err = m.etcdClient.Lease.Revoke(ctx, leaseID)
	if err != nil {
		return errors.Wrap(err, "failed to revoke membership lease")
	}

	return nil
}
