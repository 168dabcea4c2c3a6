/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package membersource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/stellar-coordinator/clustering"
	"github.com/couchbase/stellar-coordinator/utils/latestonlychannel"
	"github.com/couchbase/stellar-coordinator/utils/revisionarr"
	"go.uber.org/zap"
)

var errWatchClosed = errors.New("membership watch closed")

// MemberApplier is satisfied by *clustering.Cluster.
type MemberApplier interface {
	Self() clustering.Member
	ApplyMembers(members []clustering.Member)
}

type SyncerOptions struct {
	Provider Provider
	Cluster  MemberApplier
	Logger   *zap.Logger

	// LeaveTimeout bounds leaving the provider once Run is cancelled.
	LeaveTimeout time.Duration

	// NewBackOff controls the delay between watch attempts.  Defaults to an
	// unbounded exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Syncer registers the local member with a Provider and mirrors the
// provider's member list into a cluster.  Every member listed by the provider
// is considered ready.
type Syncer struct {
	provider     Provider
	cluster      MemberApplier
	logger       *zap.Logger
	leaveTimeout time.Duration
	newBackOff   func() backoff.BackOff

	lastRevision []uint64
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Provider == nil || opts.Cluster == nil {
		return nil, errors.New("a provider and a cluster must be provided")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	leaveTimeout := opts.LeaveTimeout
	if leaveTimeout <= 0 {
		leaveTimeout = 5 * time.Second
	}

	newBackOff := opts.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.MaxElapsedTime = 0
			return bo
		}
	}

	return &Syncer{
		provider:     opts.Provider,
		cluster:      opts.Cluster,
		logger:       logger,
		leaveTimeout: leaveTimeout,
		newBackOff:   newBackOff,
	}, nil
}

// Run joins the provider and keeps the cluster in sync until ctx is
// cancelled, then leaves the provider and clears the cluster's ready set.
func (s *Syncer) Run(ctx context.Context) error {
	self := s.cluster.Self()

	metaData, err := EncodeMemberMeta(self)
	if err != nil {
		return err
	}

	membership, err := s.provider.Join(ctx, self.Name, metaData)
	if err != nil {
		return fmt.Errorf("failed to join membership provider: %w", err)
	}

	s.logger.Info("joined membership provider", zap.Stringer("self", self))

	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), s.leaveTimeout)
		defer cancel()

		err := membership.Leave(leaveCtx)
		if err != nil {
			s.logger.Warn("failed to leave membership provider", zap.Error(err))
		}

		// without a watch nobody can be confirmed ready
		s.cluster.ApplyMembers(nil)
	}()

	bo := s.newBackOff()
	for {
		err := s.watch(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("giving up on membership watch: %w", err)
		}

		s.logger.Warn("membership watch failed, retrying",
			zap.Error(err),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Syncer) watch(ctx context.Context, bo backoff.BackOff) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapCh, err := s.provider.Watch(watchCtx)
	if err != nil {
		return err
	}

	for snap := range latestonlychannel.Wrap(snapCh) {
		s.apply(snap)
		bo.Reset()
	}

	return errWatchClosed
}

func (s *Syncer) apply(snap *Snapshot) {
	if revisionarr.Compare(snap.Revision, s.lastRevision) < 0 {
		s.logger.Debug("ignoring stale membership snapshot",
			zap.Uint64s("revision", snap.Revision),
			zap.Uint64s("lastRevision", s.lastRevision))
		return
	}
	s.lastRevision = snap.Revision

	members := make([]clustering.Member, 0, len(snap.Members))
	for _, entry := range snap.Members {
		member, err := DecodeMember(entry)
		if err != nil {
			s.logger.Error("skipping member with invalid meta-data", zap.Error(err))
			continue
		}

		members = append(members, member)
	}

	s.cluster.ApplyMembers(members)
}
