/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type managedLease struct {
	manager *DefaultManager
	name    string
	logger  *zap.Logger

	state atomic.Int32

	// opLock serializes transitions, backend calls and listener callbacks.
	// Waiting for it honours context cancellation.
	opLock         *semaphore.Weighted
	listeners      []StateChangeListener
	pendingRelease bool
}

var _ Lease = (*managedLease)(nil)

func (l *managedLease) lock() {
	// a background context never fails the acquire
	_ = l.opLock.Acquire(context.Background(), 1)
}

func (l *managedLease) unlock() {
	l.opLock.Release(1)
}

func (l *managedLease) Name() string {
	return l.name
}

func (l *managedLease) State() State {
	return State(l.state.Load())
}

func (l *managedLease) CheckHeld() bool {
	return l.State() == LocallyHeld
}

func (l *managedLease) CheckHeldElsewhere() bool {
	return l.State() == HeldElsewhere
}

func (l *managedLease) setStateLocked(state State) {
	prev := State(l.state.Swap(int32(state)))
	if prev == state {
		return
	}

	l.logger.Debug("lease state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", state))

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("lease", l.name))
	if state == LocallyHeld {
		l.manager.metrics.HeldLeases.Add(ctx, 1, attrs)
	} else if prev == LocallyHeld {
		l.manager.metrics.HeldLeases.Add(ctx, -1, attrs)
	}
}

func (l *managedLease) AddListener(listener StateChangeListener) {
	l.lock()
	defer l.unlock()

	l.listeners = append(l.listeners, listener)

	if l.CheckHeld() {
		l.invokeListener(listener, true)
	}
}

func (l *managedLease) notifyLocked(acquired bool) {
	for _, listener := range l.listeners {
		l.invokeListener(listener, acquired)
	}
}

func (l *managedLease) invokeListener(listener StateChangeListener, acquired bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lease listener panicked",
				zap.Bool("acquired", acquired),
				zap.Any("panic", r))
		}
	}()

	if acquired {
		listener.AfterAcquire(l)
	} else {
		listener.BeforeRelease(l)
	}
}

func (l *managedLease) Acquire() bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.manager.acquireTimeout)
	defer cancel()

	acquired, err := l.AcquireContext(ctx)
	if err != nil {
		l.logger.Warn("failed to acquire lease", zap.Error(err))
		return false
	}

	return acquired
}

func (l *managedLease) AcquireContext(ctx context.Context) (bool, error) {
	if l.manager.closed.Load() {
		return false, ErrManagerClosed
	}

	err := l.opLock.Acquire(ctx, 1)
	if err != nil {
		return false, err
	}
	defer l.unlock()

	return l.acquireLocked(ctx, true)
}

func (l *managedLease) acquireLocked(ctx context.Context, retry bool) (bool, error) {
	if l.manager.closed.Load() {
		return false, ErrManagerClosed
	}

	if l.CheckHeld() {
		return true, nil
	}

	if !l.manager.shouldHold(l.name) {
		l.logger.Debug("not acquiring lease owned by another member")
		return false, nil
	}

	ctx, span := l.manager.tracer.Start(ctx, "lease acquire",
		trace.WithAttributes(attribute.String("lease.name", l.name)))
	defer span.End()

	var acquired bool
	var err error
	if retry {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second
		bo.MaxElapsedTime = 0

		acquired, err = backoff.RetryWithData(func() (bool, error) {
			acquired, err := l.manager.backend.TryAcquire(ctx, l.name, l.manager.holderID)
			if err != nil && !errors.Is(err, ErrBackendUnavailable) {
				return false, backoff.Permanent(err)
			}
			return acquired, err
		}, backoff.WithContext(bo, ctx))
	} else {
		acquired, err = l.manager.backend.TryAcquire(ctx, l.name, l.manager.holderID)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if !acquired {
		span.SetAttributes(attribute.Bool("lease.held_elsewhere", true))
		l.setStateLocked(HeldElsewhere)
		return false, nil
	}

	l.pendingRelease = false
	l.setStateLocked(LocallyHeld)
	l.manager.metrics.LeaseAcquisitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("lease", l.name)))
	l.logger.Info("acquired lease")

	l.notifyLocked(true)

	return true, nil
}

func (l *managedLease) Release() bool {
	return l.ReleaseLazy(false)
}

func (l *managedLease) ReleaseLazy(lazy bool) bool {
	l.lock()
	defer l.unlock()

	return l.releaseLocked(lazy)
}

func (l *managedLease) releaseLocked(lazy bool) bool {
	if !l.CheckHeld() {
		return false
	}

	l.notifyLocked(false)

	l.setStateLocked(NotHeld)
	l.pendingRelease = true
	l.manager.metrics.LeaseReleases.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("lease", l.name)))
	l.logger.Info("released lease", zap.Bool("lazy", lazy))

	if !lazy {
		ctx, cancel := context.WithTimeout(context.Background(), l.manager.acquireTimeout)
		l.flushReleaseLocked(ctx)
		cancel()
	}

	return true
}

// flushReleaseLocked removes a released lease's record from the backend.
func (l *managedLease) flushReleaseLocked(ctx context.Context) {
	if !l.pendingRelease {
		return
	}

	err := l.manager.backend.Release(ctx, l.name, l.manager.holderID)
	if err != nil {
		l.logger.Warn("failed to remove released lease from backend, will retry", zap.Error(err))
		return
	}

	l.pendingRelease = false
}

func (l *managedLease) flushRelease(ctx context.Context) {
	l.lock()
	defer l.unlock()

	l.flushReleaseLocked(ctx)
}

// loseLocked records an involuntary loss of a held lease.  The state is
// changed before listeners run so that CheckHeld is already false inside
// BeforeRelease.
func (l *managedLease) loseLocked(state State, reason string, err error) {
	l.setStateLocked(state)
	l.pendingRelease = true
	l.manager.metrics.LeaseLosses.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("lease", l.name)))
	l.logger.Warn("lost lease",
		zap.String("reason", reason),
		zap.Stringer("state", state),
		zap.Error(err))

	l.notifyLocked(false)
}

func (l *managedLease) connectionLost() {
	l.lock()
	defer l.unlock()

	if l.CheckHeld() {
		l.loseLocked(NotHeld, "connection lost", nil)
	}
}

func (l *managedLease) check(ctx context.Context) {
	// a lease with an acquire or release in flight is checked next time
	if !l.opLock.TryAcquire(1) {
		return
	}
	defer l.unlock()

	l.checkLocked(ctx)
}

// forceCheck is check without skipping a busy lease.
func (l *managedLease) forceCheck(ctx context.Context) {
	err := l.opLock.Acquire(ctx, 1)
	if err != nil {
		l.logger.Debug("gave up waiting to check lease", zap.Error(err))
		return
	}
	defer l.unlock()

	l.checkLocked(ctx)
}

func (l *managedLease) checkLocked(ctx context.Context) {
	if l.manager.closed.Load() {
		return
	}

	l.flushReleaseLocked(ctx)

	holderID, held, err := l.manager.backend.Holder(ctx, l.name)
	if err != nil {
		if l.CheckHeld() {
			l.loseLocked(NotHeld, "unable to confirm ownership", err)
		}
		return
	}

	heldBySelf := held && holderID == l.manager.holderID

	switch l.State() {
	case LocallyHeld:
		if !heldBySelf {
			if held {
				l.loseLocked(HeldElsewhere, "held by another member", nil)
			} else {
				l.loseLocked(NotHeld, "lease record disappeared", nil)
			}
			return
		}

		if !l.manager.shouldHold(l.name) {
			l.logger.Info("releasing lease no longer assigned to this member")
			l.releaseLocked(false)
			return
		}

		return

	default:
		if heldBySelf {
			// a record we own but do not consider held is removed, unless
			// it is about to be acquired again below.
			if !l.manager.autoAcquire || !l.manager.shouldHold(l.name) {
				l.pendingRelease = true
				l.flushReleaseLocked(ctx)
				l.setStateLocked(NotHeld)
				return
			}
		} else if held {
			l.setStateLocked(HeldElsewhere)
		} else {
			l.setStateLocked(NotHeld)
		}
	}

	if l.manager.autoAcquire && (!held || heldBySelf) {
		_, err := l.acquireLocked(ctx, false)
		if err != nil {
			l.logger.Debug("background lease acquisition failed", zap.Error(err))
		}
	}
}
