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
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/stellar-coordinator/pkg/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/exp/slices"
)

const (
	DefaultCheckInterval  = 5 * time.Second
	DefaultAcquireTimeout = 10 * time.Second
)

var (
	ErrNoBackend = errors.New("a lease backend must be provided")
)

type ManagerOptions struct {
	Backend Backend

	// HolderID identifies this process to the backend.  Defaults to a random
	// uuid.
	HolderID string

	Logger *zap.Logger

	// CheckInterval is how often held leases are confirmed with the backend,
	// and therefore bounds how long a lost lease can go unnoticed.  A
	// negative value disables background checks.
	CheckInterval time.Duration

	AcquireTimeout time.Duration

	Gate Gate

	// AutoAcquire makes background checks acquire any lease the Gate allows
	// this process to hold.
	AutoAcquire bool

	Metrics *metrics.CoordMetrics
	Tracer  trace.Tracer
}

type DefaultManager struct {
	logger         *zap.Logger
	backend        Backend
	holderID       string
	checkInterval  time.Duration
	acquireTimeout time.Duration
	gate           Gate
	autoAcquire    bool
	metrics        *metrics.CoordMetrics
	tracer         trace.Tracer

	lock   sync.Mutex
	leases map[string]*managedLease

	closed    atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

var _ Manager = (*DefaultManager)(nil)

func NewManager(opts ManagerOptions) (*DefaultManager, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	holderID := opts.HolderID
	if holderID == "" {
		holderID = uuid.NewString()
	}

	checkInterval := opts.CheckInterval
	if checkInterval == 0 {
		checkInterval = DefaultCheckInterval
	}

	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	coordMetrics := opts.Metrics
	if coordMetrics == nil {
		coordMetrics = metrics.GetCoordMetrics()
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/couchbase/stellar-coordinator/lease")
	}

	return &DefaultManager{
		logger:         logger,
		backend:        opts.Backend,
		holderID:       holderID,
		checkInterval:  checkInterval,
		acquireTimeout: acquireTimeout,
		gate:           opts.Gate,
		autoAcquire:    opts.AutoAcquire,
		metrics:        coordMetrics,
		tracer:         tracer,
		leases:         make(map[string]*managedLease),
		triggerCh:      make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

func (m *DefaultManager) HolderID() string {
	return m.holderID
}

func (m *DefaultManager) RequestLease(name string) Lease {
	return m.requestLease(name)
}

func (m *DefaultManager) requestLease(name string) *managedLease {
	m.lock.Lock()
	defer m.lock.Unlock()

	l, ok := m.leases[name]
	if !ok {
		l = &managedLease{
			manager: m,
			name:    name,
			logger:  m.logger.With(zap.String("lease", name)),
			opLock:  semaphore.NewWeighted(1),
		}
		m.leases[name] = l
	}

	return l
}

func (m *DefaultManager) allLeases() []*managedLease {
	m.lock.Lock()
	defer m.lock.Unlock()

	leases := make([]*managedLease, 0, len(m.leases))
	for _, l := range m.leases {
		leases = append(leases, l)
	}

	slices.SortFunc(leases, func(a, b *managedLease) int {
		if a.name < b.name {
			return -1
		} else if a.name > b.name {
			return 1
		}
		return 0
	})

	return leases
}

func (m *DefaultManager) ReleaseAll() {
	for _, l := range m.allLeases() {
		l.Release()
	}
}

// Start begins background checking of leases.
func (m *DefaultManager) Start() {
	if m.checkInterval < 0 {
		return
	}

	m.startOnce.Do(func() {
		go m.monitorLoop()
	})
}

// Close stops background checks and releases every lease.  A closed manager
// never acquires a lease again.
func (m *DefaultManager) Close() {
	m.stopOnce.Do(func() {
		m.closed.Store(true)
		close(m.stopCh)
	})

	// marks a manager which was never started as done, and stops a later
	// Start from launching the monitor.
	m.startOnce.Do(func() {
		close(m.doneCh)
	})
	<-m.doneCh

	m.ReleaseAll()

	ctx, cancel := context.WithTimeout(context.Background(), m.acquireTimeout)
	defer cancel()

	for _, l := range m.allLeases() {
		l.flushRelease(ctx)
	}
}

// Trigger requests an immediate background check, for example after the
// cluster membership changed.
func (m *DefaultManager) Trigger() {
	select {
	case m.triggerCh <- struct{}{}:
	default:
	}
}

func (m *DefaultManager) monitorLoop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		case <-m.triggerCh:
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.acquireTimeout)
		m.CheckAll(ctx)
		cancel()
	}
}

// CheckAll reconciles every lease with the backend and the gate.  Held
// leases whose ownership cannot be confirmed are given up.
func (m *DefaultManager) CheckAll(ctx context.Context) {
	for _, l := range m.allLeases() {
		l.check(ctx)
	}
}

// CheckLease reconciles a single lease, see CheckAll.  Unlike CheckAll it
// waits for any operation in flight on the lease to finish.
func (m *DefaultManager) CheckLease(ctx context.Context, name string) {
	m.requestLease(name).forceCheck(ctx)
}

// ConnectionLost gives up every held lease immediately.  Backends with a
// session concept call this when the session is lost.
func (m *DefaultManager) ConnectionLost() {
	for _, l := range m.allLeases() {
		l.connectionLost()
	}
}

// WithLease runs fn while holding the named lease, releasing it once fn
// returns.  ran is false if the lease could not be acquired.
func (m *DefaultManager) WithLease(ctx context.Context, name string, fn func(ctx context.Context) error) (ran bool, err error) {
	l := m.RequestLease(name)

	acquired, err := l.AcquireContext(ctx)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer l.Release()

	return true, fn(ctx)
}

type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (m *DefaultManager) Statuses() []Status {
	leases := m.allLeases()

	statuses := make([]Status, 0, len(leases))
	for _, l := range leases {
		statuses = append(statuses, Status{
			Name:  l.name,
			State: l.State().String(),
		})
	}

	return statuses
}

func (m *DefaultManager) shouldHold(name string) bool {
	if m.gate == nil {
		return true
	}

	return m.gate.ShouldHold(name)
}
