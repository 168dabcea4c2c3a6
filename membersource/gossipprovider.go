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
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const gossipLeaveTimeout = 5 * time.Second

type GossipProviderOptions struct {
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int

	// Seeds are host:port addresses of existing members to join through.
	Seeds []string

	Logger *zap.Logger
}

// GossipProvider discovers members through SWIM style gossip.  Each provider
// runs a single gossip node, so Join may only be called once.
type GossipProvider struct {
	opts   GossipProviderOptions
	logger *zap.Logger

	lock     sync.Mutex
	list     *memberlist.Memberlist
	metaData []byte
	revision uint64
	nodes    map[string][]byte
	watchers []chan *Snapshot
	eventsCh chan memberlist.NodeEvent
	stopCh   chan struct{}
}

var _ Provider = (*GossipProvider)(nil)

func NewGossipProvider(opts GossipProviderOptions) (*GossipProvider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GossipProvider{
		opts:     opts,
		logger:   logger,
		revision: 1,
		nodes:    make(map[string][]byte),
	}, nil
}

// gossipDelegate publishes the local meta-data.  No user messages or state
// are exchanged.
type gossipDelegate struct {
	p *GossipProvider
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	d.p.lock.Lock()
	defer d.p.lock.Unlock()

	if len(d.p.metaData) > limit {
		d.p.logger.Warn("member meta-data exceeds gossip limit",
			zap.Int("size", len(d.p.metaData)),
			zap.Int("limit", limit))
		return nil
	}

	return d.p.metaData
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

func (p *GossipProvider) Join(ctx context.Context, memberID string, metaData []byte) (Membership, error) {
	p.lock.Lock()
	if p.list != nil {
		p.lock.Unlock()
		return nil, errors.New("gossip provider already joined")
	}
	p.metaData = slices.Clone(metaData)
	p.eventsCh = make(chan memberlist.NodeEvent, 64)
	p.stopCh = make(chan struct{})
	p.lock.Unlock()

	conf := memberlist.DefaultLANConfig()
	conf.Name = memberID
	if p.opts.BindAddr != "" {
		conf.BindAddr = p.opts.BindAddr
	}
	conf.BindPort = p.opts.BindPort
	if p.opts.AdvertiseAddr != "" {
		conf.AdvertiseAddr = p.opts.AdvertiseAddr
	}
	if p.opts.AdvertisePort != 0 {
		conf.AdvertisePort = p.opts.AdvertisePort
	} else {
		conf.AdvertisePort = p.opts.BindPort
	}
	conf.Delegate = &gossipDelegate{p}
	conf.Events = &memberlist.ChannelEventDelegate{Ch: p.eventsCh}
	conf.Logger = zap.NewStdLog(p.logger.Named("memberlist"))

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to start gossip: %w", err)
	}

	p.lock.Lock()
	p.list = list
	p.lock.Unlock()

	go p.eventLoop(p.eventsCh, p.stopCh)

	if len(p.opts.Seeds) > 0 {
		joined, err := list.Join(p.opts.Seeds)
		if err != nil {
			p.logger.Warn("failed to contact some gossip seeds",
				zap.Strings("seeds", p.opts.Seeds),
				zap.Int("joined", joined),
				zap.Error(err))
			if joined == 0 {
				p.shutdown()
				return nil, fmt.Errorf("failed to join gossip cluster: %w", err)
			}
		}
	}

	p.logger.Info("joined gossip cluster",
		zap.String("memberId", memberID),
		zap.String("address", list.LocalNode().Address()))

	return &gossipMembership{p}, nil
}

// LocalAddress returns the host:port other gossip members can join through.
func (p *GossipProvider) LocalAddress() (string, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.list == nil {
		return "", ErrNotJoined
	}

	return p.list.LocalNode().Address(), nil
}

// eventLoop tracks membership purely from delivered events.  Querying the
// memberlist from here could deadlock, since events are delivered with the
// memberlist's node lock held.
func (p *GossipProvider) eventLoop(eventsCh chan memberlist.NodeEvent, stopCh chan struct{}) {
	for {
		select {
		case evt := <-eventsCh:
			p.logger.Debug("gossip membership event",
				zap.String("node", evt.Node.Name),
				zap.Int("event", int(evt.Event)))

			p.lock.Lock()
			switch evt.Event {
			case memberlist.NodeJoin, memberlist.NodeUpdate:
				p.nodes[evt.Node.Name] = slices.Clone(evt.Node.Meta)
			case memberlist.NodeLeave:
				delete(p.nodes, evt.Node.Name)
			}
			p.signalUpdatedLocked()
			p.lock.Unlock()
		case <-stopCh:
			return
		}
	}
}

func (p *GossipProvider) getSnapLocked() *Snapshot {
	members := make([]*Entry, 0, len(p.nodes))
	for name, meta := range p.nodes {
		members = append(members, &Entry{
			MemberID: name,
			MetaData: meta,
		})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].MemberID < members[j].MemberID
	})

	return &Snapshot{
		Revision: []uint64{p.revision},
		Members:  members,
	}
}

func (p *GossipProvider) signalUpdatedLocked() {
	p.revision++

	newSnap := p.getSnapLocked()
	for _, outputCh := range p.watchers {
		sendLatest(outputCh, newSnap)
	}
}

func (p *GossipProvider) shutdown() {
	p.lock.Lock()
	list := p.list
	stopCh := p.stopCh
	p.list = nil
	p.stopCh = nil
	clear(p.nodes)
	p.signalUpdatedLocked()
	p.lock.Unlock()

	if stopCh != nil {
		close(stopCh)
	}

	if list != nil {
		err := list.Shutdown()
		if err != nil {
			p.logger.Warn("failed to shut down gossip", zap.Error(err))
		}
	}
}

type gossipMembership struct {
	p *GossipProvider
}

func (m *gossipMembership) UpdateMetaData(ctx context.Context, metaData []byte) error {
	m.p.lock.Lock()
	list := m.p.list
	m.p.metaData = slices.Clone(metaData)
	m.p.lock.Unlock()

	if list == nil {
		return ErrAlreadyLeft
	}

	timeout := gossipLeaveTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	return list.UpdateNode(timeout)
}

func (m *gossipMembership) Leave(ctx context.Context) error {
	m.p.lock.Lock()
	list := m.p.list
	m.p.lock.Unlock()

	if list == nil {
		return ErrAlreadyLeft
	}

	timeout := gossipLeaveTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	err := list.Leave(timeout)
	m.p.shutdown()
	if err != nil {
		return fmt.Errorf("failed to leave gossip cluster: %w", err)
	}

	return nil
}

func (p *GossipProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	outputCh := make(chan *Snapshot, 1)

	p.lock.Lock()
	if p.list == nil {
		p.lock.Unlock()
		return nil, ErrNotJoined
	}
	outputCh <- p.getSnapLocked()
	p.watchers = append(p.watchers, outputCh)
	p.lock.Unlock()

	go func() {
		<-ctx.Done()

		p.lock.Lock()
		idx := slices.Index(p.watchers, outputCh)
		if idx != -1 {
			p.watchers = slices.Delete(p.watchers, idx, idx+1)
		}
		close(outputCh)
		p.lock.Unlock()
	}()

	return outputCh, nil
}

func (p *GossipProvider) Get(ctx context.Context) (*Snapshot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.list == nil {
		return nil, ErrNotJoined
	}

	return p.getSnapLocked(), nil
}
