package membersource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestGossipProvider(t *testing.T, seeds ...string) *GossipProvider {
	p, err := NewGossipProvider(GossipProviderOptions{
		BindAddr: "127.0.0.1",
		Seeds:    seeds,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return p
}

func TestGossipProviderRequiresJoin(t *testing.T) {
	p := newTestGossipProvider(t)

	_, err := p.Get(context.Background())
	require.ErrorIs(t, err, ErrNotJoined)

	_, err = p.Watch(context.Background())
	require.ErrorIs(t, err, ErrNotJoined)

	_, err = p.LocalAddress()
	require.ErrorIs(t, err, ErrNotJoined)
}

func TestGossipProviderMembership(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping gossip test in short mode")
	}

	ctx := context.Background()

	a := newTestGossipProvider(t)
	aMembership, err := a.Join(ctx, "node-a", []byte(`{"a":"10.0.0.1"}`))
	require.NoError(t, err)
	defer func() {
		_ = aMembership.Leave(context.Background())
	}()

	_, err = a.Join(ctx, "node-a", nil)
	require.Error(t, err)

	seedAddr, err := a.LocalAddress()
	require.NoError(t, err)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	watchCh, err := a.Watch(watchCtx)
	require.NoError(t, err)

	b := newTestGossipProvider(t, seedAddr)
	bMembership, err := b.Join(ctx, "node-b", []byte(`{"a":"10.0.0.2"}`))
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for {
		var snap *Snapshot
		select {
		case snap = <-watchCh:
		case <-deadline:
			t.Fatal("timed out waiting for node-b to appear")
		}

		if len(snap.Members) == 2 {
			require.Equal(t, []string{"node-a", "node-b"}, entryIDs(snap))
			require.Equal(t, []byte(`{"a":"10.0.0.2"}`), snap.Members[1].MetaData)
			break
		}
	}

	require.NoError(t, bMembership.Leave(ctx))
	require.ErrorIs(t, bMembership.Leave(ctx), ErrAlreadyLeft)

	require.Eventually(t, func() bool {
		snap, err := a.Get(ctx)
		return err == nil && len(snap.Members) == 1 && snap.Members[0].MemberID == "node-a"
	}, 10*time.Second, 50*time.Millisecond)
}
