package engine

import (
	"context"
	"testing"
	"time"

	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/pendingpool"
	"github.com/cellmesh/chain/rawchain"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/transport"
	"github.com/cellmesh/chain/types"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *chainsec.KeyPair) {
	t.Helper()

	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.ManagerTimerInterval = 10 * time.Millisecond

	chain, err := rawchain.Open(dir, cfg.Chain)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	_, err = rawchain.WriteGenesis(chain, key)
	require.NoError(t, err)

	pool := pendingpool.NewStore()
	inbound := make(chan transport.InMessage, 8)
	outbound := make(chan transport.OutMessage, 8)

	eng, err := NewEngine(cfg, types.CellID{1}, chain, pool, key, types.NodeClockID(1), []types.NodeID{key.NodeID()}, nil, inbound, outbound, nil)
	require.NoError(t, err)
	return eng, key
}

func TestNewEngineRejectsUnknownLocalNode(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	chain, err := rawchain.Open(dir, cfg.Chain)
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	other, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)

	pool := pendingpool.NewStore()
	_, err = NewEngine(cfg, types.CellID{1}, chain, pool, key, 1, []types.NodeID{other.NodeID()}, nil, nil, nil, nil)
	require.ErrorIs(t, err, ErrMyNodeNotFound)
}

func TestWriteEntryCommitsAndBecomesRetrievable(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	handle := eng.NewHandle()
	defer handle.Close()

	id, err := handle.WriteEntryOperation([]byte("hello"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	var op EngineOperation
	for time.Now().Before(deadline) {
		op, err = handle.GetOperation(id)
		require.NoError(t, err)
		if op.Status == StatusCommitted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, StatusCommitted, op.Status)
	require.Equal(t, uint64(1), op.Height)

	info, err := handle.GetChainLastBlockInfo()
	require.NoError(t, err)
	require.NotNil(t, info)
	require.Equal(t, uint64(1), info.Height)

	cancel()
	<-runDone
}

func TestThreeEntriesCommitIntoOneBlockInOrder(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()

	handle := eng.NewHandle()
	defer handle.Close()

	payloads := [][]byte{{1}, {2}, {3}}
	ids := make([]types.OperationID, len(payloads))
	for i, p := range payloads {
		id, err := handle.WriteEntryOperation(p)
		require.NoError(t, err)
		ids[i] = id
	}

	// The proposal safety margin holds all three back until they've aged
	// past it, so they land together in a single block.
	deadline := time.Now().Add(5 * time.Second)
	ops := make([]EngineOperation, len(ids))
	for {
		committed := 0
		for i, id := range ids {
			op, err := handle.GetOperation(id)
			require.NoError(t, err)
			ops[i] = op
			if op.Status == StatusCommitted {
				committed++
			}
		}
		if committed == len(ids) {
			break
		}
		require.True(t, time.Now().Before(deadline), "timed out waiting for commits")
		time.Sleep(10 * time.Millisecond)
	}

	for _, op := range ops {
		require.Equal(t, uint64(1), op.Height)
		require.Equal(t, ops[0].Offset, op.Offset)
	}

	cancel()
	<-runDone

	block, err := eng.chain.GetBlock(ops[0].Offset)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Height)
	require.Len(t, block.Headers, len(payloads))
	for i, hdr := range block.Headers {
		raw, err := block.OperationBytes(hdr)
		require.NoError(t, err)
		op, err := types.UnmarshalOperation(raw)
		require.NoError(t, err)
		require.Equal(t, ids[i], op.OperationID)
		data, err := op.EntryData()
		require.NoError(t, err)
		require.Equal(t, payloads[i], data)
	}
}

func TestGetOperationReturnsErrNotFoundForUnknownID(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	handle := eng.NewHandle()
	defer handle.Close()

	_, err := handle.GetOperation(types.OperationID(999))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHandleEventsStreamReceivesPendingAndCommitEvents(t *testing.T) {
	eng, _ := newTestEngine(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	handle := eng.NewHandle()
	defer handle.Close()

	_, err := handle.WriteEntryOperation([]byte("payload"))
	require.NoError(t, err)

	var sawPending, sawCommit bool
	timeout := time.After(2 * time.Second)
	for !sawCommit {
		select {
		case ev := <-handle.Events():
			switch ev.Kind {
			case synccontext.EventPendingOperationNew:
				sawPending = true
			case synccontext.EventChainBlockNew:
				sawCommit = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for commit event")
		}
	}
	require.True(t, sawPending)
	require.True(t, sawCommit)
}

func TestBroadcastDropsOldestAndInsertsDiscontinuity(t *testing.T) {
	eng, _ := newTestEngine(t)

	state := &handleState{events: make(chan synccontext.Event, 2), closed: make(chan struct{})}
	eng.broadcast(state, synccontext.Event{Kind: synccontext.EventChainBlockNew, BlockHeight: 1})
	eng.broadcast(state, synccontext.Event{Kind: synccontext.EventChainBlockNew, BlockHeight: 2})
	eng.broadcast(state, synccontext.Event{Kind: synccontext.EventChainBlockNew, BlockHeight: 3})

	first := <-state.events
	require.Equal(t, synccontext.EventStreamDiscontinuity, first.Kind)
	second := <-state.events
	require.Equal(t, uint64(3), second.BlockHeight)
}
