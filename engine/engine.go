package engine

import (
	"context"
	"time"

	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/chainsync"
	"github.com/cellmesh/chain/commitmanager"
	"github.com/cellmesh/chain/framing"
	"github.com/cellmesh/chain/pendingpool"
	"github.com/cellmesh/chain/pendingsync"
	"github.com/cellmesh/chain/rawchain"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/transport"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	metricHandlesOpen   = metrics.NewRegisteredGauge("engine/handles_open", nil)
	metricTicksRun      = metrics.NewRegisteredCounter("engine/ticks_run", nil)
	metricEventsDropped = metrics.NewRegisteredCounter("engine/events_dropped", nil)
)

// Engine owns a cell's chain, pending store and the three synchronizers that
// keep them in sync with peers, all driven by a single cooperative loop: one
// goroutine touches this state, so none of it needs a lock of its own.
type Engine struct {
	log    log.Logger
	config Config
	cellID types.CellID
	signer chainsec.Signer

	chain  rawchain.Chain
	pool   *pendingpool.Store
	minter *types.Minter

	pendingSync *pendingsync.Synchronizer
	chainSync   *chainsync.Synchronizer
	commitMgr   *commitmanager.Manager

	peers     []types.NodeID
	syncState synccontext.SyncState

	inbound  <-chan transport.InMessage
	outbound chan<- transport.OutMessage

	registerHandle chan *handleState
	calls          chan engineCall
	done           chan struct{}
	fatalErr       error

	nowFn func() time.Time
}

// NewEngine builds an Engine ready to Run. inbound/outbound are the
// transport boundary channels; dataRoleNodes is the cell's current quorum
// membership, and peers is the initial peer set chain-sync and pending-sync
// poll. The engine adds to that set any node it receives a message from
// (see notePeer); nodes are never removed from it.
func NewEngine(
	config Config,
	cellID types.CellID,
	chain rawchain.Chain,
	pool *pendingpool.Store,
	signer chainsec.Signer,
	clockID types.NodeClockID,
	dataRoleNodes []types.NodeID,
	peers []types.NodeID,
	inbound <-chan transport.InMessage,
	outbound chan<- transport.OutMessage,
	nowFn func() time.Time,
) (*Engine, error) {
	if nowFn == nil {
		nowFn = time.Now
	}

	found := false
	for _, n := range dataRoleNodes {
		if n == signer.NodeID() {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrMyNodeNotFound
	}

	minter := types.NewMinter(clockID, nowFn)

	// The pending-sync omission threshold is computed by commit-manager but
	// consumed by pending-sync, so its depth lives in pendingsync.Config
	// and is mirrored into commitmanager.Config here rather than configured
	// twice.
	commitManagerConfig := config.CommitManager
	commitManagerConfig.PendingSyncCleanupDepth = config.PendingSync.OperationsDepthAfterCleanup

	return &Engine{
		log:            log.New("module", "engine", "cell", cellID),
		config:         config,
		cellID:         cellID,
		signer:         signer,
		chain:          chain,
		pool:           pool,
		minter:         minter,
		pendingSync:    pendingsync.New(config.PendingSync, nowFn),
		chainSync:      chainsync.New(config.ChainSync, chain, nowFn),
		commitMgr:      commitmanager.New(commitManagerConfig, chain, pool, signer, minter, dataRoleNodes, nowFn),
		peers:          append([]types.NodeID(nil), peers...),
		inbound:        inbound,
		outbound:       outbound,
		registerHandle: make(chan *handleState),
		calls:          make(chan engineCall),
		done:           make(chan struct{}),
		nowFn:          nowFn,
	}, nil
}

// NewHandle registers a new Handle against a running engine. Safe to call
// concurrently with Run, and any number of times.
func (e *Engine) NewHandle() *Handle {
	state := &handleState{
		events: make(chan synccontext.Event, e.config.EventsStreamBufferSize),
		closed: make(chan struct{}),
	}
	select {
	case e.registerHandle <- state:
	case <-e.done:
	}
	return &Handle{calls: e.calls, engineDone: e.done, state: state}
}

// Run drives the engine loop until ctx is cancelled or a fatal error stops
// it. It owns every piece of mutable engine state: nothing else may touch
// chain, pool, or the synchronizers while this is running.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ticker := time.NewTicker(e.config.ManagerTimerInterval)
	defer ticker.Stop()

	var handles []*handleState

	for {
		select {
		case <-ctx.Done():
			return nil

		case state := <-e.registerHandle:
			handles = append(handles, state)
			metricHandlesOpen.Update(int64(len(handles)))

		case call := <-e.calls:
			call.fn(e)
			close(call.done)

		case msg := <-e.inbound:
			if msg.CellID != e.cellID || msg.Service != transport.ServiceChain {
				continue
			}
			if err := e.handleInbound(handles, msg); err != nil {
				e.log.Error("inbound message handling failed", "from", msg.FromNode, "err", err)
				if IsFatal(err) {
					e.fatalErr = &FatalError{Err: err}
					return e.fatalErr
				}
			}

		case <-ticker.C:
			handles = e.pruneClosedHandles(handles)
			if err := e.tick(handles); err != nil {
				e.log.Error("tick failed", "err", err)
				if IsFatal(err) {
					e.fatalErr = &FatalError{Err: err}
					return e.fatalErr
				}
			}
			metricTicksRun.Inc(1)
		}
	}
}

func (e *Engine) pruneClosedHandles(handles []*handleState) []*handleState {
	out := handles[:0]
	for _, h := range handles {
		select {
		case <-h.closed:
			continue
		default:
			out = append(out, h)
		}
	}
	metricHandlesOpen.Update(int64(len(out)))
	return out
}

// tick runs one full pendingsync/chainsync/commitmanager cycle and flushes
// whatever it produced.
func (e *Engine) tick(handles []*handleState) error {
	sctx := synccontext.New(e.syncState)

	e.pendingSync.Tick(sctx, e.pool, e.peers)
	e.chainSync.Tick(sctx, e.peers)
	if err := e.commitMgr.Tick(sctx); err != nil {
		return err
	}

	e.syncState = sctx.SyncState
	e.flush(sctx, handles)
	return nil
}

// flush delivers a tick's (or an inbound handler's) outbound messages to the
// transport and its events to every registered handle.
func (e *Engine) flush(sctx *synccontext.Context, handles []*handleState) {
	for _, m := range sctx.Messages {
		out := m.ToOutMessage(e.cellID)
		select {
		case e.outbound <- out:
		default:
			e.log.Warn("dropping outbound message, transport channel full", "to", m.ToNode, "kind", m.Kind)
		}
	}
	for _, ev := range sctx.Events {
		for _, h := range handles {
			e.broadcast(h, ev)
		}
	}
}

// broadcast delivers one event to a single handle without ever blocking the
// engine loop. If the buffer is already full, the oldest entry is dropped to
// make room for a StreamDiscontinuity marker; if it's still full after that
// (the marker itself used the freed slot), the oldest entry is dropped again
// to make room for ev. Either drop only ever removes what the handle holder
// hasn't read yet, never the event currently being delivered.
func (e *Engine) broadcast(h *handleState, ev synccontext.Event) {
	select {
	case h.events <- ev:
		return
	default:
	}

	select {
	case <-h.events:
	default:
	}
	metricEventsDropped.Inc(1)

	select {
	case h.events <- synccontext.Event{Kind: synccontext.EventStreamDiscontinuity}:
	default:
	}

	select {
	case h.events <- ev:
		return
	default:
	}

	select {
	case <-h.events:
	default:
	}
	select {
	case h.events <- ev:
	default:
	}
}

// notePeer adds node to the known peer set if it isn't already present.
// It is called for the sender of every inbound message. It is an
// unexported helper rather than a Handle method: peer
// membership is a transport/cell-membership concern, not something the
// upper-layer API surfaces directly.
func (e *Engine) notePeer(node types.NodeID) {
	for _, p := range e.peers {
		if p == node {
			return
		}
	}
	e.peers = append(e.peers, node)
}

// handleInbound dispatches one inbound transport message to the right
// synchronizer, peeking its typed-frame tag before fully decoding it. Events
// and messages already accumulated on sctx are always flushed before
// returning, fatal error or not, so a handle watching Events() sees e.g. an
// EventChainDiverged marker even though the same tick's error is about to
// stop the engine loop.
func (e *Engine) handleInbound(handles []*handleState, msg transport.InMessage) error {
	e.notePeer(msg.FromNode)

	typ, err := framing.PeekEnvelopeType(msg.Envelope)
	if err != nil {
		e.log.Warn("dropping undecodable inbound envelope", "from", msg.FromNode, "err", err)
		return nil
	}

	sctx := synccontext.New(e.syncState)
	var handleErr error

	switch typ {
	case framing.TypePendingSyncRequest:
		handleErr = e.pendingSync.HandleMessage(sctx, e.pool, msg.FromNode, msg.Envelope)

	case framing.TypeChainSyncRequest:
		req, err := chainsync.UnmarshalRequest(msg.Envelope)
		if err != nil {
			e.log.Warn("dropping undecodable chain-sync request", "from", msg.FromNode, "err", err)
			break
		}
		resp, err := e.chainSync.HandleRequest(msg.FromNode, req)
		if err != nil {
			if chainsync.IsFatal(err) {
				handleErr = err
				break
			}
			e.log.Warn("failed to answer chain-sync request", "from", msg.FromNode, "err", err)
			break
		}
		envelope, err := resp.Marshal()
		if err != nil {
			handleErr = err
			break
		}
		sctx.PushChainSyncResponse(msg.FromNode, envelope)

	case framing.TypeChainSyncResponse:
		resp, err := chainsync.UnmarshalResponse(msg.Envelope)
		if err != nil {
			e.log.Warn("dropping undecodable chain-sync response", "from", msg.FromNode, "err", err)
			break
		}
		handleErr = e.chainSync.HandleResponse(sctx, msg.FromNode, resp)

	default:
		e.log.Warn("dropping inbound envelope of unexpected type", "from", msg.FromNode, "type", typ)
	}

	e.syncState = sctx.SyncState
	e.flush(sctx, handles)
	return handleErr
}

// writeEntry mints an id, signs payload as an Entry operation, and adds it
// to the pending store. The engine's own goroutine is the only caller, via
// Handle.WriteEntryOperation.
func (e *Engine) writeEntry(payload []byte) (types.OperationID, error) {
	id := e.minter.Mint()
	op, err := chainsec.SignOperation(e.signer, types.Operation{
		Kind:        types.KindEntry,
		GroupID:     id,
		OperationID: id,
		Payload:     payload,
	})
	if err != nil {
		return 0, err
	}
	e.pool.PutOperation(op)
	return id, nil
}

func (e *Engine) getPendingOperation(operationID types.OperationID) (EngineOperation, error) {
	stored, ok := e.pool.GetOperation(operationID)
	if !ok {
		return EngineOperation{}, ErrNotFound
	}
	frame, err := stored.Operation.Marshal()
	if err != nil {
		return EngineOperation{}, err
	}
	status := StatusPending
	var offset, height uint64
	if stored.CommitStatus.Committed {
		status = StatusCommitted
		offset, height = stored.CommitStatus.Offset, stored.CommitStatus.Height
	}
	return EngineOperation{Status: status, Offset: offset, Height: height, Frame: frame}, nil
}

func (e *Engine) getChainOperation(offset uint64, operationID types.OperationID) (EngineOperation, error) {
	block, err := e.chain.GetBlockByOperationID(operationID)
	if err != nil {
		return EngineOperation{}, err
	}
	if block == nil || (offset != 0 && block.Offset != offset) {
		return EngineOperation{}, ErrNotFound
	}
	for _, hdr := range block.Headers {
		raw, err := block.OperationBytes(hdr)
		if err != nil {
			return EngineOperation{}, err
		}
		op, err := types.UnmarshalOperation(raw)
		if err != nil {
			return EngineOperation{}, err
		}
		if op.OperationID == operationID {
			return EngineOperation{Status: StatusCommitted, Offset: block.Offset, Height: block.Height, Frame: raw}, nil
		}
	}
	return EngineOperation{}, ErrNotFound
}

// getOperation looks pending first (the common case for a just-submitted
// operation), falling back to the chain.
func (e *Engine) getOperation(operationID types.OperationID) (EngineOperation, error) {
	if out, err := e.getPendingOperation(operationID); err == nil {
		return out, nil
	}
	return e.getChainOperation(0, operationID)
}

func (e *Engine) getChainLastBlockInfo() (*BlockInfo, error) {
	last, err := e.chain.GetLastBlock()
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}
	return &BlockInfo{Offset: last.Offset, Height: last.Height}, nil
}
