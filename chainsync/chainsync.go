// Package chainsync implements leader-election-free chain catch-up: nodes
// exchange sampled header sets to find a common ancestor, then stream
// blocks past it from whichever peer has the tallest known chain.
package chainsync

import (
	"time"

	"github.com/cellmesh/chain/rawchain"
	"github.com/cellmesh/chain/requesttracker"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	metricBlocksApplied = metrics.NewRegisteredCounter("chainsync/blocks_applied", nil)
	metricDiverged      = metrics.NewRegisteredCounter("chainsync/diverged", nil)
)

// Status is a peer's chain-sync state machine position.
type Status int

const (
	// StatusUnknown means no successful metadata exchange has happened yet
	// (or enough have failed in a row to demote back to this state).
	StatusUnknown Status = iota
	// StatusSynchronized means the last metadata exchange found a common
	// ancestor with this peer.
	StatusSynchronized
)

// BlockRef is a lightweight (offset, height) pointer.
type BlockRef struct {
	Offset uint64
	Height uint64
	Hash   common.Hash
}

// NodeSyncInfo is per-peer chain-sync state.
type NodeSyncInfo struct {
	Status Status

	LastCommonBlock   *BlockRef
	LastCommonIsKnown bool
	LastKnownBlock    *BlockRef

	Tracker      *requesttracker.Tracker
	metaFailures int
}

// checkStatus demotes the peer back to StatusUnknown, logging, once
// maxFailures consecutive metadata requests have gone unanswered.
func (n *NodeSyncInfo) checkStatus(maxFailures int, logger log.Logger, peer types.NodeID) {
	if n.Tracker.FailureCount() >= maxFailures && n.Status == StatusSynchronized {
		logger.Warn("demoting peer to unknown after repeated metadata failures", "peer", peer, "failures", n.Tracker.FailureCount())
		n.Status = StatusUnknown
		n.LastCommonIsKnown = false
	}
}

// isDivergent reports whether both sides hold incompatible blocks past the
// last common ancestor: the local chain has a block right after the
// ancestor (a "successor"), and the first block the peer sent us past that
// ancestor failed to validate against it. A height delta alone is not
// divergence: the peer may simply be behind, so this check requires local
// successor evidence too.
func (n *NodeSyncInfo) isDivergent(chain rawchain.Chain) bool {
	if n.LastCommonBlock == nil {
		return false
	}
	last, err := chain.GetLastBlock()
	if err != nil || last == nil {
		return false
	}
	return last.Offset > n.LastCommonBlock.Offset
}

// Synchronizer drives chain catch-up against every known peer.
type Synchronizer struct {
	log    log.Logger
	config Config
	chain  rawchain.Chain
	nowFn  func() time.Time

	nodes map[types.NodeID]*NodeSyncInfo
}

// New creates a Synchronizer bound to the local chain store.
func New(config Config, chain rawchain.Chain, nowFn func() time.Time) *Synchronizer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Synchronizer{
		log:    log.New("module", "chainsync"),
		config: config,
		chain:  chain,
		nowFn:  nowFn,
		nodes:  make(map[types.NodeID]*NodeSyncInfo),
	}
}

func (s *Synchronizer) infoFor(node types.NodeID) *NodeSyncInfo {
	info, ok := s.nodes[node]
	if !ok {
		tracker := requesttracker.New(s.config.RequestTracker, s.nowFn)
		tracker.ForceNextRequest()
		info = &NodeSyncInfo{Status: StatusUnknown, Tracker: tracker}
		s.nodes[node] = info
	}
	return info
}

// leader returns the known peer with the tallest known tip, and whether one
// was found at all.
func (s *Synchronizer) leader() (types.NodeID, *NodeSyncInfo, bool) {
	var leaderNode types.NodeID
	var leaderInfo *NodeSyncInfo
	found := false
	for node, info := range s.nodes {
		if info.LastKnownBlock == nil {
			continue
		}
		if !found || info.LastKnownBlock.Height > leaderInfo.LastKnownBlock.Height {
			leaderNode, leaderInfo, found = node, info, true
		}
	}
	return leaderNode, leaderInfo, found
}

// Tick asks every known peer's request tracker whether a metadata or
// block-transfer request may be sent, and enqueues one where it can. Only
// the current leader (the peer with the tallest known tip) is ever asked
// for a block transfer; every peer is polled for metadata.
func (s *Synchronizer) Tick(ctx *synccontext.Context, peers []types.NodeID) {
	leaderNode, _, hasLeader := s.leader()

	for _, peer := range peers {
		info := s.infoFor(peer)
		info.checkStatus(s.config.MetaSyncMaxFailures, s.log, peer)

		if !info.Tracker.CanSendRequest() {
			continue
		}

		if hasLeader && peer == leaderNode && info.Status == StatusSynchronized && s.needsBlockTransfer(info) {
			req := Request{Phase: PhaseBlockTransfer, FromOffset: s.transferStartOffset(info)}
			s.sendRequest(ctx, peer, info, req)
			continue
		}

		req := Request{Phase: PhaseMetadata, Samples: s.buildSamples()}
		s.sendRequest(ctx, peer, info, req)
	}
}

// transferStartOffset returns the offset right after the last common block,
// where a block transfer must begin: streaming from the common block's own
// offset would hand back a block the local chain already holds, which the
// receiving side rejects as discontinuous.
func (s *Synchronizer) transferStartOffset(info *NodeSyncInfo) uint64 {
	ancestor, err := s.chain.GetBlock(info.LastCommonBlock.Offset)
	if err != nil {
		return s.chain.NextOffset()
	}
	data, err := ancestor.Marshal(s.chain.Config().BlockSignaturesMaxSize)
	if err != nil {
		return s.chain.NextOffset()
	}
	return info.LastCommonBlock.Offset + uint64(len(data))
}

func (s *Synchronizer) needsBlockTransfer(info *NodeSyncInfo) bool {
	if info.LastCommonBlock == nil || info.LastKnownBlock == nil {
		return false
	}
	return info.LastKnownBlock.Height-info.LastCommonBlock.Height > s.config.MaxLeaderCommonBlockHeightDelta
}

func (s *Synchronizer) sendRequest(ctx *synccontext.Context, peer types.NodeID, info *NodeSyncInfo, req Request) {
	envelope, err := req.Marshal()
	if err != nil {
		s.log.Error("failed to marshal chain-sync request", "peer", peer, "err", err)
		return
	}
	ctx.PushChainSyncRequest(peer, envelope)
	info.Tracker.SetLastSend(s.nowFn())
}

// buildSamples collects headers_sync_begin_count from genesis,
// headers_sync_end_count from the tip, and headers_sync_sampled_count
// evenly spaced between.
func (s *Synchronizer) buildSamples() []HeaderSample {
	last, err := s.chain.GetLastBlock()
	if err != nil || last == nil {
		return nil
	}
	tipHeight := last.Height

	wanted := make(map[uint64]struct{})
	for h := uint64(0); h < uint64(s.config.HeadersSyncBeginCount) && h <= tipHeight; h++ {
		wanted[h] = struct{}{}
	}
	for i := 0; i < s.config.HeadersSyncEndCount; i++ {
		if uint64(i) > tipHeight {
			break
		}
		wanted[tipHeight-uint64(i)] = struct{}{}
	}
	if s.config.HeadersSyncSampledCount > 0 && tipHeight > 0 {
		step := tipHeight / uint64(s.config.HeadersSyncSampledCount+1)
		if step == 0 {
			step = 1
		}
		for i := 1; i <= s.config.HeadersSyncSampledCount; i++ {
			h := uint64(i) * step
			if h >= tipHeight {
				break
			}
			wanted[h] = struct{}{}
		}
	}

	var samples []HeaderSample
	_ = s.chain.BlocksIter(0, func(block types.Block) error {
		if _, ok := wanted[block.Height]; !ok {
			return nil
		}
		hash, err := block.Hash()
		if err != nil {
			return err
		}
		samples = append(samples, HeaderSample{Offset: block.Offset, Height: block.Height, Hash: hash})
		delete(wanted, block.Height)
		if len(wanted) == 0 {
			return rawchain.ErrStopIteration
		}
		return nil
	})
	return samples
}

// HandleRequest answers an inbound Request from fromNode.
func (s *Synchronizer) HandleRequest(fromNode types.NodeID, req Request) (Response, error) {
	resp := Response{Phase: req.Phase}

	last, err := s.chain.GetLastBlock()
	if err != nil {
		return Response{}, err
	}
	if last != nil {
		hash, err := last.Hash()
		if err != nil {
			return Response{}, err
		}
		resp.HasTip = true
		resp.Tip = HeaderSample{Offset: last.Offset, Height: last.Height, Hash: hash}
	}
	var first types.Block
	foundFirst := false
	_ = s.chain.BlocksIter(0, func(block types.Block) error {
		first = block
		foundFirst = true
		return rawchain.ErrStopIteration
	})
	if foundFirst {
		hash, err := first.Hash()
		if err != nil {
			return Response{}, err
		}
		resp.HasEarliest = true
		resp.Earliest = HeaderSample{Offset: first.Offset, Height: first.Height, Hash: hash}
	}

	switch req.Phase {
	case PhaseMetadata:
		if len(req.Samples) == 0 {
			return Response{}, ErrInvalidSyncRequest
		}
		for _, sample := range req.Samples {
			result := SampleResult{Height: sample.Height}
			block, err := s.chain.GetBlock(sample.Offset)
			if err == nil && block.Height == sample.Height {
				hash, err := block.Hash()
				if err != nil {
					return Response{}, err
				}
				result.ActualOffset = block.Offset
				result.ActualHash = hash
				result.Match = hash == sample.Hash
			}
			resp.SampleResults = append(resp.SampleResults, result)
		}

	case PhaseBlockTransfer:
		var blocks [][]byte
		total := 0
		sigMaxSize := s.chain.Config().BlockSignaturesMaxSize
		_ = s.chain.BlocksIter(req.FromOffset, func(block types.Block) error {
			data, err := block.Marshal(sigMaxSize)
			if err != nil {
				return err
			}
			if total > 0 && total+len(data) > s.config.BlocksMaxSendSize {
				return rawchain.ErrStopIteration
			}
			blocks = append(blocks, data)
			total += len(data)
			return nil
		})
		resp.Blocks = blocks

	default:
		return Response{}, ErrInvalidSyncRequest
	}

	return resp, nil
}

// HandleResponse processes an inbound Response from fromNode.
func (s *Synchronizer) HandleResponse(ctx *synccontext.Context, fromNode types.NodeID, resp Response) error {
	info := s.infoFor(fromNode)
	info.Tracker.SetLastResponded(s.nowFn())

	if resp.HasTip {
		info.LastKnownBlock = &BlockRef{Offset: resp.Tip.Offset, Height: resp.Tip.Height, Hash: resp.Tip.Hash}
	}

	switch resp.Phase {
	case PhaseMetadata:
		return s.handleMetadataResponse(info, resp)
	case PhaseBlockTransfer:
		return s.handleBlockTransferResponse(ctx, info, resp)
	default:
		return ErrInvalidSyncResponse
	}
}

// handleMetadataResponse scans sample results newest-to-oldest; the deepest
// matching (height, hash) becomes the last common block.
func (s *Synchronizer) handleMetadataResponse(info *NodeSyncInfo, resp Response) error {
	if len(resp.SampleResults) == 0 {
		return ErrInvalidSyncResponse
	}
	results := append([]SampleResult(nil), resp.SampleResults...)
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}

	var deepest *SampleResult
	for i := range results {
		if results[i].Match && (deepest == nil || results[i].Height > deepest.Height) {
			deepest = &results[i]
		}
	}
	if deepest == nil {
		info.LastCommonIsKnown = false
		info.Status = StatusUnknown
		return nil
	}

	info.LastCommonBlock = &BlockRef{Offset: deepest.ActualOffset, Height: deepest.Height, Hash: deepest.ActualHash}
	info.LastCommonIsKnown = true
	info.Status = StatusSynchronized
	return nil
}

// handleBlockTransferResponse validates and appends each streamed block in
// order: previous-hash chain, checksum (via UnmarshalBlock), and offset
// continuity with the local chain's current tip.
func (s *Synchronizer) handleBlockTransferResponse(ctx *synccontext.Context, info *NodeSyncInfo, resp Response) error {
	for i, raw := range resp.Blocks {
		block, err := types.UnmarshalBlock(raw)
		if err != nil {
			if i == 0 && info.isDivergent(s.chain) {
				metricDiverged.Inc(1)
				s.pushDivergedEvent(ctx)
				return ErrDiverged
			}
			return ErrInvalidSyncResponse
		}
		if block.Offset != s.chain.NextOffset() {
			if i == 0 && info.isDivergent(s.chain) {
				metricDiverged.Inc(1)
				s.pushDivergedEvent(ctx)
				return ErrDiverged
			}
			return ErrInvalidSyncResponse
		}
		last, err := s.chain.GetLastBlock()
		if err != nil {
			return err
		}
		if last != nil {
			lastHash, err := last.Hash()
			if err != nil {
				return err
			}
			if block.PreviousHash != lastHash {
				if i == 0 && info.isDivergent(s.chain) {
					metricDiverged.Inc(1)
					s.pushDivergedEvent(ctx)
					return ErrDiverged
				}
				return ErrInvalidSyncResponse
			}
		}

		if _, err := s.chain.WriteBlock(block); err != nil {
			return err
		}
		metricBlocksApplied.Inc(1)

		hash, err := block.Hash()
		if err != nil {
			return err
		}
		ctx.PushEvent(synccontext.Event{
			Kind:        synccontext.EventChainBlockNew,
			BlockOffset: block.Offset,
			BlockHeight: block.Height,
			BlockHash:   hash,
		})
	}
	return nil
}

// pushDivergedEvent records the local tip at the moment divergence was
// detected, so a handle watching Events() can learn why the engine is about
// to stop without having to wait for its next call to fail with
// ErrPoisoned.
func (s *Synchronizer) pushDivergedEvent(ctx *synccontext.Context) {
	ev := synccontext.Event{Kind: synccontext.EventChainDiverged}
	if last, err := s.chain.GetLastBlock(); err == nil && last != nil {
		ev.BlockOffset = last.Offset
		ev.BlockHeight = last.Height
		if hash, err := last.Hash(); err == nil {
			ev.BlockHash = hash
		}
	}
	ctx.PushEvent(ev)
}
