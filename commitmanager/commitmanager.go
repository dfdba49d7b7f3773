// Package commitmanager proposes blocks, collects and validates peer
// signatures, commits blocks to the chain once a quorum has voted, and
// garbage-collects committed operations out of the pending store.
package commitmanager

import (
	"sort"
	"time"

	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/pendingpool"
	"github.com/cellmesh/chain/rawchain"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	metricBlocksCommitted = metrics.NewRegisteredCounter("commitmanager/blocks_committed", nil)
	metricProposalsMade   = metrics.NewRegisteredCounter("commitmanager/proposals_made", nil)
	metricRefusals        = metrics.NewRegisteredCounter("commitmanager/refusals", nil)
)

// Manager drives the propose/sign/commit/cleanup cycle for one cell.
type Manager struct {
	log    log.Logger
	config Config

	chain  rawchain.Chain
	pool   *pendingpool.Store
	signer chainsec.Signer
	minter *types.Minter
	nowFn  func() time.Time

	// dataRoleNodes is the cell's quorum membership: every node with the
	// data role, sorted for deterministic proposer election.
	dataRoleNodes []types.NodeID
}

// New creates a Manager. dataRoleNodes is the cell's current quorum
// membership (an external collaborator concern: the cell/node config
// loader populates it; this package only consumes it).
func New(config Config, chain rawchain.Chain, pool *pendingpool.Store, signer chainsec.Signer, minter *types.Minter, dataRoleNodes []types.NodeID, nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	sorted := append([]types.NodeID(nil), dataRoleNodes...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i][:]) < string(sorted[j][:]) })
	return &Manager{
		log:           log.New("module", "commitmanager"),
		config:        config,
		chain:         chain,
		pool:          pool,
		signer:        signer,
		minter:        minter,
		dataRoleNodes: sorted,
		nowFn:         nowFn,
	}
}

// Quorum reports the number of signatures needed to commit a block among n
// data-role nodes: a simple majority for n>=3, unanimity for n in {1,2}.
func Quorum(n int) int {
	if n <= 2 {
		return n
	}
	return n/2 + 1
}

// Tick runs one full cycle: propose (if elected and due), collect
// signatures on open proposals, commit whichever proposal reaches quorum,
// and clean up pending operations that have aged past the committed tip.
func (m *Manager) Tick(ctx *synccontext.Context) error {
	last, err := m.chain.GetLastBlock()
	if err != nil {
		return err
	}

	if m.shouldPropose(last) {
		proposer := m.electProposer(last)
		if proposer == m.signer.NodeID() {
			if err := m.propose(ctx, last); err != nil {
				m.log.Error("failed to propose block", "err", err)
			}
		}
	}

	m.collectSignatures(ctx)

	if err := m.commitReady(ctx, last); err != nil {
		return err
	}

	m.cleanup(ctx)
	return nil
}

// shouldPropose reports whether a new block is due: enough uncommitted
// entries have piled up, or the last block is stale and there's at least
// one.
func (m *Manager) shouldPropose(last *types.Block) bool {
	uncommitted := m.countUncommittedEntries()
	if uncommitted == 0 {
		return false
	}
	if uncommitted >= m.config.CommitMaximumPendingStoreCount {
		return true
	}
	if last == nil {
		return true // empty chain: no tip to measure staleness against
	}
	return m.nowFn().Sub(last.ProposedOperationID.Time()) > m.config.CommitMaximumInterval
}

func (m *Manager) countUncommittedEntries() uint32 {
	var n uint32
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if op.Kind == types.KindEntry && !op.CommitStatus.Committed {
			n++
		}
		return true
	})
	return n
}

// electProposer deterministically picks, among the data-role nodes, the one
// whose id has the minimum Keccak256 distance to a seed derived from the
// next height and the current tip's hash. Every honest node computes the
// same answer without any message exchange.
func (m *Manager) electProposer(last *types.Block) types.NodeID {
	var prevHash common.Hash
	var nextHeight uint64
	if last != nil {
		hash, err := last.Hash()
		if err == nil {
			prevHash = hash
		}
		nextHeight = last.Height + 1
	}

	var heightBytes [8]byte
	for i := 0; i < 8; i++ {
		heightBytes[i] = byte(nextHeight >> (8 * i))
	}
	seed := crypto.Keccak256Hash(heightBytes[:], prevHash[:])

	var best types.NodeID
	var bestDistance common.Hash
	first := true
	for _, node := range m.dataRoleNodes {
		distance := xorHash(crypto.Keccak256Hash(node[:]), seed)
		if first || lessHash(distance, bestDistance) {
			best, bestDistance, first = node, distance, false
		}
	}
	return best
}

func xorHash(a, b common.Hash) common.Hash {
	var out common.Hash
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func lessHash(a, b common.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// propose collects committable entries, builds a block, signs it, and
// publishes a BlockPropose operation whose group id is the proposal's own
// operation id.
func (m *Manager) propose(ctx *synccontext.Context, last *types.Block) error {
	cutoff := m.nowFn().Add(-m.config.SafetyMargin)

	var entries []pendingpool.StoredOperation
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if op.Kind == types.KindEntry && !op.CommitStatus.Committed && op.OperationID.Time().Before(cutoff) {
			entries = append(entries, op)
		}
		return true
	})
	if len(entries) == 0 {
		return nil
	}

	var offset, height uint64
	var prevHash common.Hash
	if last != nil {
		offset = m.chain.NextOffset()
		height = last.Height + 1
		hash, err := last.Hash()
		if err != nil {
			return err
		}
		prevHash = hash
	}

	var bodies []byte
	headers := make([]types.OperationHeader, 0, len(entries))
	for _, e := range entries {
		data, err := e.Operation.Marshal()
		if err != nil {
			return err
		}
		headers = append(headers, types.OperationHeader{Offset: uint32(len(bodies)), Size: uint32(len(data))})
		bodies = append(bodies, data...)
	}

	proposalID := m.minter.Mint()
	block := types.Block{
		PreviousHash:        prevHash,
		Offset:              offset,
		Height:              height,
		ProposedOperationID: proposalID,
		Headers:             headers,
		Bodies:              bodies,
	}
	blockHash, err := block.Hash()
	if err != nil {
		return err
	}
	sig, err := m.signer.Sign(blockHash[:])
	if err != nil {
		return err
	}
	proposerSig := types.BlockSignature{NodeID: m.signer.NodeID(), Signature: sig}

	payload, err := encodeProposal(block, proposerSig)
	if err != nil {
		return err
	}
	op, err := chainsec.SignOperation(m.signer, types.Operation{
		Kind:        types.KindBlockPropose,
		GroupID:     proposalID,
		OperationID: proposalID,
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	m.pool.PutOperation(op)
	ctx.PushEvent(synccontext.Event{Kind: synccontext.EventPendingOperationNew, OperationID: op.OperationID})
	metricProposalsMade.Inc(1)
	return nil
}

// collectSignatures signs or refuses every still-open BlockPropose we
// haven't voted on yet.
func (m *Manager) collectSignatures(ctx *synccontext.Context) {
	var proposals []pendingpool.StoredOperation
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if op.Kind == types.KindBlockPropose {
			proposals = append(proposals, op)
		}
		return true
	})

	for _, proposal := range proposals {
		if m.nowFn().Sub(proposal.OperationID.Time()) > m.config.BlockProposalTimeout {
			continue
		}
		if m.hasVoted(proposal.GroupID) {
			continue
		}

		payload, err := decodeProposal(proposal.Operation.Payload)
		if err != nil {
			m.refuse(ctx, proposal.GroupID, RefuseReasonBadSchema)
			continue
		}
		block := payload.block()

		reason, ok := m.validateProposal(proposal.Operation.NodeID, block, payload.ProposerSignature)
		if !ok {
			m.refuse(ctx, proposal.GroupID, reason)
			continue
		}

		blockHash, err := block.Hash()
		if err != nil {
			m.refuse(ctx, proposal.GroupID, RefuseReasonBadSchema)
			continue
		}
		sig, err := m.signer.Sign(blockHash[:])
		if err != nil {
			m.log.Error("failed to sign block proposal", "group", proposal.GroupID, "err", err)
			continue
		}
		m.sign(ctx, proposal.GroupID, types.BlockSignature{NodeID: m.signer.NodeID(), Signature: sig})
	}
}

// validateProposal checks proposer eligibility, signature validity, and
// offset/height continuity against the local chain tip, the only grounds
// for a refusal.
func (m *Manager) validateProposal(proposerID types.NodeID, block types.Block, proposerSig types.BlockSignature) (RefuseReason, bool) {
	last, err := m.chain.GetLastBlock()
	if err != nil {
		return RefuseReasonBadContinuity, false
	}
	expectedProposer := m.electProposer(last)
	if proposerID != expectedProposer || proposerSig.NodeID != expectedProposer {
		return RefuseReasonInvalidProposer, false
	}

	var expectedOffset, expectedHeight uint64
	var expectedPrevHash common.Hash
	if last != nil {
		expectedOffset = m.chain.NextOffset()
		expectedHeight = last.Height + 1
		hash, err := last.Hash()
		if err != nil {
			return RefuseReasonBadContinuity, false
		}
		expectedPrevHash = hash
	}
	if block.Offset != expectedOffset || block.Height != expectedHeight || block.PreviousHash != expectedPrevHash {
		return RefuseReasonBadContinuity, false
	}

	blockHash, err := block.Hash()
	if err != nil {
		return RefuseReasonBadSchema, false
	}
	if err := chainsec.Verify(proposerSig.NodeID, blockHash[:], proposerSig.Signature); err != nil {
		return RefuseReasonBadSignature, false
	}
	return 0, true
}

func (m *Manager) hasVoted(groupID types.GroupID) bool {
	for _, op := range m.pool.GetGroupOperations(groupID) {
		if op.Operation.NodeID == m.signer.NodeID() && (op.Kind == types.KindBlockSign || op.Kind == types.KindBlockRefuse) {
			return true
		}
	}
	return false
}

func (m *Manager) sign(ctx *synccontext.Context, groupID types.GroupID, sig types.BlockSignature) {
	payload, err := encodeSign(sig)
	if err != nil {
		m.log.Error("failed to encode block-sign payload", "err", err)
		return
	}
	op, err := chainsec.SignOperation(m.signer, types.Operation{
		Kind:        types.KindBlockSign,
		GroupID:     groupID,
		OperationID: m.minter.Mint(),
		Payload:     payload,
	})
	if err != nil {
		m.log.Error("failed to sign block-sign operation", "err", err)
		return
	}
	m.pool.PutOperation(op)
	ctx.PushEvent(synccontext.Event{Kind: synccontext.EventPendingOperationNew, OperationID: op.OperationID})
}

func (m *Manager) refuse(ctx *synccontext.Context, groupID types.GroupID, reason RefuseReason) {
	payload, err := encodeRefuse(reason)
	if err != nil {
		m.log.Error("failed to encode block-refuse payload", "err", err)
		return
	}
	op, err := chainsec.SignOperation(m.signer, types.Operation{
		Kind:        types.KindBlockRefuse,
		GroupID:     groupID,
		OperationID: m.minter.Mint(),
		Payload:     payload,
	})
	if err != nil {
		m.log.Error("failed to sign block-refuse operation", "err", err)
		return
	}
	m.pool.PutOperation(op)
	ctx.PushEvent(synccontext.Event{Kind: synccontext.EventPendingOperationNew, OperationID: op.OperationID})
	metricRefusals.Inc(1)
}

// commitReady commits, among open proposals at the height immediately
// after the current tip, whichever first reaches quorum, breaking ties by
// smallest proposing-operation-id.
func (m *Manager) commitReady(ctx *synccontext.Context, last *types.Block) error {
	var nextHeight uint64
	if last != nil {
		nextHeight = last.Height + 1
	}
	quorum := Quorum(len(m.dataRoleNodes))

	var candidates []pendingpool.StoredOperation
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if op.Kind == types.KindBlockPropose {
			candidates = append(candidates, op)
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].OperationID < candidates[j].OperationID })

	for _, proposal := range candidates {
		payload, err := decodeProposal(proposal.Operation.Payload)
		if err != nil {
			continue
		}
		if payload.Height != nextHeight {
			continue
		}
		block := payload.block()
		blockHash, err := block.Hash()
		if err != nil {
			continue
		}

		voters := map[types.NodeID]types.Signature{payload.ProposerSignature.NodeID: payload.ProposerSignature.Signature}
		for _, voteOp := range m.pool.GetGroupOperations(proposal.GroupID) {
			if voteOp.Kind != types.KindBlockSign {
				continue
			}
			sig, err := decodeSign(voteOp.Operation.Payload)
			if err != nil {
				continue
			}
			if chainsec.Verify(sig.NodeID, blockHash[:], sig.Signature) != nil {
				continue
			}
			voters[sig.NodeID] = sig.Signature
		}
		if len(voters) < quorum {
			continue
		}

		for nodeID, sig := range voters {
			block.Signatures = append(block.Signatures, types.BlockSignature{NodeID: nodeID, Signature: sig})
		}
		sort.Slice(block.Signatures, func(i, j int) bool {
			return string(block.Signatures[i].NodeID[:]) < string(block.Signatures[j].NodeID[:])
		})

		if _, err := m.chain.WriteBlock(block); err != nil {
			if rawchain.IsFatal(err) {
				return err
			}
			m.log.Warn("failed to commit proposal", "group", proposal.GroupID, "err", err)
			continue
		}
		metricBlocksCommitted.Inc(1)

		for _, hdr := range block.Headers {
			raw, err := block.OperationBytes(hdr)
			if err != nil {
				continue
			}
			entryOp, err := types.UnmarshalOperation(raw)
			if err != nil {
				continue
			}
			_ = m.pool.UpdateOperationCommitStatus(entryOp.OperationID, pendingpool.CommitStatus{
				Committed: true,
				Offset:    block.Offset,
				Height:    block.Height,
			})
		}
		ctx.PushEvent(synccontext.Event{
			Kind:        synccontext.EventChainBlockNew,
			BlockOffset: block.Offset,
			BlockHeight: block.Height,
			BlockHash:   blockHash,
		})
		return nil // at most one commit per tick: the chain tip just moved.
	}
	return nil
}

// cleanup removes from pending every operation committed at least
// OperationsCleanupAfterBlockDepth blocks below the tip. The pending-sync
// omission threshold is advanced separately, to a height
// PendingSyncCleanupDepth blocks past the actual deletion boundary, so
// pending-sync stops offering or requesting anything at or below it even
// against a peer that has already GC'd slightly further than this node.
func (m *Manager) cleanup(ctx *synccontext.Context) {
	last, err := m.chain.GetLastBlock()
	if err != nil || last == nil {
		return
	}
	tipHeight := last.Height
	if tipHeight < m.config.OperationsCleanupAfterBlockDepth {
		return
	}
	maxCleanHeight := tipHeight - m.config.OperationsCleanupAfterBlockDepth
	thresholdHeight := maxCleanHeight + m.config.PendingSyncCleanupDepth

	var toDelete []types.OperationID
	var deepest *synccontext.BlockRef
	var haveThresholdID bool
	var thresholdID types.OperationID
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if !op.CommitStatus.Committed {
			return true
		}
		if op.CommitStatus.Height <= thresholdHeight && (!haveThresholdID || op.OperationID > thresholdID) {
			thresholdID = op.OperationID
			haveThresholdID = true
		}
		if op.CommitStatus.Height > maxCleanHeight {
			return true
		}
		toDelete = append(toDelete, op.OperationID)
		if deepest == nil || op.CommitStatus.Height > deepest.Height {
			deepest = &synccontext.BlockRef{Offset: op.CommitStatus.Offset, Height: op.CommitStatus.Height}
		}
		return true
	})
	for _, id := range toDelete {
		m.pool.DeleteOperation(id)
	}

	// Timed-out proposals that never reached quorum are pruned too, so a
	// losing or abandoned proposal doesn't linger in pending forever.
	m.pool.OperationsIter(0, 0, func(op pendingpool.StoredOperation) bool {
		if op.Kind == types.KindBlockPropose && m.nowFn().Sub(op.OperationID.Time()) > 4*m.config.BlockProposalTimeout {
			m.pool.DeleteOperation(op.OperationID)
		}
		return true
	})

	if deepest != nil {
		ctx.SyncState.PendingLastCleanupBlock = deepest
	}
	if haveThresholdID {
		ctx.SyncState.PendingCleanupOperationIDThreshold = thresholdID + 1
	}
}
