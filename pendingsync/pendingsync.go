// Package pendingsync implements range-based anti-entropy synchronization
// of pending (not-yet-committed) operations between peers: each side
// summarizes its pending store as a sorted list of operation-id ranges,
// compares summaries, and exchanges whatever differs.
package pendingsync

import (
	"time"

	"github.com/cellmesh/chain/pendingpool"
	"github.com/cellmesh/chain/requesttracker"
	"github.com/cellmesh/chain/synccontext"
	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	metricRequestsSent    = metrics.NewRegisteredCounter("pendingsync/requests_sent", nil)
	metricRequestsInvalid = metrics.NewRegisteredCounter("pendingsync/requests_invalid", nil)
	metricOperationsRecv  = metrics.NewRegisteredCounter("pendingsync/operations_received", nil)
)

// Synchronizer drives pending-store anti-entropy against every known peer.
// It holds one requesttracker.Tracker per peer so each is throttled
// independently.
type Synchronizer struct {
	log    log.Logger
	config Config
	nowFn  func() time.Time

	trackers map[types.NodeID]*requesttracker.Tracker
}

// New creates a Synchronizer. nowFn defaults to time.Now when nil.
func New(config Config, nowFn func() time.Time) *Synchronizer {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Synchronizer{
		log:      log.New("module", "pendingsync"),
		config:   config,
		nowFn:    nowFn,
		trackers: make(map[types.NodeID]*requesttracker.Tracker),
	}
}

func (s *Synchronizer) trackerFor(node types.NodeID) *requesttracker.Tracker {
	t, ok := s.trackers[node]
	if !ok {
		t = requesttracker.New(s.config.RequestTracker, s.nowFn)
		t.ForceNextRequest()
		s.trackers[node] = t
	}
	return t
}

// Tick asks every known peer's request tracker whether a new request may be
// sent, and enqueues one on ctx for each that can.
func (s *Synchronizer) Tick(ctx *synccontext.Context, pool *pendingpool.Store, peers []types.NodeID) {
	for _, peer := range peers {
		tracker := s.trackerFor(peer)
		if !tracker.CanSendRequest() {
			continue
		}
		req := s.buildRequest(pool, ctx.SyncState.PendingCleanupOperationIDThreshold)
		envelope, err := req.Marshal()
		if err != nil {
			s.log.Error("failed to marshal pending-sync request", "peer", peer, "err", err)
			continue
		}
		ctx.PushPendingSyncRequest(peer, envelope)
		tracker.SetLastSend(s.nowFn())
		metricRequestsSent.Inc(1)
	}
}

// buildRequest walks the pending store in operation-id order, bucketing up
// to MaxOperationsPerRange operations per range. The ranges are contiguous
// and together span [cleanupThreshold, MaxOperationID], so the peer also
// reports operations it holds in stretches where this node holds nothing.
// Everything below cleanupThreshold is omitted so already-garbage-collected
// operations aren't resurrected.
func (s *Synchronizer) buildRequest(pool *pendingpool.Store, cleanupThreshold types.OperationID) Request {
	var req Request
	var bucket []pendingpool.StoredOperation
	from := cleanupThreshold

	flush := func(to types.OperationID) {
		req.Ranges = append(req.Ranges, Range{
			FromOperationID: from,
			ToOperationID:   to,
			OperationsCount: uint32(len(bucket)),
			OperationsHash:  xorHash(bucket),
		})
		if to != types.MaxOperationID {
			from = to + 1
		}
		bucket = bucket[:0]
	}

	pool.OperationsIter(cleanupThreshold, 0, func(op pendingpool.StoredOperation) bool {
		bucket = append(bucket, op)
		if uint32(len(bucket)) >= s.config.MaxOperationsPerRange {
			flush(op.OperationID)
		}
		return true
	})
	flush(types.MaxOperationID)
	return req
}

func xorHash(ops []pendingpool.StoredOperation) uint64 {
	var h uint64
	for _, op := range ops {
		h ^= uint64(op.OperationID)
	}
	return h
}

// HandleMessage processes an inbound Request envelope from fromNode: it
// puts any delivered operations into pool, and if the request calls for a
// reply (acks need none), pushes one onto ctx.
func (s *Synchronizer) HandleMessage(ctx *synccontext.Context, pool *pendingpool.Store, fromNode types.NodeID, envelope []byte) error {
	tracker := s.trackerFor(fromNode)

	req, err := UnmarshalRequest(envelope)
	if err != nil {
		metricRequestsInvalid.Inc(1)
		s.log.Warn("dropping undecodable pending-sync request", "peer", fromNode, "err", err)
		return nil
	}
	if err := validateRanges(req.Ranges); err != nil {
		metricRequestsInvalid.Inc(1)
		tracker.CountFailure()
		return err
	}
	tracker.SetLastResponded(s.nowFn())

	var reply Request
	for _, r := range req.Ranges {
		if len(r.RequestOperationIDs) == 0 && len(r.InlineOperations) == 0 && len(r.HeaderOperationIDs) == 0 {
			// A bare summary: compare and answer with our whole local set
			// (inline or headers) on a mismatch.
			if out, ok := s.replyForBareRange(pool, r); ok {
				reply.Ranges = append(reply.Ranges, out)
			}
			continue
		}

		out := Range{FromOperationID: r.FromOperationID, ToOperationID: r.ToOperationID, Pushed: true}

		if len(r.RequestOperationIDs) > 0 {
			out.InlineOperations = append(out.InlineOperations, s.collectOperations(pool, r.RequestOperationIDs)...)
		}
		if len(r.InlineOperations) > 0 {
			received := s.storeInline(ctx, pool, r.InlineOperations)
			if !r.Pushed {
				// The peer sent its whole local set for this range; anything
				// we hold that isn't in it, it lacks.
				out.InlineOperations = append(out.InlineOperations, s.localsNotIn(pool, r, received)...)
			}
		}
		if len(r.HeaderOperationIDs) > 0 {
			held := make(map[types.OperationID]struct{}, len(r.HeaderOperationIDs))
			for _, h := range r.HeaderOperationIDs {
				held[h.OperationID] = struct{}{}
			}
			out.RequestOperationIDs = s.missingIDs(pool, r.HeaderOperationIDs)
			out.InlineOperations = append(out.InlineOperations, s.localsNotIn(pool, r, held)...)
		}

		if len(out.InlineOperations) > 0 || len(out.RequestOperationIDs) > 0 {
			reply.Ranges = append(reply.Ranges, out)
		}
	}

	if len(reply.Ranges) == 0 {
		return nil
	}
	out, err := reply.Marshal()
	if err != nil {
		return err
	}
	ctx.PushPendingSyncRequest(fromNode, out)
	return nil
}

// storeInline puts every received operation into pool, firing a
// PendingOperationNew event for each one not already held, and returns the
// received id set.
func (s *Synchronizer) storeInline(ctx *synccontext.Context, pool *pendingpool.Store, ops []types.Operation) map[types.OperationID]struct{} {
	received := make(map[types.OperationID]struct{}, len(ops))
	for _, op := range ops {
		received[op.OperationID] = struct{}{}
		if pool.PutOperation(op) {
			continue
		}
		ctx.PushEvent(synccontext.Event{Kind: synccontext.EventPendingOperationNew, OperationID: op.OperationID})
	}
	metricOperationsRecv.Inc(int64(len(ops)))
	return received
}

// localsNotIn returns our operations within r's bounds whose ids the peer's
// set doesn't contain: the operations the peer is missing.
func (s *Synchronizer) localsNotIn(pool *pendingpool.Store, r Range, theirs map[types.OperationID]struct{}) []types.Operation {
	var out []types.Operation
	pool.OperationsIter(r.FromOperationID, r.ToOperationID, func(op pendingpool.StoredOperation) bool {
		if _, ok := theirs[op.OperationID]; !ok {
			out = append(out, op.Operation)
		}
		return true
	})
	return out
}

// replyForBareRange compares a peer's bare range summary against the local
// pending store over the same bounds, replying inline or headers-only on a
// mismatch.
func (s *Synchronizer) replyForBareRange(pool *pendingpool.Store, r Range) (Range, bool) {
	var local []pendingpool.StoredOperation
	pool.OperationsIter(r.FromOperationID, r.ToOperationID, func(op pendingpool.StoredOperation) bool {
		local = append(local, op)
		return true
	})

	if uint32(len(local)) == r.OperationsCount && xorHash(local) == r.OperationsHash {
		return Range{}, false // equal: implicit ack
	}

	if uint32(len(local)) <= s.config.InlineOperationsMaxCount {
		ops := make([]types.Operation, len(local))
		for i, op := range local {
			ops[i] = op.Operation
		}
		return Range{
			FromOperationID:  r.FromOperationID,
			ToOperationID:    r.ToOperationID,
			InlineOperations: ops,
		}, true
	}

	headers := make([]OperationSummary, len(local))
	for i, op := range local {
		headers[i] = OperationSummary{OperationID: op.OperationID, GroupID: op.GroupID, Kind: op.Kind}
	}
	return Range{
		FromOperationID:    r.FromOperationID,
		ToOperationID:      r.ToOperationID,
		HeaderOperationIDs: headers,
	}, true
}

// validateRanges rejects a request whose ranges are internally inverted,
// unsorted relative to each other, or overlapping.
func validateRanges(ranges []Range) error {
	for i, r := range ranges {
		if r.ToOperationID != 0 && r.FromOperationID > r.ToOperationID {
			return ErrInvalidSyncRequest
		}
		if i > 0 && ranges[i-1].ToOperationID >= r.FromOperationID {
			return ErrInvalidSyncRequest
		}
	}
	return nil
}

// collectOperations gathers the requested operation ids from the local
// pending store, skipping whichever it no longer holds.
func (s *Synchronizer) collectOperations(pool *pendingpool.Store, ids []types.OperationID) []types.Operation {
	var ops []types.Operation
	for _, id := range ids {
		if stored, ok := pool.GetOperation(id); ok {
			ops = append(ops, stored.Operation)
		}
	}
	return ops
}

// missingIDs returns the operation ids from headers the local pending store
// doesn't already hold.
func (s *Synchronizer) missingIDs(pool *pendingpool.Store, headers []OperationSummary) []types.OperationID {
	var missing []types.OperationID
	for _, h := range headers {
		if _, ok := pool.GetOperation(h.OperationID); !ok {
			missing = append(missing, h.OperationID)
		}
	}
	return missing
}
