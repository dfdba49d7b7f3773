// Package rawchain implements the append-only, segmented, memory-mapped
// on-disk chain store: durable, ordered storage for committed blocks, with
// random access by offset and a secondary index by operation id.
package rawchain

import (
	"fmt"
	"os"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	metricSegmentCount  = metrics.NewRegisteredGauge("rawchain/segments", nil)
	metricChainBytes    = metrics.NewRegisteredGauge("rawchain/bytes", nil)
	metricBlocksWritten = metrics.NewRegisteredCounter("rawchain/blocks_written", nil)
)

// Segment describes one contiguous byte range of the chain, in offsets.
// The upper bound is exclusive; Store.GetBlockFromNextOffset(seg.End) finds
// the segment's last block.
type Segment struct {
	Start, End uint64
}

// Store is a directory-backed, segmented chain store. Its internal mutex
// protects the segment list and index against a concurrent Close, but the
// store is otherwise owned by the engine goroutine.
type Store struct {
	log    log.Logger
	dir    string
	config Config

	mu         sync.Mutex
	segments   []*segment // ascending by startOffset
	nextOffset uint64

	mapped *lru.Cache[uint64, *segment]
	index  *operationIndex
}

// Open opens (creating if necessary) a directory-backed chain store, running
// an integrity scan over every segment found.
func Open(dir string, config Config) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &Store{
		log:    log.New("module", "rawchain"),
		dir:    dir,
		config: config,
	}

	mapped, err := lru.NewWithEvict[uint64, *segment](config.SegmentMaxOpenMmap, func(_ uint64, seg *segment) {
		if err := seg.unmap(); err != nil {
			s.log.Error("failed to unmap evicted segment", "segment", seg.startOffset, "err", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.mapped = mapped

	offsets, err := listSegmentStartOffsets(dir)
	if err != nil {
		return nil, err
	}
	for _, off := range offsets {
		seg, err := openSegment(dir, off, config.SegmentOverAllocateSize)
		if err != nil {
			return nil, fmt.Errorf("rawchain: opening segment %d: %w", off, err)
		}
		s.segments = append(s.segments, seg)
		s.touchMapped(seg)
	}

	if err := s.scanIntegrity(); err != nil {
		return nil, err
	}

	if idx, ok := loadOperationIndex(dir, config.OperationIndexMaxMemoryItems, s.nextOffset); ok {
		s.index = idx
	} else {
		s.index = newOperationIndex(dir, config.OperationIndexMaxMemoryItems)
		if err := s.rebuildIndex(); err != nil {
			return nil, err
		}
	}

	metricSegmentCount.Update(int64(len(s.segments)))
	metricChainBytes.Update(int64(s.nextOffset))
	return s, nil
}

// Close flushes and releases every open segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.index.persist(s.nextOffset); err != nil {
		s.log.Warn("failed to persist operation index", "err", err)
	}
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) touchMapped(seg *segment) {
	s.mapped.Add(seg.startOffset, seg)
}

// scanIntegrity walks every segment forward, verifying each block's
// checksum and previous-hash chain, and truncates away a trailing
// partially-written block in the last segment (a crash mid-write).
func (s *Store) scanIntegrity() error {
	var previousHash common.Hash
	var offset uint64

	for i, seg := range s.segments {
		if seg.startOffset != offset {
			return fmt.Errorf("%w: segment %d does not start at expected offset %d", ErrUnexpectedState, seg.startOffset, offset)
		}
		seg.blockOffsets = seg.blockOffsets[:0]

		var relOffset uint64
		isLastSegment := i == len(s.segments)-1
		for relOffset < seg.sizeOrCapacityBound() {
			sized, ok := tryPeekSizedFrame(seg.data[relOffset:])
			if !ok || len(sized) == 8 {
				// A zero-length or unreadable frame: over-allocation padding
				// past the last block of a rolled segment, or a block cut
				// short by a crash. The latter is only tolerable at the very
				// tail of the chain.
				if isLastSegment || isZero(seg.data[relOffset:seg.sizeOrCapacityBound()]) {
					break
				}
				return fmt.Errorf("%w: unreadable frame at offset %d", ErrIntegrity, offset+relOffset)
			}

			block, err := types.UnmarshalBlock(seg.data[relOffset : relOffset+uint64(len(sized))])
			if err != nil {
				if isLastSegment {
					break
				}
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			if block.Offset != offset+relOffset {
				return fmt.Errorf("%w: block declares offset %d, found at %d", ErrIntegrity, block.Offset, offset+relOffset)
			}
			if block.Height > 0 && block.PreviousHash != previousHash {
				return fmt.Errorf("%w: previous-hash mismatch at height %d", ErrIntegrity, block.Height)
			}
			hash, err := block.Hash()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			previousHash = hash

			seg.blockOffsets = append(seg.blockOffsets, relOffset)
			relOffset += uint64(len(sized))
		}

		seg.size = relOffset
		offset = seg.startOffset + relOffset
	}
	s.nextOffset = offset
	return nil
}

// rebuildIndex rescans every stored block and repopulates the operation-id
// index from scratch; used when no valid persisted index is found.
func (s *Store) rebuildIndex() error {
	return s.blocksIterInternal(0, func(block types.Block) error {
		for _, hdr := range block.Headers {
			raw, err := block.OperationBytes(hdr)
			if err != nil {
				return err
			}
			op, err := types.UnmarshalOperation(raw)
			if err != nil {
				return err
			}
			s.index.put(op.OperationID, block.Offset)
		}
		return nil
	})
}

// Config returns the store's configuration, e.g. so a caller re-marshaling
// an already-stored block can reproduce its exact padded size.
func (s *Store) Config() Config {
	return s.config
}

// Segments returns the chain's segment ranges, in ascending order.
func (s *Store) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Segment, len(s.segments))
	for i, seg := range s.segments {
		out[i] = Segment{Start: seg.startOffset, End: seg.startOffset + seg.size}
	}
	return out
}

// NextOffset returns the offset the next written block would occupy.
func (s *Store) NextOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset
}

// WriteBlock appends block to the store, assigning it no new fields (offset
// must already equal the store's next offset). Returns InvalidNextBlockError
// if it doesn't.
func (s *Store) WriteBlock(block types.Block) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if block.Offset != s.nextOffset {
		return 0, &InvalidNextBlockError{Offset: block.Offset, ExpectedOffset: s.nextOffset}
	}

	data, err := block.Marshal(s.config.BlockSignaturesMaxSize)
	if err != nil {
		return 0, err
	}

	seg := s.currentSegmentForWrite(uint64(len(data)))
	if err := seg.grow(uint64(len(data)), s.config.SegmentOverAllocateSize); err != nil {
		return 0, err
	}
	if _, err := seg.append(data); err != nil {
		return 0, err
	}
	s.touchMapped(seg)

	for _, hdr := range block.Headers {
		raw, err := block.OperationBytes(hdr)
		if err != nil {
			return 0, err
		}
		op, err := types.UnmarshalOperation(raw)
		if err != nil {
			return 0, err
		}
		s.index.put(op.OperationID, block.Offset)
	}

	s.nextOffset = seg.startOffset + seg.size
	metricBlocksWritten.Inc(1)
	metricChainBytes.Update(int64(s.nextOffset))
	return block.Offset, nil
}

// currentSegmentForWrite returns the segment new data should be appended to,
// creating a new one if the current tail segment would exceed
// config.SegmentMaxSize.
func (s *Store) currentSegmentForWrite(additional uint64) *segment {
	if len(s.segments) > 0 {
		tail := s.segments[len(s.segments)-1]
		if tail.size+additional <= s.config.SegmentMaxSize || tail.size == 0 {
			return tail
		}
	}
	seg, err := openSegment(s.dir, s.nextOffset, s.config.SegmentOverAllocateSize)
	if err != nil {
		// A new segment's file is freshly created; a failure here is an I/O
		// fault, which is fatal at the engine level. Panicking here would be
		// wrong, so surface it through the next GetBlock/WriteBlock caller
		// by leaving the store otherwise untouched.
		s.log.Error("failed to create new segment", "offset", s.nextOffset, "err", err)
		return s.segments[len(s.segments)-1]
	}
	s.segments = append(s.segments, seg)
	metricSegmentCount.Update(int64(len(s.segments)))
	return seg
}

// segmentFor returns the segment covering offset, or nil.
func (s *Store) segmentFor(offset uint64) *segment {
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].startOffset > offset }) - 1
	if i < 0 || i >= len(s.segments) {
		return nil
	}
	return s.segments[i]
}

func (s *Store) ensureSegmentMapped(seg *segment) error {
	if err := seg.ensureMapped(); err != nil {
		return err
	}
	s.touchMapped(seg)
	return nil
}

// GetBlock reads the block stored at offset.
func (s *Store) GetBlock(offset uint64) (types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBlockLocked(offset)
}

func (s *Store) getBlockLocked(offset uint64) (types.Block, error) {
	block, _, err := s.blockAndNextOffsetLocked(offset)
	return block, err
}

// blockAndNextOffsetLocked reads the block at offset and also returns its
// next offset, derived from the Sized frame's own length prefix rather than
// by re-marshaling the block.
func (s *Store) blockAndNextOffsetLocked(offset uint64) (types.Block, uint64, error) {
	seg := s.segmentFor(offset)
	if seg == nil {
		return types.Block{}, 0, ErrOutOfBound
	}
	if err := s.ensureSegmentMapped(seg); err != nil {
		return types.Block{}, 0, err
	}
	relOffset := offset - seg.startOffset
	if relOffset >= seg.size {
		return types.Block{}, 0, ErrOutOfBound
	}
	sized, ok := tryPeekSizedFrame(seg.data[relOffset:seg.size])
	if !ok {
		return types.Block{}, 0, ErrOutOfBound
	}
	block, err := types.UnmarshalBlock(seg.data[relOffset : relOffset+uint64(len(sized))])
	if err != nil {
		return types.Block{}, 0, err
	}
	return block, offset + uint64(len(sized)), nil
}

// GetBlockFromNextOffset returns the block whose NextOffset equals next.
func (s *Store) GetBlockFromNextOffset(next uint64) (types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg := s.segmentFor(next - 1)
	if seg == nil {
		return types.Block{}, ErrOutOfBound
	}
	relNext := next - seg.startOffset
	i := sort.Search(len(seg.blockOffsets), func(i int) bool { return seg.blockOffsets[i] >= relNext })
	if i == 0 {
		return types.Block{}, ErrOutOfBound
	}
	return s.getBlockLocked(seg.startOffset + seg.blockOffsets[i-1])
}

// GetLastBlock returns the most recently written block, if any.
func (s *Store) GetLastBlock() (*types.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextOffset == 0 {
		return nil, nil
	}
	block, err := s.getBlockLocked(s.lastBlockOffsetLocked())
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *Store) lastBlockOffsetLocked() uint64 {
	for i := len(s.segments) - 1; i >= 0; i-- {
		seg := s.segments[i]
		if len(seg.blockOffsets) > 0 {
			return seg.startOffset + seg.blockOffsets[len(seg.blockOffsets)-1]
		}
	}
	return 0
}

// GetBlockByOperationID looks up the block containing operationID via the
// secondary index.
func (s *Store) GetBlockByOperationID(operationID types.OperationID) (*types.Block, error) {
	s.mu.Lock()
	offset, ok := s.index.get(operationID)
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	block, err := s.getBlockLocked(offset)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &block, nil
}

// BlockIterFunc is called once per block by BlocksIter/BlocksIterReverse. It
// may return ErrStopIteration to stop iteration early, which is not itself
// propagated as a failure; any other error is returned to the caller.
type BlockIterFunc func(block types.Block) error

// ErrStopIteration lets a BlockIterFunc stop iteration without signalling an
// error to the caller.
var ErrStopIteration = fmt.Errorf("rawchain: stop iteration")

// BlocksIter walks blocks forward starting at fromOffset.
func (s *Store) BlocksIter(fromOffset uint64, fn BlockIterFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocksIterInternal(fromOffset, fn)
}

func (s *Store) blocksIterInternal(fromOffset uint64, fn BlockIterFunc) error {
	offset := fromOffset
	for offset < s.nextOffset {
		block, next, err := s.blockAndNextOffsetLocked(offset)
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			if err == ErrStopIteration {
				return nil
			}
			return err
		}
		offset = next
	}
	return nil
}

// BlocksIterReverse walks blocks backward starting at the block whose next
// offset equals fromNextOffset.
func (s *Store) BlocksIterReverse(fromNextOffset uint64, fn BlockIterFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fromNextOffset
	for next > 0 {
		seg := s.segmentFor(next - 1)
		if seg == nil {
			return ErrOutOfBound
		}
		relNext := next - seg.startOffset
		i := sort.Search(len(seg.blockOffsets), func(i int) bool { return seg.blockOffsets[i] >= relNext })
		if i == 0 {
			return nil
		}
		offset := seg.startOffset + seg.blockOffsets[i-1]
		block, err := s.getBlockLocked(offset)
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			if err == ErrStopIteration {
				return nil
			}
			return err
		}
		next = offset
	}
	return nil
}

// TruncateFromOffset discards every block at or after offset. Chain-sync
// does not call it: a detected divergence stops the engine instead.
func (s *Store) TruncateFromOffset(offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset > s.nextOffset {
		return ErrOutOfBound
	}

	kept := s.segments[:0]
	for _, seg := range s.segments {
		if seg.startOffset >= offset {
			if err := seg.close(); err != nil {
				return err
			}
			if err := os.Remove(seg.path); err != nil {
				return err
			}
			continue
		}
		if seg.startOffset+seg.size > offset {
			seg.truncateFrom(offset - seg.startOffset)
		}
		kept = append(kept, seg)
	}
	s.segments = kept
	s.nextOffset = offset
	s.index.truncateFrom(offset)
	metricSegmentCount.Update(int64(len(s.segments)))
	metricChainBytes.Update(int64(s.nextOffset))
	return nil
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// sizeOrCapacityBound returns the length of the region worth scanning
// during integrity checks: the segment's written size if known, else its
// full mmap capacity (used only on first open, before size is known).
func (s *segment) sizeOrCapacityBound() uint64 {
	if s.size > 0 {
		return s.size
	}
	return s.capacity()
}
