package rawchain

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cellmesh/chain/types"
)

// indexFileName is the on-disk overflow/persistence file for the operation
// id -> block offset index. Its presence is optional: if missing, or its
// checksum doesn't cover the store's current tip, the index is rebuilt by
// rescanning the chain (see Open Questions in DESIGN.md).
const indexFileName = "operation_index"

type indexEntry struct {
	operationID types.OperationID
	blockOffset uint64
}

// operationIndex is the chain store's secondary index: operation id -> the
// offset of the block containing it. Entries live in the mem map up to
// maxMemItems; beyond that they're merged into overflow, a sorted slice that
// is also held in memory and binary-searched. Nothing is written to disk on
// overflow: the index file is written only by persist and read back on open.
type operationIndex struct {
	mu sync.RWMutex

	dir         string
	maxMemItems int

	mem      map[types.OperationID]uint64
	overflow []indexEntry // sorted by operationID; held in memory
}

func newOperationIndex(dir string, maxMemItems int) *operationIndex {
	return &operationIndex{
		dir:         dir,
		maxMemItems: maxMemItems,
		mem:         make(map[types.OperationID]uint64),
	}
}

func (idx *operationIndex) put(id types.OperationID, blockOffset uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.mem[id] = blockOffset
	if len(idx.mem) > idx.maxMemItems {
		idx.flushLocked()
	}
}

func (idx *operationIndex) get(id types.OperationID) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if offset, ok := idx.mem[id]; ok {
		return offset, true
	}
	i := sort.Search(len(idx.overflow), func(i int) bool { return idx.overflow[i].operationID >= id })
	if i < len(idx.overflow) && idx.overflow[i].operationID == id {
		return idx.overflow[i].blockOffset, true
	}
	return 0, false
}

// truncateFrom drops every indexed operation whose block offset is >=
// fromBlockOffset, used when the chain is truncated on divergence.
func (idx *operationIndex) truncateFrom(fromBlockOffset uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for id, offset := range idx.mem {
		if offset >= fromBlockOffset {
			delete(idx.mem, id)
		}
	}
	kept := idx.overflow[:0]
	for _, e := range idx.overflow {
		if e.blockOffset < fromBlockOffset {
			kept = append(kept, e)
		}
	}
	idx.overflow = kept
}

// flushLocked merges mem into overflow (sorted) and clears mem. Caller must
// hold idx.mu.
func (idx *operationIndex) flushLocked() {
	merged := make([]indexEntry, 0, len(idx.overflow)+len(idx.mem))
	merged = append(merged, idx.overflow...)
	for id, offset := range idx.mem {
		merged = append(merged, indexEntry{operationID: id, blockOffset: offset})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].operationID < merged[j].operationID })
	idx.overflow = merged
	idx.mem = make(map[types.OperationID]uint64)
}

// persist writes the full index (mem flushed in) to disk, stamped with the
// chain's current next offset so a later load can tell whether it's stale.
func (idx *operationIndex) persist(coveredNextOffset uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.flushLocked()

	buf := make([]byte, 0, len(idx.overflow)*16+12)
	var tmp [16]byte
	for _, e := range idx.overflow {
		binary.LittleEndian.PutUint64(tmp[0:8], uint64(e.operationID))
		binary.LittleEndian.PutUint64(tmp[8:16], e.blockOffset)
		buf = append(buf, tmp[:]...)
	}
	var footer [12]byte
	binary.LittleEndian.PutUint64(footer[0:8], coveredNextOffset)
	binary.LittleEndian.PutUint32(footer[8:12], crc32.ChecksumIEEE(buf))
	buf = append(buf, footer[:]...)

	return os.WriteFile(indexPath(idx.dir), buf, 0o644)
}

// loadOperationIndex loads a persisted index from dir, returning (nil, false)
// if no index file exists, and (nil, false) if the file's checksum doesn't
// validate or its covered range doesn't match currentNextOffset — in both
// cases the caller should rebuild the index by rescanning the chain.
func loadOperationIndex(dir string, maxMemItems int, currentNextOffset uint64) (*operationIndex, bool) {
	data, err := os.ReadFile(indexPath(dir))
	if err != nil {
		return nil, false
	}
	if len(data) < 12 {
		return nil, false
	}
	body, footer := data[:len(data)-12], data[len(data)-12:]
	coveredNextOffset := binary.LittleEndian.Uint64(footer[0:8])
	wantCRC := binary.LittleEndian.Uint32(footer[8:12])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, false
	}
	if coveredNextOffset != currentNextOffset {
		return nil, false
	}
	if len(body)%16 != 0 {
		return nil, false
	}

	idx := newOperationIndex(dir, maxMemItems)
	idx.overflow = make([]indexEntry, 0, len(body)/16)
	for off := 0; off < len(body); off += 16 {
		id := types.OperationID(binary.LittleEndian.Uint64(body[off : off+8]))
		blockOffset := binary.LittleEndian.Uint64(body[off+8 : off+16])
		idx.overflow = append(idx.overflow, indexEntry{operationID: id, blockOffset: blockOffset})
	}
	return idx, true
}

func indexPath(dir string) string {
	return filepath.Join(dir, indexFileName)
}
