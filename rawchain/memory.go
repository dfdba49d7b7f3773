package rawchain

import (
	"sort"

	"github.com/cellmesh/chain/types"
)

// MemoryStore keeps the whole chain in memory: the same contract as Store,
// minus durability. Used by tests and by embedders that don't need a disk
// copy of the chain. Like Store, it is owned by the engine goroutine and is
// not safe for concurrent use without external synchronization.
type MemoryStore struct {
	config Config

	blocks     []memoryBlock // ascending by offset
	nextOffset uint64
	index      map[types.OperationID]uint64
}

type memoryBlock struct {
	offset uint64
	data   []byte
}

// NewMemoryStore creates an empty in-memory chain store.
func NewMemoryStore(config Config) *MemoryStore {
	return &MemoryStore{
		config: config,
		index:  make(map[types.OperationID]uint64),
	}
}

func (m *MemoryStore) Config() Config {
	return m.config
}

func (m *MemoryStore) Segments() []Segment {
	if m.nextOffset == 0 {
		return nil
	}
	return []Segment{{Start: 0, End: m.nextOffset}}
}

func (m *MemoryStore) NextOffset() uint64 {
	return m.nextOffset
}

func (m *MemoryStore) WriteBlock(block types.Block) (uint64, error) {
	if block.Offset != m.nextOffset {
		return 0, &InvalidNextBlockError{Offset: block.Offset, ExpectedOffset: m.nextOffset}
	}

	data, err := block.Marshal(m.config.BlockSignaturesMaxSize)
	if err != nil {
		return 0, err
	}

	for _, hdr := range block.Headers {
		raw, err := block.OperationBytes(hdr)
		if err != nil {
			return 0, err
		}
		op, err := types.UnmarshalOperation(raw)
		if err != nil {
			return 0, err
		}
		m.index[op.OperationID] = block.Offset
	}

	m.blocks = append(m.blocks, memoryBlock{offset: block.Offset, data: data})
	m.nextOffset += uint64(len(data))
	return block.Offset, nil
}

// blockIndexFor returns the position of the block stored exactly at offset,
// or -1.
func (m *MemoryStore) blockIndexFor(offset uint64) int {
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].offset >= offset })
	if i == len(m.blocks) || m.blocks[i].offset != offset {
		return -1
	}
	return i
}

func (m *MemoryStore) GetBlock(offset uint64) (types.Block, error) {
	i := m.blockIndexFor(offset)
	if i < 0 {
		return types.Block{}, ErrOutOfBound
	}
	return types.UnmarshalBlock(m.blocks[i].data)
}

func (m *MemoryStore) GetBlockFromNextOffset(next uint64) (types.Block, error) {
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].offset >= next })
	if i == 0 {
		return types.Block{}, ErrOutOfBound
	}
	return types.UnmarshalBlock(m.blocks[i-1].data)
}

func (m *MemoryStore) GetLastBlock() (*types.Block, error) {
	if len(m.blocks) == 0 {
		return nil, nil
	}
	block, err := types.UnmarshalBlock(m.blocks[len(m.blocks)-1].data)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (m *MemoryStore) GetBlockByOperationID(operationID types.OperationID) (*types.Block, error) {
	offset, ok := m.index[operationID]
	if !ok {
		return nil, nil
	}
	block, err := m.GetBlock(offset)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (m *MemoryStore) BlocksIter(fromOffset uint64, fn BlockIterFunc) error {
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].offset >= fromOffset })
	for ; i < len(m.blocks); i++ {
		block, err := types.UnmarshalBlock(m.blocks[i].data)
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			if err == ErrStopIteration {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MemoryStore) BlocksIterReverse(fromNextOffset uint64, fn BlockIterFunc) error {
	i := sort.Search(len(m.blocks), func(i int) bool { return m.blocks[i].offset >= fromNextOffset })
	for i--; i >= 0; i-- {
		block, err := types.UnmarshalBlock(m.blocks[i].data)
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			if err == ErrStopIteration {
				return nil
			}
			return err
		}
	}
	return nil
}

func (m *MemoryStore) TruncateFromOffset(offset uint64) error {
	if offset > m.nextOffset {
		return ErrOutOfBound
	}

	kept := m.blocks[:0]
	for _, b := range m.blocks {
		if b.offset >= offset {
			continue
		}
		kept = append(kept, b)
	}
	m.blocks = kept

	m.nextOffset = 0
	if len(m.blocks) > 0 {
		last := m.blocks[len(m.blocks)-1]
		m.nextOffset = last.offset + uint64(len(last.data))
	}
	for id, off := range m.index {
		if off >= m.nextOffset {
			delete(m.index, id)
		}
	}
	return nil
}
