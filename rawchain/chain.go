package rawchain

import "github.com/cellmesh/chain/types"

// Chain is the capability set a chain store backend provides: append, random
// read, reverse iteration, operation-id lookup, and truncation. The engine
// and both synchronizers are written against this interface; Store is the
// directory-backed implementation and MemoryStore the in-memory one.
type Chain interface {
	// Config returns the store's configuration, e.g. so a caller
	// re-marshaling an already-stored block can reproduce its exact padded
	// size.
	Config() Config

	// Segments returns the chain's segment ranges, in ascending order.
	Segments() []Segment

	// NextOffset returns the offset the next written block would occupy.
	NextOffset() uint64

	// WriteBlock appends block, whose Offset must equal NextOffset; returns
	// InvalidNextBlockError otherwise.
	WriteBlock(block types.Block) (uint64, error)

	// GetBlock reads the block stored at offset.
	GetBlock(offset uint64) (types.Block, error)

	// GetBlockFromNextOffset returns the block whose next offset equals next.
	GetBlockFromNextOffset(next uint64) (types.Block, error)

	// GetLastBlock returns the most recently written block, or nil on an
	// empty chain.
	GetLastBlock() (*types.Block, error)

	// GetBlockByOperationID looks up the block containing operationID, or
	// nil if no stored block contains it.
	GetBlockByOperationID(operationID types.OperationID) (*types.Block, error)

	// BlocksIter walks blocks forward starting at fromOffset.
	BlocksIter(fromOffset uint64, fn BlockIterFunc) error

	// BlocksIterReverse walks blocks backward starting at the block whose
	// next offset equals fromNextOffset.
	BlocksIterReverse(fromNextOffset uint64, fn BlockIterFunc) error

	// TruncateFromOffset discards every block at or after offset.
	TruncateFromOffset(offset uint64) error
}

var (
	_ Chain = (*Store)(nil)
	_ Chain = (*MemoryStore)(nil)
)
