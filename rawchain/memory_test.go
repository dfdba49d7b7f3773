package rawchain

import (
	"testing"

	"github.com/cellmesh/chain/chainsec"
	"github.com/cellmesh/chain/types"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreWriteAndIterate(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)

	genesis, err := WriteGenesis(store, key)
	require.NoError(t, err)

	prev := genesis
	for h := uint64(1); h <= 5; h++ {
		block := buildChildBlock(t, prev, h, []byte{byte(h)})
		_, err := store.WriteBlock(block)
		require.NoError(t, err)
		prev = block
	}

	var heights []uint64
	err = store.BlocksIter(0, func(b types.Block) error {
		heights = append(heights, b.Height)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, heights)

	var reversed []uint64
	err = store.BlocksIterReverse(store.NextOffset(), func(b types.Block) error {
		reversed = append(reversed, b.Height)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3, 2, 1, 0}, reversed)

	last, err := store.GetLastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last.Height)

	fromNext, err := store.GetBlockFromNextOffset(store.NextOffset())
	require.NoError(t, err)
	require.Equal(t, uint64(5), fromNext.Height)
}

func TestMemoryStoreRejectsWrongOffset(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	_, err = WriteGenesis(store, key)
	require.NoError(t, err)

	bad := types.Block{Offset: 999, Height: 1}
	_, err = store.WriteBlock(bad)
	var invalidNext *InvalidNextBlockError
	require.ErrorAs(t, err, &invalidNext)
	require.False(t, IsFatal(err))
}

func TestMemoryStoreOperationIDLookup(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	genesis, err := WriteGenesis(store, key)
	require.NoError(t, err)

	block := buildChildBlock(t, genesis, 1, []byte("x"))
	_, err = store.WriteBlock(block)
	require.NoError(t, err)

	found, err := store.GetBlockByOperationID(types.OperationID(1))
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, uint64(1), found.Height)

	missing, err := store.GetBlockByOperationID(types.OperationID(999))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestMemoryStoreTruncateFromOffset(t *testing.T) {
	store := NewMemoryStore(DefaultConfig())
	key, err := chainsec.GenerateKeyPair()
	require.NoError(t, err)
	genesis, err := WriteGenesis(store, key)
	require.NoError(t, err)

	block1 := buildChildBlock(t, genesis, 1, []byte("a"))
	_, err = store.WriteBlock(block1)
	require.NoError(t, err)
	block2 := buildChildBlock(t, block1, 2, []byte("b"))
	_, err = store.WriteBlock(block2)
	require.NoError(t, err)

	require.NoError(t, store.TruncateFromOffset(block2.Offset))

	last, err := store.GetLastBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last.Height)
	require.Equal(t, block2.Offset, store.NextOffset())

	missing, err := store.GetBlockByOperationID(types.OperationID(2))
	require.NoError(t, err)
	require.Nil(t, missing)
}
