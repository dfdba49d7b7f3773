package pendingpool

import (
	"testing"

	"github.com/cellmesh/chain/types"
	"github.com/stretchr/testify/require"
)

func TestPutOperationIsIdempotent(t *testing.T) {
	store := NewStore()
	op := types.Operation{OperationID: 1, GroupID: 1, Kind: types.KindEntry, Payload: []byte("a")}

	replaced := store.PutOperation(op)
	require.False(t, replaced)
	require.Equal(t, 1, store.OperationsCount())

	replaced = store.PutOperation(op)
	require.True(t, replaced)
	require.Equal(t, 1, store.OperationsCount())
}

func TestUpdateCommitStatusUnknownOperation(t *testing.T) {
	store := NewStore()
	err := store.UpdateOperationCommitStatus(types.OperationID(42), CommitStatus{Committed: true})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGroupOperationsSortedByID(t *testing.T) {
	store := NewStore()
	store.PutOperation(types.Operation{OperationID: 3, GroupID: 1, Kind: types.KindBlockSign})
	store.PutOperation(types.Operation{OperationID: 1, GroupID: 1, Kind: types.KindBlockPropose})
	store.PutOperation(types.Operation{OperationID: 2, GroupID: 1, Kind: types.KindBlockSign})

	group := store.GetGroupOperations(types.GroupID(1))
	require.Len(t, group, 3)
	require.Equal(t, []types.OperationID{1, 2, 3}, []types.OperationID{group[0].OperationID, group[1].OperationID, group[2].OperationID})
}

func TestDeleteOperationRemovesWholeGroup(t *testing.T) {
	store := NewStore()
	store.PutOperation(types.Operation{OperationID: 10, GroupID: 10, Kind: types.KindBlockPropose})
	store.PutOperation(types.Operation{OperationID: 11, GroupID: 10, Kind: types.KindBlockSign})
	store.PutOperation(types.Operation{OperationID: 12, GroupID: 10, Kind: types.KindBlockSign})

	store.DeleteOperation(types.OperationID(10))

	require.Equal(t, 0, store.OperationsCount())
	_, found := store.GetOperation(types.OperationID(11))
	require.False(t, found)
}

func TestDeleteOperationLeavesGroupEntryWhenNotAGroupID(t *testing.T) {
	store := NewStore()
	store.PutOperation(types.Operation{OperationID: 20, GroupID: 99, Kind: types.KindEntry})
	store.PutOperation(types.Operation{OperationID: 21, GroupID: 99, Kind: types.KindEntry})

	store.DeleteOperation(types.OperationID(20))

	require.Equal(t, 1, store.OperationsCount())
	_, found := store.GetOperation(types.OperationID(21))
	require.True(t, found)
}

func TestOperationsIterWalksInOrderWithinRange(t *testing.T) {
	store := NewStore()
	for _, id := range []types.OperationID{5, 1, 3, 2, 4} {
		store.PutOperation(types.Operation{OperationID: id, GroupID: id, Kind: types.KindEntry})
	}

	var seen []types.OperationID
	store.OperationsIter(2, 4, func(op StoredOperation) bool {
		seen = append(seen, op.OperationID)
		return true
	})
	require.Equal(t, []types.OperationID{2, 3, 4}, seen)
}

func TestOperationsIterStopsEarly(t *testing.T) {
	store := NewStore()
	for _, id := range []types.OperationID{1, 2, 3} {
		store.PutOperation(types.Operation{OperationID: id, GroupID: id, Kind: types.KindEntry})
	}

	var seen []types.OperationID
	store.OperationsIter(0, 0, func(op StoredOperation) bool {
		seen = append(seen, op.OperationID)
		return len(seen) < 2
	})
	require.Equal(t, []types.OperationID{1, 2}, seen)
}
