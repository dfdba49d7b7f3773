// Package pendingpool implements the in-memory store for operations that
// have been created but not yet committed to the chain.
package pendingpool

import (
	"errors"
	"sort"
	"sync"

	"github.com/cellmesh/chain/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	// ErrNotFound is returned when an operation id has no entry in the
	// store.
	ErrNotFound = errors.New("pendingpool: operation not found")

	metricOperationCount = metrics.NewRegisteredGauge("pendingpool/operations", nil)
)

// CommitStatus records whether a pending operation has been committed to the
// chain, populated only by the commit manager.
type CommitStatus struct {
	Committed bool
	Offset    uint64
	Height    uint64
}

// StoredOperation is one entry of the pending store.
type StoredOperation struct {
	GroupID      types.GroupID
	OperationID  types.OperationID
	Kind         types.Kind
	CommitStatus CommitStatus
	Operation    types.Operation
}

// Store is an in-memory pending store with a primary index
// (operation id -> StoredOperation) and a group index
// (group id -> set of operation ids). Not safe for concurrent use beyond the
// locking this type itself provides; the engine is its only caller.
type Store struct {
	log log.Logger

	mu      sync.Mutex
	byID    map[types.OperationID]*StoredOperation
	byGroup map[types.GroupID]map[types.OperationID]struct{}
}

// NewStore creates an empty pending store.
func NewStore() *Store {
	return &Store{
		log:     log.New("module", "pendingpool"),
		byID:    make(map[types.OperationID]*StoredOperation),
		byGroup: make(map[types.GroupID]map[types.OperationID]struct{}),
	}
}

// PutOperation adds or replaces op, keyed by its operation id. Idempotent:
// putting the same operation id twice leaves exactly one copy. Returns true
// if an existing entry was replaced.
func (s *Store) PutOperation(op types.Operation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, replaced := s.byID[op.OperationID]
	stored := &StoredOperation{
		GroupID:     op.GroupID,
		OperationID: op.OperationID,
		Kind:        op.Kind,
		Operation:   op,
	}
	if existing, ok := s.byID[op.OperationID]; ok {
		stored.CommitStatus = existing.CommitStatus
	}
	s.byID[op.OperationID] = stored

	group, ok := s.byGroup[op.GroupID]
	if !ok {
		group = make(map[types.OperationID]struct{})
		s.byGroup[op.GroupID] = group
	}
	group[op.OperationID] = struct{}{}

	metricOperationCount.Update(int64(len(s.byID)))
	return replaced
}

// UpdateOperationCommitStatus is the only mutator the commit manager uses to
// mark operations committed once their containing block reaches quorum.
func (s *Store) UpdateOperationCommitStatus(operationID types.OperationID, status CommitStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[operationID]
	if !ok {
		return ErrNotFound
	}
	stored.CommitStatus = status
	return nil
}

// GetOperation returns the stored operation for id, if any.
func (s *Store) GetOperation(operationID types.OperationID) (StoredOperation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.byID[operationID]
	if !ok {
		return StoredOperation{}, false
	}
	return *stored, true
}

// GetGroupOperations returns every operation sharing groupID, sorted by
// operation id.
func (s *Store) GetGroupOperations(groupID types.GroupID) []StoredOperation {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.byGroup[groupID]
	if !ok {
		return nil
	}
	out := make([]StoredOperation, 0, len(ids))
	for id := range ids {
		out = append(out, *s.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

// OperationsCount returns the number of operations currently stored.
func (s *Store) OperationsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// OperationsIter walks stored operations in operation-id order within
// [from, to]. A zero value for to means unbounded.
func (s *Store) OperationsIter(from, to types.OperationID, fn func(StoredOperation) bool) {
	s.mu.Lock()
	ids := make([]types.OperationID, 0, len(s.byID))
	for id := range s.byID {
		if id < from {
			continue
		}
		if to != 0 && id > to {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	ops := make([]StoredOperation, len(ids))
	for i, id := range ids {
		ops[i] = *s.byID[id]
	}
	s.mu.Unlock()

	for _, op := range ops {
		if !fn(op) {
			return
		}
	}
}

// DeleteOperation removes operationID. If operationID is itself a group id
// (e.g. a block proposal), the whole group is removed along with it.
func (s *Store) DeleteOperation(operationID types.OperationID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ids, ok := s.byGroup[operationID]; ok {
		for id := range ids {
			s.deleteSingleLocked(id)
		}
		delete(s.byGroup, operationID)
	} else {
		s.deleteSingleLocked(operationID)
	}
	metricOperationCount.Update(int64(len(s.byID)))
}

func (s *Store) deleteSingleLocked(operationID types.OperationID) {
	stored, ok := s.byID[operationID]
	if !ok {
		return
	}
	delete(s.byID, operationID)
	if group, ok := s.byGroup[stored.GroupID]; ok {
		delete(group, operationID)
		if len(group) == 0 {
			delete(s.byGroup, stored.GroupID)
		}
	}
}
