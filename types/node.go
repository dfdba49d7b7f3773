package types

import "github.com/ethereum/go-ethereum/common/hexutil"

// NodeID identifies a node within a cell. It is the node's public key.
type NodeID [32]byte

func (id NodeID) String() string {
	return hexutil.Encode(id[:])
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// CellID identifies a cell, the logical cluster of nodes that agree on one
// chain. It is the cell's public key.
type CellID [32]byte

func (id CellID) String() string {
	return hexutil.Encode(id[:])
}

func (id CellID) IsZero() bool {
	return id == CellID{}
}

// Signature is a detached signature over a payload, produced by a NodeID's
// private key. Its cryptographic shape (ed25519, ECDSA, ...) is an external
// collaborator concern; see package chainsec for the default implementation.
type Signature []byte
