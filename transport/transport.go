// Package transport defines the boundary types the engine uses to exchange
// framed messages with other nodes. The actual delivery mechanism (libp2p,
// HTTP, an in-process test bus, ...) is an external collaborator; this
// package only fixes the shape of what crosses that boundary.
package transport

import "github.com/cellmesh/chain/types"

// ServiceType tags which logical service a message belongs to, letting one
// transport multiplex several unrelated protocols over the same link.
type ServiceType int

const (
	// ServiceChain carries pending-sync, chain-sync and commit-manager
	// traffic. It's the only service type this module produces or
	// consumes.
	ServiceChain ServiceType = iota + 1
	// ServiceStore is reserved for a higher-level entity-store protocol
	// layered on top of the chain engine; never emitted here.
	ServiceStore
)

func (s ServiceType) String() string {
	switch s {
	case ServiceChain:
		return "chain"
	case ServiceStore:
		return "store"
	default:
		return "unknown"
	}
}

// InMessage is a message received from a peer, already demultiplexed to the
// right cell and service by the transport.
type InMessage struct {
	FromNode types.NodeID
	CellID   types.CellID
	Service  ServiceType
	Envelope []byte
}

// OutMessage is a message the engine wants delivered to one or more peers.
type OutMessage struct {
	ToNodes  []types.NodeID
	CellID   types.CellID
	Service  ServiceType
	Envelope []byte
}
