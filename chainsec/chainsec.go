// Package chainsec signs and verifies the bytes that back an operation or
// a node's vote on a block. It deliberately stays narrow (a keypair, a
// Signer, a Verifier) rather than growing into a general crypto subsystem.
package chainsec

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cellmesh/chain/types"
)

// ErrInvalidSignature is returned by a Verifier when a signature does not
// match its claimed signer.
var ErrInvalidSignature = errors.New("chainsec: invalid signature")

// Signer produces a detached signature over a payload, identified by its
// NodeID.
type Signer interface {
	NodeID() types.NodeID
	Sign(payload []byte) (types.Signature, error)
}

// Verifier checks a detached signature over a payload against a claimed
// NodeID.
type Verifier interface {
	Verify(nodeID types.NodeID, payload []byte, sig types.Signature) error
}

// KeyPair is the default Signer/Verifier: an ed25519 keypair whose public
// key doubles as the node's NodeID.
type KeyPair struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a fresh ed25519 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{public: pub, private: priv}, nil
}

// NodeID returns the node id derived from this keypair's public key.
func (k *KeyPair) NodeID() types.NodeID {
	var id types.NodeID
	copy(id[:], k.public)
	return id
}

// Sign signs payload with the private key.
func (k *KeyPair) Sign(payload []byte) (types.Signature, error) {
	return types.Signature(ed25519.Sign(k.private, payload)), nil
}

// Verify checks sig against payload and the public key embedded in nodeID.
func (k *KeyPair) Verify(nodeID types.NodeID, payload []byte, sig types.Signature) error {
	return Verify(nodeID, payload, sig)
}

// Verify checks sig against payload using nodeID's bytes as an ed25519
// public key. It is a package-level function (rather than requiring a
// KeyPair instance) since verification needs no private key material.
func Verify(nodeID types.NodeID, payload []byte, sig types.Signature) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: wrong length %d", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(nodeID[:]), payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// SignOperation signs op's SignedBytes and returns op with NodeID and
// Signature populated.
func SignOperation(signer Signer, op types.Operation) (types.Operation, error) {
	op.NodeID = signer.NodeID()
	payload, err := op.SignedBytes()
	if err != nil {
		return types.Operation{}, err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return types.Operation{}, err
	}
	op.Signature = sig
	return op, nil
}

// VerifyOperation checks op's signature against its originating NodeID.
func VerifyOperation(op types.Operation) error {
	payload, err := op.SignedBytes()
	if err != nil {
		return err
	}
	return Verify(op.NodeID, payload, op.Signature)
}
