package input

import (
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/wire"
)

// Signer represents an abstract object capable of generating raw signatures
// given a valid SignDescriptor and transaction. This interface abstracts away
// where the private key comes from: a key derived from a passphrase, a key
// unsealed from the vault or a remote signer.
type Signer interface {
	// SignOutputRaw generates a signature for the passed transaction
	// according to the data within the passed SignDescriptor.
	//
	// NOTE: The resulting signature should be void of a sighash byte.
	SignOutputRaw(tx *wire.MsgTx,
		signDesc *SignDescriptor) (*ecdsa.Signature, error)
}
