package escrow

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/escrowd/input"
	"github.com/lightninglabs/escrowd/keychain"
)

var (
	// ErrMissingParty is returned when a party set does not contain
	// exactly one party per role.
	ErrMissingParty = errors.New("escrow requires exactly one borrower, " +
		"lender and platform key")

	// ErrUnknownParty is returned when a key is not one of the three
	// escrow keys.
	ErrUnknownParty = errors.New("key is not an escrow party")
)

// EscrowParty is one of the three key holders of an escrow output.
type EscrowParty struct {
	// Role is the part the key holder plays in the loan.
	Role keychain.Role

	// PubKey is the compressed public key committed to by the escrow
	// script.
	PubKey *btcec.PublicKey
}

// Parties holds the three escrow parties indexed by role, so that
// Parties[keychain.RoleLender] is always the lender.
type Parties [input.NumEscrowKeys]EscrowParty

// NewParties validates the three serialized public keys and assembles the
// party set. Every key must be a distinct 33-byte compressed key.
func NewParties(borrower, lender, platform []byte) (Parties, error) {
	var parties Parties

	raw := [input.NumEscrowKeys][]byte{borrower, lender, platform}
	if _, err := input.SortEscrowKeys(raw); err != nil {
		return parties, err
	}

	for i, role := range keychain.Roles {
		pubKey, err := input.ParsePubKey(raw[i])
		if err != nil {
			return parties, fmt.Errorf("%v key: %w", role, err)
		}

		parties[role] = EscrowParty{
			Role:   role,
			PubKey: pubKey,
		}
	}

	return parties, nil
}

// Validate makes sure the set holds one key for every role.
func (p *Parties) Validate() error {
	for _, role := range keychain.Roles {
		party := p[role]
		if party.Role != role || party.PubKey == nil {
			return fmt.Errorf("%w: %v missing", ErrMissingParty, role)
		}
	}

	_, err := input.SortEscrowKeys(p.Keys())

	return err
}

// Keys returns the serialized compressed keys in role order.
func (p *Parties) Keys() [input.NumEscrowKeys][]byte {
	var keys [input.NumEscrowKeys][]byte
	for i, party := range p {
		if party.PubKey == nil {
			continue
		}
		keys[i] = party.PubKey.SerializeCompressed()
	}

	return keys
}

// Party returns the party holding the given role.
func (p *Parties) Party(role keychain.Role) (EscrowParty, error) {
	if !role.IsValid() {
		return EscrowParty{}, fmt.Errorf("%w: %v",
			keychain.ErrUnknownRole, role)
	}

	return p[role], nil
}

// RoleOf returns the role of the party owning the given key.
func (p *Parties) RoleOf(pubKey *btcec.PublicKey) (keychain.Role, error) {
	for _, party := range p {
		if party.PubKey != nil && party.PubKey.IsEqual(pubKey) {
			return party.Role, nil
		}
	}

	return 0, ErrUnknownParty
}

// Equal reports whether both sets hold the same key for every role.
func (p *Parties) Equal(other *Parties) bool {
	for i := range p {
		a, b := p[i].PubKey, other[i].PubKey
		if a == nil || b == nil {
			if a != b {
				return false
			}
			continue
		}
		if !a.IsEqual(b) {
			return false
		}
	}

	return true
}
