package escrowd

import (
	"github.com/lightninglabs/escrowd/keychain"
	"github.com/lightninglabs/escrowd/vault"
)

// KeySource unlocks the ephemeral escrow key of a party for a single signing
// request. The returned key is owned by the caller, who must zero it.
type KeySource interface {
	// unlock returns the key of the given loan and role.
	unlock(v *vault.Store, loanID string,
		role keychain.Role) (*keychain.EphemeralKey, error)

	// String names the source for logs.
	String() string
}

// deviceKey opens the key sealed by RememberKey.
type deviceKey struct{}

// DeviceKey returns a KeySource that opens the key sealed under the device
// key of the vault.
func DeviceKey() KeySource {
	return deviceKey{}
}

func (deviceKey) unlock(v *vault.Store, loanID string,
	role keychain.Role) (*keychain.EphemeralKey, error) {

	return v.RecallKey(loanID, role)
}

func (deviceKey) String() string {
	return "device"
}

// bundleKey opens the stored recovery bundle with its passphrase.
type bundleKey struct {
	passphrase []byte
}

// BundleKey returns a KeySource that opens the recovery bundle of the loan
// and role with the given passphrase.
func BundleKey(passphrase []byte) KeySource {
	return &bundleKey{passphrase: passphrase}
}

func (b *bundleKey) unlock(v *vault.Store, loanID string,
	role keychain.Role) (*keychain.EphemeralKey, error) {

	bundle, err := v.GetBundle(loanID, role)
	if err != nil {
		return nil, err
	}

	return bundle.Open(b.passphrase)
}

func (b *bundleKey) String() string {
	return "bundle"
}

// passphraseKey re-derives the key from the user's passphrase.
type passphraseKey struct {
	passphrase []byte
}

// PassphraseKey returns a KeySource that derives the key from the loan id,
// role and passphrase. Nothing needs to be stored for it.
func PassphraseKey(passphrase []byte) KeySource {
	return &passphraseKey{passphrase: passphrase}
}

func (p *passphraseKey) unlock(_ *vault.Store, loanID string,
	role keychain.Role) (*keychain.EphemeralKey, error) {

	return keychain.DeriveKey(loanID, role, p.passphrase)
}

func (p *passphraseKey) String() string {
	return "passphrase"
}
