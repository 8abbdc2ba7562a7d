package keychain

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies which of the three escrow participants a key belongs to.
// The role is part of the key derivation input, so the same passphrase yields
// unrelated keys for different roles.
type Role uint8

const (
	// RoleBorrower is the party that locks collateral in the escrow and
	// receives it back on repayment or recovery.
	RoleBorrower Role = 0

	// RoleLender is the party that receives the owed amount when the
	// loan defaults and the collateral is liquidated.
	RoleLender Role = 1

	// RolePlatform is the mediating marketplace. Its key is the tie
	// breaker in every 2-of-3 spend.
	RolePlatform Role = 2
)

// Roles lists every escrow role in canonical order.
var Roles = [3]Role{RoleBorrower, RoleLender, RolePlatform}

// ErrUnknownRole is returned when a role value or name does not match any of
// the three escrow roles.
var ErrUnknownRole = errors.New("unknown escrow role")

// String returns the lower-case name of the role.
func (r Role) String() string {
	switch r {
	case RoleBorrower:
		return "borrower"
	case RoleLender:
		return "lender"
	case RolePlatform:
		return "platform"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// IsValid returns true if r is one of the three escrow roles.
func (r Role) IsValid() bool {
	return r <= RolePlatform
}

// ParseRole maps a role name to its Role. Matching is case-insensitive.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "borrower":
		return RoleBorrower, nil
	case "lender":
		return RoleLender, nil
	case "platform":
		return RolePlatform, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
}
