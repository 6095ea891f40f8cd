// Package wallet keeps locally cached balances consistent and tells every
// interested listener when one changes.
//
// A balance is stored twice: as integer cents under an individual key
// (wallet_<role>_<username>) and as dollars inside a per-role collective
// map (wallet_buyers, wallet_sellers). The admin balance is a scalar under
// wallet_admin. Ledger owns both encodings, Bus fans changes out to
// subscribers and Poller reconciles writes that bypassed Ledger.
package wallet

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"walletsync/internal/money"
)

// Role is the side of the marketplace a balance belongs to
type Role string

const (
	Buyer  Role = "buyer"
	Seller Role = "seller"
	Admin  Role = "admin"
)

var (
	ErrUnknownRole      = errors.New("unknown role")
	ErrInvalidUsername  = errors.New("username is required")
	ErrStorageWrite     = errors.New("storage write failed")
	ErrNotCollective    = errors.New("role has no collective map")
	ErrAmountOutOfRange = errors.New("amount out of range")
)

// WriteError reports a wallet key the store refused to write
type WriteError struct {
	Key string
}

func (e *WriteError) Error() string {
	return ErrStorageWrite.Error() + ": " + e.Key
}

func (e *WriteError) Unwrap() error {
	return ErrStorageWrite
}

// ParseRole converts s to a Role
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case Buyer, Seller, Admin:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// CollectiveRoles are the roles whose balances live in a username map
var CollectiveRoles = []Role{Buyer, Seller}

// CollectiveKey returns the key of the role's collective encoding
func CollectiveKey(role Role) string {
	switch role {
	case Buyer:
		return "wallet_buyers"
	case Seller:
		return "wallet_sellers"
	}
	return "wallet_admin"
}

// IndividualKey returns the key of the cents mirror for (username, role)
func IndividualKey(role Role, username string) string {
	return fmt.Sprintf("wallet_%s_%s", role, username)
}

// subscriptionKey identifies a balance across the bus and the poller
func subscriptionKey(role Role, username string) string {
	return string(role) + "_" + username
}

// BalanceChange is the payload of a walletBalanceUpdated event
type BalanceChange struct {
	Username string  `json:"username"`
	Role     Role    `json:"role"`
	Amount   float64 `json:"amount"`
}

// Form records how a stored balance entry was encoded
type Form int

const (
	// FormScalar is a plain number
	FormScalar Form = iota
	// FormWrapped is a legacy {"balance": n} object
	FormWrapped
	// FormInvalid is anything else; its amount reads as 0
	FormInvalid
)

func (f Form) String() string {
	switch f {
	case FormScalar:
		return "scalar"
	case FormWrapped:
		return "wrapped"
	}
	return "invalid"
}

// Entry is a normalised balance entry. Amount is always finite,
// non-negative and rounded to cents.
type Entry struct {
	Amount float64
	Form   Form
	// Adjusted is set when normalisation changed a scalar value
	Adjusted bool
}

// Clean reports whether the stored form already equals the normalised one
func (e Entry) Clean() bool {
	return e.Form == FormScalar && !e.Adjusted
}

// ParseEntry normalises one stored balance value
func ParseEntry(v gjson.Result) Entry {
	switch {
	case v.Type == gjson.Number:
		raw := v.Float()
		amount := money.ClampNonNegative(raw)
		return Entry{Amount: amount, Form: FormScalar, Adjusted: amount != raw}
	case v.IsObject() && v.Get("balance").Type == gjson.Number:
		return Entry{Amount: money.ClampNonNegative(v.Get("balance").Float()), Form: FormWrapped}
	}
	return Entry{Form: FormInvalid}
}
