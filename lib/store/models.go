package store

import (
	"math/big"
	"time"

	"github.com/tarancss/depositgw/lib/chain/types"
)

// Key identifies a ledger record. Token is empty for native balances.
type Key struct {
	Chain   types.ChainID `json:"chain" bson:"chain"`
	Address string        `json:"address" bson:"address"`
	Token   string        `json:"token,omitempty" bson:"token"`
}

// String returns chain:address or chain:address:token.
func (k Key) String() string {
	if k.Token == "" {
		return string(k.Chain) + ":" + k.Address
	}
	return string(k.Chain) + ":" + k.Address + ":" + k.Token
}

// Record is the last reconciled state of a Key. Amounts are base-10 integers in the chain's smallest unit. Rev is
// zero for a key that was never written and grows by one on every successful write.
type Record struct {
	Confirmed   string `json:"confirmed" bson:"confirmed"`
	Unconfirmed string `json:"unconfirmed" bson:"unconfirmed"`
	Rev         uint64 `json:"rev" bson:"rev"`
}

// ZeroRecord is the state of an unknown key.
func ZeroRecord() Record {
	return Record{Confirmed: "0", Unconfirmed: "0"}
}

// NewRecord formats a balance as a record with revision rev.
func NewRecord(b types.Balance, rev uint64) Record {
	r := ZeroRecord()
	r.Rev = rev
	if b.Confirmed != nil {
		r.Confirmed = b.Confirmed.String()
	}
	if b.Unconfirmed != nil {
		r.Unconfirmed = b.Unconfirmed.String()
	}
	return r
}

// Balance parses the record amounts. An empty amount reads as zero.
func (r Record) Balance() (types.Balance, error) {
	c, err := parseAmount(r.Confirmed)
	if err != nil {
		return types.Balance{}, err
	}
	u, err := parseAmount(r.Unconfirmed)
	if err != nil {
		return types.Balance{}, err
	}
	return types.Balance{Confirmed: c, Unconfirmed: u}, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, ErrBadAmount
	}
	return n, nil
}

// Status of an order.
type Status string

// Order statuses. Unpaid is the only non terminal one.
const (
	StatusUnpaid    Status = "Unpaid"
	StatusPaid      Status = "Paid"
	StatusCancelled Status = "Cancelled"
)

// LineItem is a menu item snapshotted into an order.
type LineItem struct {
	ItemID       string `json:"itemId" bson:"itemId"`
	Name         string `json:"name" bson:"name"`
	Description  string `json:"description" bson:"description"`
	Price        string `json:"price" bson:"price"`
	Denomination string `json:"denomination" bson:"denomination"`
}

// MenuItem is an item a vendor sells. Price is a decimal string in Denomination.
type MenuItem struct {
	ItemID       string `json:"itemId" bson:"itemId"`
	Name         string `json:"name" bson:"name"`
	Description  string `json:"description" bson:"description"`
	Price        string `json:"price" bson:"price"`
	Denomination string `json:"denomination" bson:"denomination"`
}

// Vendor holds the catalog and accepted chains of a merchant. Account is the vendor's HD wallet account, which must
// not be shared with another vendor; Addresses lists per chain the addresses derived from it, in derivation order.
type Vendor struct {
	ID             string                     `json:"id" bson:"_id"`
	AcceptedChains []types.ChainID            `json:"acceptedChains" bson:"acceptedChains"`
	Items          map[string]MenuItem        `json:"items" bson:"items"`
	Addresses      map[types.ChainID][]string `json:"addresses,omitempty" bson:"addresses,omitempty"`
	Account        uint32                     `json:"account" bson:"account"`
}

// Accepts returns true if c is one of the vendor's accepted chains.
func (v Vendor) Accepts(c types.ChainID) bool {
	return Accepted(v.AcceptedChains, c)
}

// Order is a checkout. Credits maps a credit id to the highest balance, in the chain's smallest units, it has
// credited. Credited is the sum of the credits in price units.
type Order struct {
	ID              string            `json:"id" bson:"_id"`
	URL             string            `json:"url" bson:"url"`
	VendorID        string            `json:"vendorId" bson:"vendorId"`
	Chains          []types.ChainID   `json:"chains" bson:"chains"`
	Items           []LineItem        `json:"items" bson:"items"`
	Denomination    string            `json:"denomination" bson:"denomination"`
	Total           string            `json:"total" bson:"total"`
	SuccessCallback string            `json:"successCallback" bson:"successCallback"`
	FailureCallback string            `json:"failureCallback" bson:"failureCallback"`
	Status          Status            `json:"status" bson:"status"`
	Credits         map[string]string `json:"credits" bson:"credits"`
	Credited        string            `json:"credited" bson:"credited"`
	CreatedAt       time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt" bson:"updatedAt"`
}

// Accepts returns true if c is one of the order's chains.
func (o Order) Accepts(c types.ChainID) bool {
	return Accepted(o.Chains, c)
}

// Accepted returns true if c is in cs.
func Accepted(cs []types.ChainID, c types.ChainID) bool {
	for _, v := range cs {
		if v == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of o so that stores never share maps or slices with callers.
func (o Order) Clone() Order {
	c := o
	c.Chains = append([]types.ChainID(nil), o.Chains...)
	c.Items = append([]LineItem(nil), o.Items...)
	c.Credits = make(map[string]string, len(o.Credits))
	for k, v := range o.Credits {
		c.Credits[k] = v
	}
	return c
}

// Clone returns a deep copy of v.
func (v Vendor) Clone() Vendor {
	c := v
	c.AcceptedChains = append([]types.ChainID(nil), v.AcceptedChains...)
	c.Items = make(map[string]MenuItem, len(v.Items))
	for k, it := range v.Items {
		c.Items[k] = it
	}
	if v.Addresses != nil {
		c.Addresses = make(map[types.ChainID][]string, len(v.Addresses))
		for k, a := range v.Addresses {
			c.Addresses[k] = append([]string(nil), a...)
		}
	}
	return c
}
