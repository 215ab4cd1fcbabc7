package domain

import (
	"slices"

	"github.com/google/uuid"
)

// Org is an organization. Orgs are never hard-deleted.
type Org struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Wallets    []uuid.UUID `json:"wallets"`
	Users      []uuid.UUID `json:"users"`
	LastEdited *int64      `json:"last_edited,omitempty"`
	LastEditor *uuid.UUID  `json:"last_editor,omitempty"`
}

// NewOrg creates an empty organization.
func NewOrg(name string) *Org {
	return &Org{
		ID:      uuid.New(),
		Name:    name,
		Wallets: []uuid.UUID{},
		Users:   []uuid.UUID{},
	}
}

// Clone returns a deep copy.
func (o *Org) Clone() *Org {
	c := *o
	c.Wallets = slices.Clone(o.Wallets)
	c.Users = slices.Clone(o.Users)
	if c.Wallets == nil {
		c.Wallets = []uuid.UUID{}
	}
	if c.Users == nil {
		c.Users = []uuid.UUID{}
	}
	c.LastEdited = cloneInt64(o.LastEdited)
	c.LastEditor = cloneUUID(o.LastEditor)
	return &c
}

// HasMember reports whether the user belongs to the org.
func (o *Org) HasMember(userID uuid.UUID) bool {
	return slices.Contains(o.Users, userID)
}

// HasWallet reports whether the wallet is listed in the org.
func (o *Org) HasWallet(walletID uuid.UUID) bool {
	return slices.Contains(o.Wallets, walletID)
}

// DetachWallet removes walletID from the org's wallet list, keeping order.
// It reports whether anything was removed.
func (o *Org) DetachWallet(walletID uuid.UUID) bool {
	i := slices.Index(o.Wallets, walletID)
	if i < 0 {
		return false
	}
	o.Wallets = slices.Delete(o.Wallets, i, i+1)
	return true
}

// Touch stamps the edit metadata.
func (o *Org) Touch(editor uuid.UUID, at int64) {
	o.LastEdited = &at
	o.LastEditor = &editor
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneUUID(v *uuid.UUID) *uuid.UUID {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
