package domain

import (
	"slices"

	"github.com/google/uuid"
)

// WalletStatus is the lifecycle stage of a wallet. Transitions only move
// forward: Draft -> Validated -> Finalized. Shared is a validated wallet
// with more than one owner and behaves like Validated.
type WalletStatus string

const (
	StatusDraft     WalletStatus = "Draft"
	StatusValidated WalletStatus = "Validated"
	StatusShared    WalletStatus = "Shared"
	StatusFinalized WalletStatus = "Finalized"
)

// Valid reports whether s is a known status.
func (s WalletStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusValidated, StatusShared, StatusFinalized:
		return true
	}
	return false
}

// AcceptsXpubs reports whether key xpubs may be populated in this status.
func (s WalletStatus) AcceptsXpubs() bool {
	return s == StatusValidated || s == StatusShared
}

// Wallet is a multi-key wallet under construction.
type Wallet struct {
	ID         uuid.UUID       `json:"id"`
	Alias      string          `json:"alias"`
	Org        uuid.UUID       `json:"org"`
	Owner      uuid.UUID       `json:"owner"`
	OwnerEmail string          `json:"owner_email"`
	Owners     []uuid.UUID     `json:"owners"`
	Status     WalletStatus    `json:"status"`
	Template   *PolicyTemplate `json:"template,omitempty"`
	Version    uint64          `json:"version"`
	LastEdited *int64          `json:"last_edited,omitempty"`
	LastEditor *uuid.UUID      `json:"last_editor,omitempty"`
}

// NewWallet creates a Draft wallet with an empty template.
func NewWallet(alias string, org uuid.UUID, owner *User) *Wallet {
	return &Wallet{
		ID:         uuid.New(),
		Alias:      alias,
		Org:        org,
		Owner:      owner.ID,
		OwnerEmail: owner.Email,
		Owners:     []uuid.UUID{owner.ID},
		Status:     StatusDraft,
		Template:   NewPolicyTemplate(),
		Version:    1,
	}
}

// Clone returns a deep copy.
func (w *Wallet) Clone() *Wallet {
	c := *w
	c.Owners = slices.Clone(w.Owners)
	c.Template = w.Template.Clone()
	c.LastEdited = cloneInt64(w.LastEdited)
	c.LastEditor = cloneUUID(w.LastEditor)
	return &c
}

// IsOwner reports whether userID is one of the wallet's owners.
func (w *Wallet) IsOwner(userID uuid.UUID) bool {
	return w.Owner == userID || slices.Contains(w.Owners, userID)
}

// Touch stamps the edit metadata and bumps the version.
func (w *Wallet) Touch(editor uuid.UUID, at int64) {
	w.LastEdited = &at
	w.LastEditor = &editor
	w.Version++
}

// WalletRole derives the role u holds on w. The second result is false
// when u has no access at all.
func WalletRole(u *User, w *Wallet) (Role, bool) {
	if u == nil {
		return "", false
	}
	if u.IsAdmin() {
		return RoleAdministrator, true
	}
	if w.IsOwner(u.ID) {
		return RoleOwner, true
	}
	if len(w.Template.KeysOwnedBy(u.Email)) > 0 {
		return RoleParticipant, true
	}
	return "", false
}

// CanView reports whether u may read w. Participants do not see Drafts.
func CanView(u *User, w *Wallet) bool {
	role, ok := WalletRole(u, w)
	if !ok {
		return false
	}
	if role == RoleParticipant && w.Status == StatusDraft {
		return false
	}
	return true
}

// CanManage reports whether role may edit wallet metadata.
func CanManage(role Role) bool {
	return role == RoleAdministrator || role == RoleOwner
}
