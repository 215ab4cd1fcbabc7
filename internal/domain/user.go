package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Role is the capability an identity holds. Administrator is platform-wide;
// Owner and Participant are derived per wallet.
type Role string

const (
	RoleAdministrator Role = "Administrator"
	RoleOwner         Role = "Owner"
	RoleParticipant   Role = "Participant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleOwner, RoleParticipant:
		return true
	}
	return false
}

// User is a stored account. Role holds only the platform-wide role:
// Administrator or Participant. Wallet roles come from WalletRole.
type User struct {
	ID    uuid.UUID `json:"uuid"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Role  Role      `json:"role"`
}

// NewUser creates a user with a fresh id.
func NewUser(name, email string, role Role) *User {
	return &User{
		ID:    uuid.New(),
		Name:  name,
		Email: NormalizeEmail(email),
		Role:  role,
	}
}

// IsAdmin reports whether the user is a platform administrator.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdministrator
}

// NormalizeEmail lowercases and trims an email address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID uuid.UUID `json:"user_id"`
	Email  string    `json:"email"`
	Role   Role      `json:"role"`
}

// Identity returns the principal for u.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// KeyRef names one key of one wallet.
type KeyRef struct {
	WalletID uuid.UUID `json:"wallet_id"`
	KeyID    KeyID     `json:"key_id"`
}

// UserView is the user projection sent to clients. It is recomputed from
// the store on every fetch.
type UserView struct {
	ID          uuid.UUID          `json:"uuid"`
	Name        string             `json:"name"`
	Email       string             `json:"email"`
	Role        Role               `json:"role"`
	Orgs        []uuid.UUID        `json:"orgs"`
	WalletRoles map[uuid.UUID]Role `json:"wallet_roles"`
	Keys        []KeyRef           `json:"keys"`
}
