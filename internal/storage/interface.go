package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-business-server/internal/domain"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")
)

// UserLookup resolves accounts. The auth manager only needs this slice of
// the store.
type UserLookup interface {
	// UserByEmail returns the account registered under email.
	UserByEmail(ctx context.Context, email string) (*domain.User, error)

	// UserByID returns the account with the given id.
	UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
}

// CreateWalletInput carries the fields of a create_wallet request.
type CreateWalletInput struct {
	Alias   string
	OrgID   uuid.UUID
	OwnerID uuid.UUID
}

// EditXpubInput carries the fields of an edit_xpub request. A nil Xpub
// clears the key.
type EditXpubInput struct {
	WalletID uuid.UUID
	KeyID    domain.KeyID
	Xpub     *domain.Xpub
}

// WalletChange is the outcome of a wallet mutation.
type WalletChange struct {
	Wallet *domain.Wallet
	// Org is set when the org's wallet list changed.
	Org *domain.Org
	// Users holds fresh projections of users whose key ownership changed.
	Users []*domain.UserView
	// Finalized is true when this mutation moved the wallet to Finalized.
	Finalized bool
	// Unchanged is true when the request matched the stored wallet and
	// nothing was written.
	Unchanged bool
}

// Store is the shared state behind every connection. Each mutation runs as
// a single critical section: load, check preconditions, apply, and return
// copies. Returned values never alias stored ones.
type Store interface {
	UserLookup

	// Org returns the org as seen by viewer: wallets the viewer cannot
	// see are omitted.
	Org(ctx context.Context, viewer, id uuid.UUID) (*domain.Org, error)

	// VisibleOrgs returns every org viewer belongs to, filtered like Org.
	VisibleOrgs(ctx context.Context, viewer uuid.UUID) ([]*domain.Org, error)

	// Wallet returns a wallet if viewer may read it.
	Wallet(ctx context.Context, viewer, id uuid.UUID) (*domain.Wallet, error)

	// UserView returns the projection of a user.
	UserView(ctx context.Context, id uuid.UUID) (*domain.UserView, error)

	// CreateWallet adds a Draft wallet to an org.
	CreateWallet(ctx context.Context, editor uuid.UUID, in CreateWalletInput) (*WalletChange, error)

	// EditWallet applies alias, template and status changes from w.
	EditWallet(ctx context.Context, editor uuid.UUID, w *domain.Wallet) (*WalletChange, error)

	// EditXpub sets or clears one key's xpub and finalizes the wallet once
	// every key has one.
	EditXpub(ctx context.Context, editor uuid.UUID, in EditXpubInput) (*WalletChange, error)

	// RemoveWalletFromOrg detaches a wallet from its org's list. The wallet
	// record itself is kept.
	RemoveWalletFromOrg(ctx context.Context, editor, orgID, walletID uuid.UUID) (*domain.Org, error)

	// Stats reports entity counts for status endpoints.
	Stats(ctx context.Context) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// Stats holds entity counts.
type Stats struct {
	Orgs    int `json:"orgs"`
	Wallets int `json:"wallets"`
	Users   int `json:"users"`
}
