package memory

import (
	"github.com/google/uuid"

	"github.com/sirosfoundation/go-business-server/internal/domain"
)

// Demo accounts created by Seed.
const (
	AdminEmail       = "ws@example.com"
	OwnerEmail       = "owner@example.com"
	SharedOwnerEmail = "shared-owner@example.com"
	ParticipantEmail = "user@example.com"
	BobEmail         = "bob@example.com"
	AliceEmail       = "alice@example.com"
)

// Demo wallet and org names created by Seed.
const (
	AcmeOrgName         = "Acme Corp"
	EmptyOrgName        = "Empty Org"
	DraftWalletName     = "Draft Wallet"
	ValidatedWalletName = "Validated Wallet"
	FinalizedWalletName = "Finalized Wallet"
	SharedWalletName    = "Shared Wallet"
)

// Extended keys from the BIP32 test vectors, used as demo xpubs.
var demoXpubs = []string{
	"xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8",
	"xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw",
	"xpub661MyMwAqRbcFW31YEwpkMuc5THy2PSt5bDMsktWQcFF8syAmRUapSCGu8ED9W6oDMSgv6Zz8idoc4a6mr8BDzTJY47LJhkJ8UB7WEGuduB",
	"xpub69H7F5d8KSRgmmdJg2KhpAK8SR3DjMwAdkxj3ZuxV27CprR9LgpeyGmXUbC6wb7ERfvrnKZjXoUmmDznezpbZb7ap6r1D3tgFxHmwMkQTPH",
}

// Seed returns a store populated with the demo dataset:
//
//   - ws@example.com administers everything.
//   - owner@example.com owns the Draft, Validated and Finalized wallets and
//     holds a key on the Shared wallet.
//   - user@example.com holds keys on every Acme wallet.
//   - the Validated wallet has two keys still missing xpubs.
func Seed(opts ...Option) *Store {
	s := NewStore(opts...)

	admin := domain.NewUser("WS Manager", AdminEmail, domain.RoleAdministrator)
	owner := domain.NewUser("Wallet Owner", OwnerEmail, domain.RoleParticipant)
	sharedOwner := domain.NewUser("Shared Wallet Owner", SharedOwnerEmail, domain.RoleParticipant)
	participant := domain.NewUser("Participant User", ParticipantEmail, domain.RoleParticipant)
	bob := domain.NewUser("Bob", BobEmail, domain.RoleParticipant)
	alice := domain.NewUser("Alice", AliceEmail, domain.RoleParticipant)

	users := []*domain.User{admin, owner, sharedOwner, participant, bob, alice}
	for _, u := range users {
		mustSeed(s.AddUser(u))
	}

	acme := domain.NewOrg(AcmeOrgName)
	for _, u := range users {
		acme.Users = append(acme.Users, u.ID)
	}
	mustSeed(s.AddOrg(acme))

	empty := domain.NewOrg(EmptyOrgName)
	empty.Users = []uuid.UUID{admin.ID, owner.ID}
	mustSeed(s.AddOrg(empty))

	draft := domain.NewWallet(DraftWalletName, acme.ID, owner)
	draft.Template = threeKeyTemplate(OwnerEmail, ParticipantEmail, BobEmail)
	mustSeed(s.AddWallet(draft))

	validated := domain.NewWallet(ValidatedWalletName, acme.ID, owner)
	validated.Status = domain.StatusValidated
	validated.Template = threeKeyTemplate(OwnerEmail, ParticipantEmail, AliceEmail)
	setXpub(validated.Template, 0, demoXpubs[0])
	mustSeed(s.AddWallet(validated))

	final := domain.NewWallet(FinalizedWalletName, acme.ID, owner)
	final.Status = domain.StatusFinalized
	final.Template = threeKeyTemplate(OwnerEmail, ParticipantEmail, BobEmail)
	setXpub(final.Template, 0, demoXpubs[1])
	setXpub(final.Template, 1, demoXpubs[2])
	setXpub(final.Template, 2, demoXpubs[3])
	mustSeed(s.AddWallet(final))

	shared := domain.NewWallet(SharedWalletName, acme.ID, sharedOwner)
	shared.Owners = append(shared.Owners, bob.ID)
	shared.Status = domain.StatusShared
	shared.Template = threeKeyTemplate(SharedOwnerEmail, OwnerEmail, ParticipantEmail)
	mustSeed(s.AddWallet(shared))

	return s
}

// threeKeyTemplate builds a 2-of-3 primary path with a one-year recovery
// path on the first key.
func threeKeyTemplate(first, second, third string) *domain.PolicyTemplate {
	t := domain.NewPolicyTemplate()
	t.Keys[0] = &domain.Key{ID: 0, Alias: "Primary", Description: "Day to day signing", Email: first, KeyType: domain.KeyTypeInternal}
	t.Keys[1] = &domain.Key{ID: 1, Alias: "Second", Description: "Co-signer", Email: second, KeyType: domain.KeyTypeExternal}
	t.Keys[2] = &domain.Key{ID: 2, Alias: "Third", Description: "Backup signer", Email: third, KeyType: domain.KeyTypeCosigner}
	t.PrimaryPath = domain.SpendingPath{IsPrimary: true, ThresholdN: 2, KeyIDs: []domain.KeyID{0, 1, 2}}
	t.SecondaryPaths = []domain.SecondaryPath{{
		Path:     domain.SpendingPath{ThresholdN: 1, KeyIDs: []domain.KeyID{0}},
		Timelock: domain.Timelock{Blocks: 52560},
	}}
	return t
}

func setXpub(t *domain.PolicyTemplate, id domain.KeyID, value string) {
	t.Keys[id].Xpub = &domain.Xpub{Value: value, Source: domain.XpubSourcePasted}
}

func mustSeed(err error) {
	if err != nil {
		panic("memory: seeding demo data: " + err.Error())
	}
}
