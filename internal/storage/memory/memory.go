package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sirosfoundation/go-business-server/internal/domain"
	"github.com/sirosfoundation/go-business-server/internal/storage"
)

// Store implements storage.Store in memory. A single mutex guards all three
// collections so every operation sees and produces a consistent snapshot.
type Store struct {
	mu       sync.Mutex
	orgs     map[uuid.UUID]*domain.Org
	orgOrder []uuid.UUID
	wallets  map[uuid.UUID]*domain.Wallet
	users    map[uuid.UUID]*domain.User
	byEmail  map[string]uuid.UUID
	now      func() time.Time
	closed   bool
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for edit stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty in-memory store
func NewStore(opts ...Option) *Store {
	s := &Store{
		orgs:    make(map[uuid.UUID]*domain.Org),
		wallets: make(map[uuid.UUID]*domain.Wallet),
		users:   make(map[uuid.UUID]*domain.User),
		byEmail: make(map[string]uuid.UUID),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddUser registers an account.
func (s *Store) AddUser(u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := domain.NormalizeEmail(u.Email)
	if _, exists := s.users[u.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrAlreadyExists
	}
	c := *u
	c.Email = email
	s.users[u.ID] = &c
	s.byEmail[email] = u.ID
	return nil
}

// AddOrg registers an organization. Listed users and wallets must already
// exist.
func (s *Store) AddOrg(o *domain.Org) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orgs[o.ID]; exists {
		return storage.ErrAlreadyExists
	}
	for _, id := range o.Users {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("org member %s: %w", id, storage.ErrNotFound)
		}
	}
	s.orgs[o.ID] = o.Clone()
	s.orgOrder = append(s.orgOrder, o.ID)
	return nil
}

// AddWallet stores a wallet and appends it to its org's wallet list.
func (s *Store) AddWallet(w *domain.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[w.ID]; exists {
		return storage.ErrAlreadyExists
	}
	org, ok := s.orgs[w.Org]
	if !ok {
		return fmt.Errorf("org %s: %w", w.Org, storage.ErrNotFound)
	}
	for _, id := range w.Owners {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("wallet owner %s: %w", id, storage.ErrNotFound)
		}
	}
	s.wallets[w.ID] = w.Clone()
	if !org.HasWallet(w.ID) {
		org.Wallets = append(org.Wallets, w.ID)
	}
	return nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	u := *s.users[id]
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *Store) Org(ctx context.Context, viewer, id uuid.UUID) (*domain.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	org, ok := s.orgs[id]
	if !ok {
		return nil, domain.NotFound("org", id)
	}
	u := s.users[viewer]
	if !s.canSeeOrg(u, org) {
		return nil, domain.AccessDenied("you are not a member of this org")
	}
	return s.filteredOrg(u, org), nil
}

func (s *Store) VisibleOrgs(ctx context.Context, viewer uuid.UUID) ([]*domain.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	u := s.users[viewer]
	var out []*domain.Org
	for _, id := range s.orgOrder {
		org := s.orgs[id]
		if s.canSeeOrg(u, org) {
			out = append(out, s.filteredOrg(u, org))
		}
	}
	return out, nil
}

func (s *Store) Wallet(ctx context.Context, viewer, id uuid.UUID) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	w, ok := s.wallets[id]
	if !ok {
		return nil, domain.NotFound("wallet", id)
	}
	role, ok := domain.WalletRole(s.users[viewer], w)
	if !ok {
		return nil, domain.AccessDenied("you do not have access to this wallet")
	}
	if role == domain.RoleParticipant && w.Status == domain.StatusDraft {
		return nil, domain.AccessDenied("participants cannot access Draft wallets")
	}
	return w.Clone(), nil
}

func (s *Store) UserView(ctx context.Context, id uuid.UUID) (*domain.UserView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	u, ok := s.users[id]
	if !ok {
		return nil, domain.NotFound("user", id)
	}
	return s.viewOf(u), nil
}

func (s *Store) CreateWallet(ctx context.Context, editor uuid.UUID, in storage.CreateWalletInput) (*storage.WalletChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	ed, ok := s.users[editor]
	if !ok {
		return nil, domain.AccessDenied("unknown editor")
	}
	alias := strings.TrimSpace(in.Alias)
	if alias == "" {
		return nil, domain.Validation("wallet name must not be empty")
	}
	org, ok := s.orgs[in.OrgID]
	if !ok {
		return nil, domain.NotFound("org", in.OrgID)
	}
	owner, ok := s.users[in.OwnerID]
	if !ok {
		return nil, domain.NotFound("user", in.OwnerID)
	}
	if !ed.IsAdmin() {
		if ed.ID != owner.ID {
			return nil, domain.AccessDenied("only administrators can create wallets for other users")
		}
		if !org.HasMember(owner.ID) {
			return nil, domain.AccessDenied("you are not a member of this org")
		}
	}

	now := s.now().Unix()
	w := domain.NewWallet(alias, org.ID, owner)
	w.LastEdited = &now
	w.LastEditor = &ed.ID
	s.wallets[w.ID] = w

	org.Wallets = append(org.Wallets, w.ID)
	if !org.HasMember(owner.ID) {
		org.Users = append(org.Users, owner.ID)
	}
	org.Touch(ed.ID, now)

	return &storage.WalletChange{
		Wallet: w.Clone(),
		Org:    org.Clone(),
		Users:  []*domain.UserView{s.viewOf(owner)},
	}, nil
}

func (s *Store) EditWallet(ctx context.Context, editor uuid.UUID, in *domain.Wallet) (*storage.WalletChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	if in == nil {
		return nil, domain.Validation("wallet is required")
	}
	stored, ok := s.wallets[in.ID]
	if !ok {
		return nil, domain.NotFound("wallet", in.ID)
	}
	ed := s.users[editor]
	role, ok := domain.WalletRole(ed, stored)
	if !ok {
		return nil, domain.AccessDenied("you do not have access to this wallet")
	}
	if !domain.CanManage(role) {
		return nil, domain.AccessDenied("participants cannot edit wallets")
	}
	if stored.Status == domain.StatusFinalized {
		return nil, domain.InvalidStatus("wallet %s is Finalized", stored.ID)
	}
	if in.Version != 0 && in.Version != stored.Version {
		return nil, &domain.Error{
			Code:    domain.ErrCodeConflict,
			Message: fmt.Sprintf("wallet was modified: version %d, you sent %d", stored.Version, in.Version),
		}
	}

	alias := strings.TrimSpace(in.Alias)
	if alias == "" {
		return nil, domain.Validation("wallet alias must not be empty")
	}
	status := in.Status
	if status == "" {
		status = stored.Status
	}
	if !status.Valid() {
		return nil, domain.Validation("unknown wallet status %q", in.Status)
	}

	// A missing template means the client is not touching it.
	templateChanged := in.Template != nil && !stored.Template.SameStructure(in.Template)
	statusChanged := status != stored.Status

	if templateChanged {
		if stored.Status != domain.StatusDraft {
			return nil, domain.InvalidStatus("template can only change while the wallet is Draft, it is %s", stored.Status)
		}
		if statusChanged {
			return nil, domain.Validation("template cannot change in the same edit that validates it")
		}
		if err := in.Template.Validate(false); err != nil {
			return nil, err
		}
	}
	if statusChanged {
		if stored.Status != domain.StatusDraft || status != domain.StatusValidated {
			return nil, domain.InvalidStatus("cannot move wallet from %s to %s", stored.Status, status)
		}
		if role != domain.RoleOwner {
			return nil, domain.AccessDenied("only the wallet owner can validate it")
		}
		if err := stored.Template.Validate(true); err != nil {
			return nil, err
		}
	}
	if !templateChanged && !statusChanged && alias == stored.Alias {
		return &storage.WalletChange{Wallet: stored.Clone(), Unchanged: true}, nil
	}

	now := s.now().Unix()
	oldEmails := stored.Template.KeyEmails()

	if templateChanged {
		next := in.Template.Clone()
		next.StripXpubs()
		for id, k := range next.Keys {
			if old, ok := stored.Template.Keys[id]; ok && old.ID == k.ID && sameKey(old, k) {
				k.LastEdited, k.LastEditor = old.LastEdited, old.LastEditor
				continue
			}
			k.LastEdited = &now
			k.LastEditor = &ed.ID
		}
		stored.Template = next
	}
	stored.Alias = alias
	if statusChanged {
		stored.Status = domain.StatusValidated
		if len(stored.Owners) > 1 {
			stored.Status = domain.StatusShared
		}
	}
	stored.Touch(ed.ID, now)

	change := &storage.WalletChange{Wallet: stored.Clone()}
	for _, email := range symmetricDiff(oldEmails, stored.Template.KeyEmails()) {
		if id, ok := s.byEmail[email]; ok {
			change.Users = append(change.Users, s.viewOf(s.users[id]))
		}
	}
	return change, nil
}

func (s *Store) EditXpub(ctx context.Context, editor uuid.UUID, in storage.EditXpubInput) (*storage.WalletChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	w, ok := s.wallets[in.WalletID]
	if !ok {
		return nil, domain.NotFound("wallet", in.WalletID)
	}
	ed := s.users[editor]
	role, ok := domain.WalletRole(ed, w)
	if !ok {
		return nil, domain.AccessDenied("you do not have access to this wallet")
	}
	if w.Status == domain.StatusFinalized {
		return nil, domain.InvalidStatus("wallet %s is already Finalized", w.ID)
	}
	if !w.Status.AcceptsXpubs() {
		return nil, domain.InvalidStatus("xpubs can only be set on a validated wallet, it is %s", w.Status)
	}
	key, ok := w.Template.Keys[in.KeyID]
	if !ok {
		return nil, &domain.Error{
			Code:    domain.ErrCodeNotFound,
			Message: fmt.Sprintf("key %d not found in wallet %s", in.KeyID, w.ID),
		}
	}
	if !domain.CanManage(role) && domain.NormalizeEmail(key.Email) != ed.Email {
		return nil, domain.AccessDenied("you can only set xpubs for your own keys")
	}

	var xpub *domain.Xpub
	if in.Xpub != nil {
		x := *in.Xpub
		x.Value = strings.TrimSpace(x.Value)
		if err := domain.ValidateXpub(&x); err != nil {
			return nil, err
		}
		xpub = &x
	}

	now := s.now().Unix()
	key.Xpub = xpub
	key.LastEdited = &now
	key.LastEditor = &ed.ID
	w.Touch(ed.ID, now)

	change := &storage.WalletChange{}
	if w.Template.Complete() {
		w.Status = domain.StatusFinalized
		change.Finalized = true
	}
	change.Wallet = w.Clone()
	return change, nil
}

func (s *Store) RemoveWalletFromOrg(ctx context.Context, editor, orgID, walletID uuid.UUID) (*domain.Org, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	org, ok := s.orgs[orgID]
	if !ok {
		return nil, domain.NotFound("org", orgID)
	}
	w, ok := s.wallets[walletID]
	if !ok {
		return nil, domain.NotFound("wallet", walletID)
	}
	if !org.HasWallet(walletID) {
		return nil, &domain.Error{
			Code:    domain.ErrCodeNotFound,
			Message: fmt.Sprintf("wallet %s is not listed in org %s", walletID, orgID),
		}
	}
	role, ok := domain.WalletRole(s.users[editor], w)
	if !ok || !domain.CanManage(role) {
		return nil, domain.AccessDenied("only administrators and owners can remove wallets")
	}

	org.DetachWallet(walletID)
	org.Touch(editor, s.now().Unix())
	return org.Clone(), nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return storage.Stats{
		Orgs:    len(s.orgs),
		Wallets: len(s.wallets),
		Users:   len(s.users),
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// canSeeOrg: administrators see every org; others need membership or a
// role on one of its wallets.
func (s *Store) canSeeOrg(u *domain.User, org *domain.Org) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin() || org.HasMember(u.ID) {
		return true
	}
	for _, wid := range org.Wallets {
		if w, ok := s.wallets[wid]; ok && domain.CanView(u, w) {
			return true
		}
	}
	return false
}

func (s *Store) filteredOrg(u *domain.User, org *domain.Org) *domain.Org {
	c := org.Clone()
	c.Wallets = slices.DeleteFunc(c.Wallets, func(wid uuid.UUID) bool {
		w, ok := s.wallets[wid]
		return !ok || !domain.CanView(u, w)
	})
	return c
}

// viewOf builds the projection of u. Caller holds s.mu.
func (s *Store) viewOf(u *domain.User) *domain.UserView {
	v := &domain.UserView{
		ID:          u.ID,
		Name:        u.Name,
		Email:       u.Email,
		Role:        u.Role,
		Orgs:        []uuid.UUID{},
		WalletRoles: map[uuid.UUID]domain.Role{},
		Keys:        []domain.KeyRef{},
	}
	for _, id := range s.orgOrder {
		if s.canSeeOrg(u, s.orgs[id]) {
			v.Orgs = append(v.Orgs, id)
		}
	}
	ids := make([]uuid.UUID, 0, len(s.wallets))
	for id := range s.wallets {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	for _, id := range ids {
		w := s.wallets[id]
		if role, ok := domain.WalletRole(u, w); ok {
			v.WalletRoles[id] = role
		}
		for _, kid := range w.Template.KeysOwnedBy(u.Email) {
			v.Keys = append(v.Keys, domain.KeyRef{WalletID: id, KeyID: kid})
		}
	}
	return v
}

func sameKey(a, b *domain.Key) bool {
	return a.Alias == b.Alias &&
		a.Description == b.Description &&
		domain.NormalizeEmail(a.Email) == domain.NormalizeEmail(b.Email) &&
		a.KeyType == b.KeyType
}

// symmetricDiff returns the sorted values present in exactly one of a, b.
func symmetricDiff(a, b []string) []string {
	var out []string
	for _, x := range a {
		if !slices.Contains(b, x) {
			out = append(out, x)
		}
	}
	for _, x := range b {
		if !slices.Contains(a, x) {
			out = append(out, x)
		}
	}
	slices.Sort(out)
	return out
}
