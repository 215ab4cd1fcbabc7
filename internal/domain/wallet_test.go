package domain

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWalletRole(t *testing.T) {
	admin := NewUser("WS Manager", "ws@example.com", RoleAdministrator)
	owner := NewUser("Owner", "owner@example.com", RoleParticipant)
	keyholder := NewUser("User", "user@example.com", RoleParticipant)
	stranger := NewUser("Eve", "eve@example.com", RoleParticipant)

	w := NewWallet("Treasury", uuid.New(), owner)
	w.Template = twoKeyTemplate()

	tests := []struct {
		name   string
		user   *User
		want   Role
		access bool
	}{
		{"administrator", admin, RoleAdministrator, true},
		{"owner", owner, RoleOwner, true},
		{"key holder", keyholder, RoleParticipant, true},
		{"stranger", stranger, "", false},
		{"nil user", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, ok := WalletRole(tt.user, w)
			assert.Equal(t, tt.access, ok)
			assert.Equal(t, tt.want, role)
		})
	}
}

func TestCanView_ParticipantsSkipDrafts(t *testing.T) {
	owner := NewUser("Owner", "owner@example.com", RoleParticipant)
	keyholder := NewUser("User", "user@example.com", RoleParticipant)

	w := NewWallet("Treasury", uuid.New(), owner)
	w.Template = twoKeyTemplate()

	assert.True(t, CanView(owner, w))
	assert.False(t, CanView(keyholder, w))

	w.Status = StatusValidated
	assert.True(t, CanView(keyholder, w))
}

func TestWallet_CloneAndTouch(t *testing.T) {
	owner := NewUser("Owner", "owner@example.com", RoleParticipant)
	w := NewWallet("Treasury", uuid.New(), owner)
	assert.Equal(t, StatusDraft, w.Status)
	assert.Equal(t, uint64(1), w.Version)

	c := w.Clone()
	c.Owners[0] = uuid.New()
	c.Template.Keys[3] = &Key{ID: 3}
	assert.Equal(t, owner.ID, w.Owners[0])
	assert.Empty(t, w.Template.Keys)

	editor := uuid.New()
	w.Touch(editor, 1700000000)
	assert.Equal(t, uint64(2), w.Version)
	assert.Equal(t, editor, *w.LastEditor)
	assert.Equal(t, int64(1700000000), *w.LastEdited)
	assert.Nil(t, c.LastEditor)
}

func TestWalletStatus(t *testing.T) {
	assert.True(t, StatusValidated.AcceptsXpubs())
	assert.True(t, StatusShared.AcceptsXpubs())
	assert.False(t, StatusDraft.AcceptsXpubs())
	assert.False(t, StatusFinalized.AcceptsXpubs())
	assert.False(t, WalletStatus("Locked").Valid())
}

func TestError_Is(t *testing.T) {
	err := InvalidStatus("wallet is %s", StatusFinalized)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "INVALID_STATUS: wallet is Finalized", err.Error())

	wrapped := errors.Join(errors.New("context"), NotFound("wallet", uuid.Nil))
	derr, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, ErrCodeNotFound, derr.Code)
}

func TestOrg_DetachWallet(t *testing.T) {
	org := NewOrg("Acme Corp")
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	org.Wallets = []uuid.UUID{a, b, c}

	assert.True(t, org.DetachWallet(b))
	assert.Equal(t, []uuid.UUID{a, c}, org.Wallets)
	assert.False(t, org.DetachWallet(b))

	clone := org.Clone()
	clone.Wallets[0] = uuid.New()
	assert.Equal(t, a, org.Wallets[0])
}
