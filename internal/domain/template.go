package domain

import (
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// KeyID identifies a key within one policy template.
type KeyID int

// MaxKeyID is the largest key id a template may use.
const MaxKeyID KeyID = 255

// KeyType classifies who holds a key.
type KeyType string

const (
	KeyTypeInternal  KeyType = "Internal"
	KeyTypeExternal  KeyType = "External"
	KeyTypeCosigner  KeyType = "Cosigner"
	KeyTypeSafetyNet KeyType = "SafetyNet"
)

// Valid reports whether t is a known key type.
func (t KeyType) Valid() bool {
	switch t {
	case KeyTypeInternal, KeyTypeExternal, KeyTypeCosigner, KeyTypeSafetyNet:
		return true
	}
	return false
}

// XpubSource records how an xpub reached the server.
type XpubSource string

const (
	XpubSourceDevice XpubSource = "device"
	XpubSourceFile   XpubSource = "file"
	XpubSourcePasted XpubSource = "pasted"
)

// Valid reports whether s is a known source.
func (s XpubSource) Valid() bool {
	switch s {
	case XpubSourceDevice, XpubSourceFile, XpubSourcePasted:
		return true
	}
	return false
}

// Xpub is an extended public key together with its provenance.
type Xpub struct {
	Value             string     `json:"value"`
	Source            XpubSource `json:"source"`
	DeviceKind        string     `json:"device_kind,omitempty"`
	DeviceFingerprint string     `json:"device_fingerprint,omitempty"`
	DeviceVersion     string     `json:"device_version,omitempty"`
	FileName          string     `json:"file_name,omitempty"`
}

// xpubPattern accepts an optional [fingerprint/origin] prefix, a base58
// extended key and an optional derivation suffix including multipath steps.
var xpubPattern = regexp.MustCompile(
	`^(\[[0-9a-fA-F]{8}(/[0-9]+['hH]?)*\])?` +
		`[xtyzuvYZUV]pub[1-9A-HJ-NP-Za-km-z]{100,112}` +
		`(/([0-9]+['hH]?|\*|<[0-9]+(;[0-9]+)+>))*$`)

// ValidateXpub checks the shape of an xpub and its source metadata.
func ValidateXpub(x *Xpub) error {
	if !xpubPattern.MatchString(strings.TrimSpace(x.Value)) {
		return &Error{Code: ErrCodeInvalidXpub, Message: "value is not an extended public key"}
	}
	if !x.Source.Valid() {
		return Validation("unknown xpub source %q", x.Source)
	}
	if x.Source == XpubSourceDevice && x.DeviceKind == "" {
		return Validation("device_kind is required for device xpubs")
	}
	if x.Source == XpubSourceFile && x.FileName == "" {
		return Validation("file_name is required for file xpubs")
	}
	return nil
}

// Key is one participant key of a policy.
type Key struct {
	ID          KeyID      `json:"id"`
	Alias       string     `json:"alias"`
	Description string     `json:"description"`
	Email       string     `json:"email"`
	KeyType     KeyType    `json:"key_type"`
	Xpub        *Xpub      `json:"xpub,omitempty"`
	LastEdited  *int64     `json:"last_edited,omitempty"`
	LastEditor  *uuid.UUID `json:"last_editor,omitempty"`
}

func (k *Key) clone() *Key {
	c := *k
	if k.Xpub != nil {
		x := *k.Xpub
		c.Xpub = &x
	}
	c.LastEdited = cloneInt64(k.LastEdited)
	c.LastEditor = cloneUUID(k.LastEditor)
	return &c
}

// sameMetadata compares the user-editable fields of two keys.
func (k *Key) sameMetadata(o *Key) bool {
	if k == nil || o == nil {
		return k == o
	}
	return k.ID == o.ID &&
		k.Alias == o.Alias &&
		k.Description == o.Description &&
		NormalizeEmail(k.Email) == NormalizeEmail(o.Email) &&
		k.KeyType == o.KeyType
}

// SpendingPath is a threshold over a set of keys.
type SpendingPath struct {
	IsPrimary  bool    `json:"is_primary"`
	ThresholdN int     `json:"threshold_n"`
	KeyIDs     []KeyID `json:"key_ids"`
}

func (p SpendingPath) equal(o SpendingPath) bool {
	return p.IsPrimary == o.IsPrimary && p.ThresholdN == o.ThresholdN && slices.Equal(p.KeyIDs, o.KeyIDs)
}

// empty reports whether the path has not been filled in yet.
func (p SpendingPath) empty() bool {
	return p.ThresholdN == 0 && len(p.KeyIDs) == 0
}

// Timelock is a relative lock in blocks.
type Timelock struct {
	Blocks uint64 `json:"blocks"`
}

// SecondaryPath is a recovery path that becomes spendable after Timelock.
type SecondaryPath struct {
	Path     SpendingPath `json:"path"`
	Timelock Timelock     `json:"timelock"`
}

// PolicyTemplate describes the keys and spending paths of a wallet.
type PolicyTemplate struct {
	Keys           map[KeyID]*Key  `json:"keys"`
	PrimaryPath    SpendingPath    `json:"primary_path"`
	SecondaryPaths []SecondaryPath `json:"secondary_paths"`
}

// NewPolicyTemplate returns an empty template.
func NewPolicyTemplate() *PolicyTemplate {
	return &PolicyTemplate{
		Keys:           map[KeyID]*Key{},
		PrimaryPath:    SpendingPath{IsPrimary: true, KeyIDs: []KeyID{}},
		SecondaryPaths: []SecondaryPath{},
	}
}

// Clone returns a deep copy.
func (t *PolicyTemplate) Clone() *PolicyTemplate {
	if t == nil {
		return nil
	}
	c := &PolicyTemplate{
		Keys:           make(map[KeyID]*Key, len(t.Keys)),
		PrimaryPath:    t.PrimaryPath,
		SecondaryPaths: make([]SecondaryPath, len(t.SecondaryPaths)),
	}
	for id, k := range t.Keys {
		c.Keys[id] = k.clone()
	}
	c.PrimaryPath.KeyIDs = slices.Clone(t.PrimaryPath.KeyIDs)
	for i, sp := range t.SecondaryPaths {
		sp.Path.KeyIDs = slices.Clone(sp.Path.KeyIDs)
		c.SecondaryPaths[i] = sp
	}
	return c
}

// SameStructure reports whether two templates have the same keys and paths.
// Xpubs and edit stamps are ignored; they are not part of the structure.
func (t *PolicyTemplate) SameStructure(o *PolicyTemplate) bool {
	if t == nil || o == nil {
		return t == o
	}
	if len(t.Keys) != len(o.Keys) {
		return false
	}
	for id, k := range t.Keys {
		ok, found := o.Keys[id]
		if !found || !k.sameMetadata(ok) {
			return false
		}
	}
	if !t.PrimaryPath.equal(o.PrimaryPath) {
		return false
	}
	return slices.EqualFunc(t.SecondaryPaths, o.SecondaryPaths, func(a, b SecondaryPath) bool {
		return a.Timelock == b.Timelock && a.Path.equal(b.Path)
	})
}

// Validate checks internal consistency. With complete set, every path must
// be filled in and at least one key must exist; otherwise empty paths are
// allowed so a Draft can be built up incrementally.
func (t *PolicyTemplate) Validate(complete bool) error {
	if t == nil {
		if complete {
			return Validation("wallet has no policy template")
		}
		return nil
	}
	for id, k := range t.Keys {
		if k == nil {
			return Validation("key %d is empty", id)
		}
		if k.ID != id {
			return Validation("key %d is stored under id %d", k.ID, id)
		}
		if id < 0 || id > MaxKeyID {
			return Validation("key id %d out of range", id)
		}
		if strings.TrimSpace(k.Alias) == "" {
			return Validation("key %d has no alias", id)
		}
		if !k.KeyType.Valid() {
			return Validation("key %d has unknown key type %q", id, k.KeyType)
		}
	}
	if complete && len(t.Keys) == 0 {
		return Validation("policy template has no keys")
	}
	if !t.PrimaryPath.IsPrimary {
		return Validation("primary path must be marked primary")
	}
	if err := t.validatePath("primary path", t.PrimaryPath, complete); err != nil {
		return err
	}
	for i, sp := range t.SecondaryPaths {
		if sp.Path.IsPrimary {
			return Validation("secondary path %d is marked primary", i)
		}
		if err := t.validatePath("secondary path", sp.Path, true); err != nil {
			return err
		}
		if sp.Timelock.Blocks == 0 {
			return Validation("secondary path %d has no timelock", i)
		}
	}
	return nil
}

func (t *PolicyTemplate) validatePath(name string, p SpendingPath, complete bool) error {
	if !complete && p.empty() {
		return nil
	}
	if p.ThresholdN <= 0 {
		return Validation("%s threshold must be greater than zero", name)
	}
	if p.ThresholdN > len(p.KeyIDs) {
		return Validation("%s threshold %d exceeds its %d keys", name, p.ThresholdN, len(p.KeyIDs))
	}
	seen := make(map[KeyID]bool, len(p.KeyIDs))
	for _, id := range p.KeyIDs {
		if _, ok := t.Keys[id]; !ok {
			return Validation("%s references unknown key %d", name, id)
		}
		if seen[id] {
			return Validation("%s lists key %d twice", name, id)
		}
		seen[id] = true
	}
	return nil
}

// StripXpubs clears every xpub. Xpubs only enter through edit_xpub.
func (t *PolicyTemplate) StripXpubs() {
	if t == nil {
		return
	}
	for _, k := range t.Keys {
		k.Xpub = nil
	}
}

// Complete reports whether every key carries an xpub.
func (t *PolicyTemplate) Complete() bool {
	if t == nil || len(t.Keys) == 0 {
		return false
	}
	for _, k := range t.Keys {
		if k.Xpub == nil {
			return false
		}
	}
	return true
}

// KeyEmails returns the normalized emails that own keys, sorted.
func (t *PolicyTemplate) KeyEmails() []string {
	if t == nil {
		return nil
	}
	set := map[string]bool{}
	for _, k := range t.Keys {
		if e := NormalizeEmail(k.Email); e != "" {
			set[e] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// KeysOwnedBy returns the ids of keys whose email matches, sorted.
func (t *PolicyTemplate) KeysOwnedBy(email string) []KeyID {
	if t == nil {
		return nil
	}
	email = NormalizeEmail(email)
	var ids []KeyID
	for id, k := range t.Keys {
		if email != "" && NormalizeEmail(k.Email) == email {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}
