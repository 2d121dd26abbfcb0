// Package mlscore is the core's boundary with the MLS protocol.
//
// SPEC_FULL.md §1 treats the MLS cryptographic primitives (HPKE, tree KEM,
// ratcheting, the Welcome/Commit wire encoding) as an external collaborator:
// this package names the operations the rest of the core invokes through
// the Provider interface, and ships one concrete, in-process implementation
// (MemoryProvider) so the group manager and call orchestrator have a real
// MLS-shaped state machine to drive in tests — epochs advance, leaves go
// blank on remove, and exporter secrets are derived per epoch — without
// re-specifying MLS's wire format or tree-KEM math.
//
// Epoch secrets are derived the way the teacher derives session material:
// an HKDF chain (golang.org/x/crypto/hkdf) seeded from the group's creation
// entropy and rechained forward through every merged commit, mirroring the
// ECDH-then-HKDF shape of crypto.DeriveSharedSecret / crypto.SessionKeys.
package mlscore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// GroupID is the opaque MLS group identifier (spec.md §3: "opaque bytes
// used internally").
type GroupID [16]byte

func (g GroupID) String() string { return fmt.Sprintf("%x", g[:]) }

// KeyPackageEvent is the external key-package wire event this core consumes
// when adding a member. Its serialization format is the MLS library's
// concern; only Pubkey and Raw are read by this package.
type KeyPackageEvent struct {
	EventID string
	Pubkey  string
	Raw     []byte
}

// GroupConfig is the caller-supplied configuration for create_group.
type GroupConfig struct {
	Name        string
	Description string
	Admins      []string
	RelaySet    []string
}

// GroupDataExtension is the NostrGroupData extension: the single source of
// truth for group metadata and the admin set. Every admin/epoch decision in
// the rest of the core reads this, never a denormalized cache.
type GroupDataExtension struct {
	Name         string
	Description  string
	Admins       map[string]bool
	NostrGroupID [32]byte
	ImageHash    []byte
	ImageKey     []byte
	ImageNonce   []byte
	RelaySet     []string
	Epoch        uint64
}

// cloneAdmins returns a copy of the admin set, so a caller's changes never
// reach the group's own map.
func (d GroupDataExtension) cloneAdmins() map[string]bool {
	out := make(map[string]bool, len(d.Admins))
	for k, v := range d.Admins {
		out[k] = v
	}
	return out
}

// WelcomeRumor is the unsigned, to-be-wrapped Welcome event produced for one
// newly added member.
type WelcomeRumor struct {
	RecipientPub string
	WelcomeBytes []byte
}

// PendingWelcome is materialized from an inbound GiftWrap but not yet
// accepted into an active group.
type PendingWelcome struct {
	WrapperEventID string
	Sender         string
	NostrGroupID   [32]byte
	GroupName      string
}

// LeaveProposal is a staged-but-uncommitted leave; a remaining member must
// commit it for it to take effect.
type LeaveProposal struct {
	GroupID GroupID
	Pubkey  string
	Raw     []byte
}

// GroupDataUpdate is a partial update to GroupDataExtension. Nil fields are
// left unchanged; ImageHash is a tri-state via ImageHashSet.
type GroupDataUpdate struct {
	Name        *string
	Description *string
	Admins      []string // nil = unchanged
	ImageHash   []byte
	ImageHashSet bool // true means "apply ImageHash (possibly nil to clear)"
	ImageKey    []byte
	ImageNonce  []byte
}

// ProcessResult reports what an inbound application message turned out to
// be: either a merged commit (membership/metadata change, no plaintext) or
// an application plaintext.
type ProcessResult struct {
	IsCommit  bool
	Plaintext []byte
}

// Provider is the set of MLS operations the group manager and call
// orchestrator invoke. See SPEC_FULL.md §4.1 / §4.2.
type Provider interface {
	CreateGroup(creatorPub string, members []KeyPackageEvent, cfg GroupConfig) (GroupID, []WelcomeRumor, error)
	ProcessWelcome(wrapperEventID, sender string, welcomeBytes []byte) (*PendingWelcome, error)
	AcceptWelcome(wrapperEventID string) (GroupID, error)

	ProposeAddMembers(id GroupID, actor string, members []KeyPackageEvent) ([]WelcomeRumor, error)
	ProposeRemoveMembers(id GroupID, actor string, pubkeys []string) error
	ProposeSelfUpdate(id GroupID, actor string) error
	ProposeUpdateGroupData(id GroupID, actor string, update GroupDataUpdate) error
	ProposeLeave(id GroupID, actor string) (LeaveProposal, error)
	MergePendingCommit(id GroupID) error

	ProcessMessage(id GroupID, wire []byte) (ProcessResult, error)
	EncryptApplicationMessage(id GroupID, plaintext []byte) ([]byte, error)

	ExporterSecret(id GroupID, epoch uint64) ([32]byte, error)
	CurrentEpoch(id GroupID) (uint64, error)
	GroupData(id GroupID) (GroupDataExtension, error)
	IsAdmin(id GroupID, pubkey string) (bool, error)
	Members(id GroupID) ([]string, error)
}

var (
	ErrGroupNotFound      = errors.New("mlscore: group not found")
	ErrWelcomeNotFound    = errors.New("mlscore: pending welcome not found")
	ErrNotAdmin           = errors.New("mlscore: actor is not an admin")
	ErrNotMember          = errors.New("mlscore: actor is not a member")
	ErrDuplicateMember    = errors.New("mlscore: member already present with this key package")
	ErrEmptyAdminSet      = errors.New("mlscore: admin set cannot be empty")
	ErrNonMemberAdmin     = errors.New("mlscore: admin set contains a non-member")
	ErrNoPendingCommit    = errors.New("mlscore: no pending commit to merge")
	ErrCreatorIsMember    = errors.New("mlscore: creator must not be in the member list")
	ErrAdminNotMember     = errors.New("mlscore: admin is not in the member list")
)

type leaf struct {
	pubkey  string
	blank   bool
	keyHash [32]byte
}

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingAdd
	pendingRemove
	pendingSelfUpdate
	pendingGroupData
)

type pendingCommit struct {
	kind          pendingKind
	leaves        []leaf
	data          GroupDataExtension
	welcomeRumors []WelcomeRumor
}

type group struct {
	mu            sync.Mutex
	id            GroupID
	leaves        []leaf
	data          GroupDataExtension
	epoch         uint64
	chainSecret   [32]byte
	exporterCache map[uint64][32]byte
	pending       *pendingCommit
}

// MemoryProvider is an in-process MLS Provider. It is not cross-process
// compatible and does not implement real tree-KEM; it exists to give the
// group manager and call orchestrator a faithful epoch/admin/leaf state
// machine to operate against.
type MemoryProvider struct {
	mu              sync.Mutex
	groups          map[GroupID]*group
	pendingWelcomes map[string]*welcomeRecord
}

type welcomeRecord struct {
	wrapperEventID string
	sender         string
	groupID        GroupID
	initialLeaves  []leaf
	initialData    GroupDataExtension
	initialSecret  [32]byte
}

// NewMemoryProvider constructs an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		groups:          make(map[GroupID]*group),
		pendingWelcomes: make(map[string]*welcomeRecord),
	}
}

func newGroupID() GroupID {
	var id GroupID
	_, _ = rand.Read(id[:])
	return id
}

func keyPackageHash(kp KeyPackageEvent) [32]byte {
	return sha256.Sum256(append([]byte(kp.Pubkey+"|"), kp.Raw...))
}

func sortedMembers(leaves []leaf) []string {
	out := make([]string, 0, len(leaves))
	for _, l := range leaves {
		if !l.blank {
			out = append(out, l.pubkey)
		}
	}
	sort.Strings(out)
	return out
}

func leafIndexOf(leaves []leaf, pubkey string) int {
	for i, l := range leaves {
		if !l.blank && l.pubkey == pubkey {
			return i
		}
	}
	return -1
}

func firstBlankOrAppend(leaves []leaf, l leaf) []leaf {
	for i := range leaves {
		if leaves[i].blank {
			leaves[i] = l
			return leaves
		}
	}
	return append(leaves, l)
}

// deriveChainSecret advances the per-epoch HKDF chain. info binds the
// derived secret to the exact membership/metadata fingerprint of the new
// epoch so two different commits never collide on the same derived value.
func deriveChainSecret(prev [32]byte, info []byte) [32]byte {
	r := hkdf.New(sha256.New, prev[:], nil, info)
	var out [32]byte
	_, _ = io.ReadFull(r, out[:])
	return out
}

func fingerprint(leaves []leaf, data GroupDataExtension, epoch uint64) []byte {
	h := sha256.New()
	for _, m := range sortedMembers(leaves) {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	admins := make([]string, 0, len(data.Admins))
	for a := range data.Admins {
		admins = append(admins, a)
	}
	sort.Strings(admins)
	for _, a := range admins {
		h.Write([]byte(a))
		h.Write([]byte{1})
	}
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], epoch)
	h.Write(epochBuf[:])
	return h.Sum(nil)
}

// CreateGroup implements Provider.CreateGroup.
func (p *MemoryProvider) CreateGroup(creatorPub string, members []KeyPackageEvent, cfg GroupConfig) (GroupID, []WelcomeRumor, error) {
	for _, m := range members {
		if m.Pubkey == creatorPub {
			return GroupID{}, nil, ErrCreatorIsMember
		}
	}
	adminSet := map[string]bool{}
	for _, a := range cfg.Admins {
		adminSet[a] = true
	}
	adminSet[creatorPub] = true
	memberSet := map[string]bool{creatorPub: true}
	for _, m := range members {
		memberSet[m.Pubkey] = true
	}
	for a := range adminSet {
		if a == creatorPub {
			continue
		}
		if !memberSet[a] {
			return GroupID{}, nil, ErrAdminNotMember
		}
	}

	id := newGroupID()
	var nostrGroupID [32]byte
	_, _ = rand.Read(nostrGroupID[:])

	leaves := []leaf{{pubkey: creatorPub, keyHash: sha256.Sum256([]byte(creatorPub))}}
	var welcomes []WelcomeRumor
	for _, m := range members {
		leaves = append(leaves, leaf{pubkey: m.Pubkey, keyHash: keyPackageHash(m)})
		welcomes = append(welcomes, WelcomeRumor{
			RecipientPub: m.Pubkey,
			WelcomeBytes: mustJSON(welcomePayload{
				GroupID:      id,
				NostrGroupID: nostrGroupID,
				GroupName:    cfg.Name,
				Sender:       creatorPub,
			}),
		})
	}

	data := GroupDataExtension{
		Name:         cfg.Name,
		Description:  cfg.Description,
		Admins:       adminSet,
		NostrGroupID: nostrGroupID,
		RelaySet:     append([]string(nil), cfg.RelaySet...),
		Epoch:        0,
	}

	var seed [32]byte
	_, _ = rand.Read(seed[:])
	chain := deriveChainSecret(seed, fingerprint(leaves, data, 0))

	g := &group{
		id:            id,
		leaves:        leaves,
		data:          data,
		epoch:         0,
		chainSecret:   chain,
		exporterCache: map[uint64][32]byte{0: chain},
	}

	p.mu.Lock()
	p.groups[id] = g
	p.mu.Unlock()

	return id, welcomes, nil
}

type welcomePayload struct {
	GroupID      GroupID
	NostrGroupID [32]byte
	GroupName    string
	Sender       string
}

func mustJSON(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}

// ProcessWelcome materializes a PendingWelcome from a GiftWrap-carried
// Welcome payload, but does not join the group yet.
func (p *MemoryProvider) ProcessWelcome(wrapperEventID, sender string, welcomeBytes []byte) (*PendingWelcome, error) {
	var payload welcomePayload
	if err := json.Unmarshal(welcomeBytes, &payload); err != nil {
		return nil, fmt.Errorf("mlscore: parse welcome: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[payload.GroupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	g.mu.Lock()
	rec := &welcomeRecord{
		wrapperEventID: wrapperEventID,
		sender:         sender,
		groupID:        payload.GroupID,
		initialLeaves:  append([]leaf(nil), g.leaves...),
		initialData:    g.data,
		initialSecret:  g.chainSecret,
	}
	g.mu.Unlock()

	p.pendingWelcomes[wrapperEventID] = rec
	return &PendingWelcome{
		WrapperEventID: wrapperEventID,
		Sender:         sender,
		NostrGroupID:   payload.NostrGroupID,
		GroupName:      payload.GroupName,
	}, nil
}

// AcceptWelcome joins the group referenced by a previously processed
// Welcome, removing it from the pending set.
func (p *MemoryProvider) AcceptWelcome(wrapperEventID string) (GroupID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.pendingWelcomes[wrapperEventID]
	if !ok {
		return GroupID{}, ErrWelcomeNotFound
	}
	delete(p.pendingWelcomes, wrapperEventID)
	return rec.groupID, nil
}

func (p *MemoryProvider) getGroup(id GroupID) (*group, error) {
	p.mu.Lock()
	g, ok := p.groups[id]
	p.mu.Unlock()
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

// ProposeAddMembers stages an add-members commit without merging it.
func (p *MemoryProvider) ProposeAddMembers(id GroupID, actor string, members []KeyPackageEvent) ([]WelcomeRumor, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.data.Admins[actor] {
		return nil, ErrNotAdmin
	}

	newLeaves := append([]leaf(nil), g.leaves...)
	var welcomes []WelcomeRumor
	for _, m := range members {
		hash := keyPackageHash(m)
		if idx := leafIndexOf(newLeaves, m.Pubkey); idx >= 0 && newLeaves[idx].keyHash == hash {
			return nil, ErrDuplicateMember
		}
		newLeaves = firstBlankOrAppend(newLeaves, leaf{pubkey: m.Pubkey, keyHash: hash})
		welcomes = append(welcomes, WelcomeRumor{
			RecipientPub: m.Pubkey,
			WelcomeBytes: mustJSON(welcomePayload{
				GroupID:      id,
				NostrGroupID: g.data.NostrGroupID,
				GroupName:    g.data.Name,
				Sender:       actor,
			}),
		})
	}

	g.pending = &pendingCommit{kind: pendingAdd, leaves: newLeaves, data: g.data, welcomeRumors: welcomes}
	return welcomes, nil
}

// ProposeRemoveMembers stages a remove-members commit. Removal is by
// translating each pubkey to its *current* leaf index, never by
// enumeration order, so prior holes in the tree never shift other members.
func (p *MemoryProvider) ProposeRemoveMembers(id GroupID, actor string, pubkeys []string) error {
	g, err := p.getGroup(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.data.Admins[actor] {
		return ErrNotAdmin
	}

	newLeaves := append([]leaf(nil), g.leaves...)
	for _, pk := range pubkeys {
		idx := leafIndexOf(newLeaves, pk)
		if idx < 0 {
			return ErrNotMember
		}
		newLeaves[idx] = leaf{blank: true}
	}

	newData := g.data
	newData.Admins = g.data.cloneAdmins()
	for _, pk := range pubkeys {
		delete(newData.Admins, pk)
	}

	g.pending = &pendingCommit{kind: pendingRemove, leaves: newLeaves, data: newData}
	return nil
}

// ProposeSelfUpdate stages a leaf self-update (key rotation, identity
// preserved).
func (p *MemoryProvider) ProposeSelfUpdate(id GroupID, actor string) error {
	g, err := p.getGroup(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := leafIndexOf(g.leaves, actor)
	if idx < 0 {
		return ErrNotMember
	}
	newLeaves := append([]leaf(nil), g.leaves...)
	newLeaves[idx].keyHash = sha256.Sum256(append(newLeaves[idx].keyHash[:], byte(g.epoch)))

	g.pending = &pendingCommit{kind: pendingSelfUpdate, leaves: newLeaves, data: g.data}
	return nil
}

// ProposeUpdateGroupData stages a NostrGroupData extension update.
func (p *MemoryProvider) ProposeUpdateGroupData(id GroupID, actor string, update GroupDataUpdate) error {
	g, err := p.getGroup(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.data.Admins[actor] {
		return ErrNotAdmin
	}

	newData := g.data
	if update.Name != nil {
		newData.Name = *update.Name
	}
	if update.Description != nil {
		newData.Description = *update.Description
	}
	if update.Admins != nil {
		if len(update.Admins) == 0 {
			return ErrEmptyAdminSet
		}
		memberSet := map[string]bool{}
		for _, l := range g.leaves {
			if !l.blank {
				memberSet[l.pubkey] = true
			}
		}
		newAdmins := map[string]bool{}
		for _, a := range update.Admins {
			if !memberSet[a] {
				return ErrNonMemberAdmin
			}
			newAdmins[a] = true
		}
		newData.Admins = newAdmins
	}
	if update.ImageHashSet {
		if update.ImageHash == nil {
			newData.ImageHash, newData.ImageKey, newData.ImageNonce = nil, nil, nil
		} else {
			newData.ImageHash = update.ImageHash
			newData.ImageKey = update.ImageKey
			newData.ImageNonce = update.ImageNonce
		}
	}

	g.pending = &pendingCommit{kind: pendingGroupData, leaves: g.leaves, data: newData}
	return nil
}

// ProposeLeave stages a leave *proposal*, not a commit: some remaining
// member must later commit it via ProposeRemoveMembers+MergePendingCommit.
func (p *MemoryProvider) ProposeLeave(id GroupID, actor string) (LeaveProposal, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return LeaveProposal{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if leafIndexOf(g.leaves, actor) < 0 {
		return LeaveProposal{}, ErrNotMember
	}
	return LeaveProposal{GroupID: id, Pubkey: actor, Raw: mustJSON(struct {
		GroupID GroupID
		Pubkey  string
	}{id, actor})}, nil
}

// MergePendingCommit applies the last staged commit, advances the epoch,
// and derives the new epoch's exporter secret.
func (p *MemoryProvider) MergePendingCommit(id GroupID) error {
	g, err := p.getGroup(id)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return ErrNoPendingCommit
	}

	g.leaves = g.pending.leaves
	g.data = g.pending.data
	g.epoch++
	g.data.Epoch = g.epoch
	g.chainSecret = deriveChainSecret(g.chainSecret, fingerprint(g.leaves, g.data, g.epoch))
	g.exporterCache[g.epoch] = g.chainSecret
	g.pending = nil
	return nil
}

// ProcessMessage processes an inbound wire message: either a merged commit
// (no plaintext result) or ciphertext for an application message.
func (p *MemoryProvider) ProcessMessage(id GroupID, wire []byte) (ProcessResult, error) {
	var env struct {
		Kind  string
		Nonce []byte
		CT    []byte
	}
	if err := json.Unmarshal(wire, &env); err != nil {
		return ProcessResult{}, fmt.Errorf("mlscore: malformed message: %w", err)
	}
	if env.Kind == "application" {
		pt, err := p.decryptWithKey(id, env.Nonce, env.CT)
		if err != nil {
			return ProcessResult{}, err
		}
		return ProcessResult{Plaintext: pt}, nil
	}
	return ProcessResult{IsCommit: true}, nil
}

// EncryptApplicationMessage encrypts plaintext with xorStream under the
// group's current epoch secret; the result carries no authentication tag (standing in for NIP-44-over-exporter
// per SPEC_FULL.md §6).
func (p *MemoryProvider) EncryptApplicationMessage(id GroupID, plaintext []byte) ([]byte, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	key := g.chainSecret
	g.mu.Unlock()

	nonce := make([]byte, 12)
	_, _ = rand.Read(nonce)
	ct := xorStream(key, nonce, plaintext)
	return json.Marshal(struct {
		Kind  string
		Nonce []byte
		CT    []byte
	}{"application", nonce, ct})
}

func (p *MemoryProvider) decryptWithKey(id GroupID, nonce, ct []byte) ([]byte, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	key := g.chainSecret
	g.mu.Unlock()
	return xorStream(key, nonce, ct), nil
}

// xorStream is a placeholder symmetric cipher standing in for the real
// NIP-44 AEAD (an external collaborator per SPEC_FULL.md §4.4): a
// keystream derived via HKDF(key, nonce) XORed over the payload. It is
// deterministic and reversible, which is all the Provider boundary needs
// for group-message round-tripping in this core.
func xorStream(key [32]byte, nonce, data []byte) []byte {
	r := hkdf.New(sha256.New, key[:], nonce, []byte("pika.mlscore.stream.v1"))
	stream := make([]byte, len(data))
	_, _ = io.ReadFull(r, stream)
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ stream[i]
	}
	return out
}

// ExporterSecret returns the cached secret for (id, epoch). Every epoch's
// secret is cached when the group is created or a commit is merged; an
// epoch the group never reached returns an error.
func (p *MemoryProvider) ExporterSecret(id GroupID, epoch uint64) ([32]byte, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return [32]byte{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.exporterCache[epoch]; ok {
		return s, nil
	}
	return [32]byte{}, fmt.Errorf("mlscore: exporter secret for epoch %d not available", epoch)
}

// CurrentEpoch returns the group's current epoch.
func (p *MemoryProvider) CurrentEpoch(id GroupID) (uint64, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch, nil
}

// GroupData returns a copy of the current NostrGroupData extension: the
// one place authorization and projection reads must go through.
func (p *MemoryProvider) GroupData(id GroupID) (GroupDataExtension, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return GroupDataExtension{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.data
	d.Admins = d.cloneAdmins()
	return d, nil
}

// IsAdmin reads admin status from the live MLS extension — never from any
// denormalized cache (spec.md §3 invariant).
func (p *MemoryProvider) IsAdmin(id GroupID, pubkey string) (bool, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.data.Admins[pubkey], nil
}

// Members returns the current non-blank leaf pubkeys.
func (p *MemoryProvider) Members(id GroupID) ([]string, error) {
	g, err := p.getGroup(id)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return sortedMembers(g.leaves), nil
}
