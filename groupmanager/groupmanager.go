// Package groupmanager is the operations layer the daemon calls into to
// change group membership and metadata: it wraps an mlscore.Provider with
// persistence (store.Store) and the propose-then-merge two-step every
// mutating operation except LeaveGroup (a bare proposal) follows, per
// SPEC_FULL.md §4.1. The shape — a thin manager type holding a provider
// reference plus a persisted cache synced after state changes — is
// grounded on the teacher's messaging.Manager
// (messaging/messaging.go), generalized from "friend/message lifecycle"
// to "group membership/metadata lifecycle".
package groupmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pika-msg/pika-core/mlscore"
	"github.com/pika-msg/pika-core/store"
)

// ErrPendingWelcomeNotFound is returned when accepting a welcome whose
// wrapper event id is unknown to the store.
var ErrPendingWelcomeNotFound = errors.New("groupmanager: pending welcome not found")

// Manager wraps one mlscore.Provider with the persistent store backing it.
type Manager struct {
	provider mlscore.Provider
	st       *store.Store
	log      *logrus.Entry
}

// New constructs a Manager over provider, persisting denormalized state to
// st.
func New(provider mlscore.Provider, st *store.Store) *Manager {
	return &Manager{provider: provider, st: st, log: logrus.WithField("component", "groupmanager")}
}

// syncCache re-reads live GroupDataExtension from the provider and writes
// it to the store's denormalized cache. Authorization decisions never read
// this cache — only the provider itself — per SPEC_FULL.md §4.1's
// "NostrGroupData is the sole source of truth" invariant.
func (m *Manager) syncCache(ctx context.Context, id mlscore.GroupID) error {
	data, err := m.provider.GroupData(id)
	if err != nil {
		return fmt.Errorf("groupmanager: read group data for cache sync: %w", err)
	}
	rec := store.GroupRecord{
		GroupID:      id,
		NostrGroupID: data.NostrGroupID,
		Name:         data.Name,
		Description:  data.Description,
		Epoch:        data.Epoch,
		RelaySet:     data.RelaySet,
	}
	if err := m.st.UpsertGroup(ctx, rec); err != nil {
		return fmt.Errorf("groupmanager: sync cache: %w", err)
	}
	return nil
}

// CreateGroup creates a new MLS group and persists its initial cache row.
func (m *Manager) CreateGroup(ctx context.Context, creatorPub string, members []mlscore.KeyPackageEvent, cfg mlscore.GroupConfig) (mlscore.GroupID, []mlscore.WelcomeRumor, error) {
	id, rumors, err := m.provider.CreateGroup(creatorPub, members, cfg)
	if err != nil {
		return id, nil, err
	}
	if err := m.syncCache(ctx, id); err != nil {
		return id, rumors, err
	}
	m.log.WithField("group_id", id).Info("created group")
	return id, rumors, nil
}

// ReceiveWelcome materializes an inbound GiftWrap's welcome into a pending
// record, persisted so accept/reject survives a restart.
func (m *Manager) ReceiveWelcome(ctx context.Context, wrapperEventID, sender string, welcomeBytes []byte) error {
	pending, err := m.provider.ProcessWelcome(wrapperEventID, sender, welcomeBytes)
	if err != nil {
		return err
	}
	return m.st.SavePendingWelcome(ctx, store.PendingWelcomeRecord{
		WrapperEventID: pending.WrapperEventID,
		Sender:         pending.Sender,
		NostrGroupID:   pending.NostrGroupID,
		GroupName:      pending.GroupName,
	})
}

// AcceptWelcome consumes a pending welcome, joining its group.
func (m *Manager) AcceptWelcome(ctx context.Context, wrapperEventID string) (mlscore.GroupID, error) {
	if _, err := m.st.TakePendingWelcome(ctx, wrapperEventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return mlscore.GroupID{}, ErrPendingWelcomeNotFound
		}
		return mlscore.GroupID{}, err
	}
	id, err := m.provider.AcceptWelcome(wrapperEventID)
	if err != nil {
		return id, err
	}
	if err := m.syncCache(ctx, id); err != nil {
		return id, err
	}
	m.log.WithField("group_id", id).Info("accepted welcome")
	return id, nil
}

// AddMembers proposes adding members then immediately merges the commit,
// returning the welcome rumors to deliver. A real deployment could
// separate propose/merge to batch multiple proposals into one commit;
// this manager merges eagerly since nothing else stages alongside it.
func (m *Manager) AddMembers(ctx context.Context, id mlscore.GroupID, actor string, members []mlscore.KeyPackageEvent) ([]mlscore.WelcomeRumor, error) {
	rumors, err := m.provider.ProposeAddMembers(id, actor, members)
	if err != nil {
		return nil, err
	}
	if err := m.provider.MergePendingCommit(id); err != nil {
		return nil, err
	}
	if err := m.syncCache(ctx, id); err != nil {
		return rumors, err
	}
	return rumors, nil
}

// RemoveMembers proposes then merges a member removal.
func (m *Manager) RemoveMembers(ctx context.Context, id mlscore.GroupID, actor string, pubkeys []string) error {
	if err := m.provider.ProposeRemoveMembers(id, actor, pubkeys); err != nil {
		return err
	}
	if err := m.provider.MergePendingCommit(id); err != nil {
		return err
	}
	return m.syncCache(ctx, id)
}

// SelfUpdate proposes then merges a key rotation for actor's own leaf.
func (m *Manager) SelfUpdate(ctx context.Context, id mlscore.GroupID, actor string) error {
	if err := m.provider.ProposeSelfUpdate(id, actor); err != nil {
		return err
	}
	if err := m.provider.MergePendingCommit(id); err != nil {
		return err
	}
	return m.syncCache(ctx, id)
}

// UpdateGroupData proposes then merges a metadata/admin-set change.
func (m *Manager) UpdateGroupData(ctx context.Context, id mlscore.GroupID, actor string, update mlscore.GroupDataUpdate) error {
	if err := m.provider.ProposeUpdateGroupData(id, actor, update); err != nil {
		return err
	}
	if err := m.provider.MergePendingCommit(id); err != nil {
		return err
	}
	return m.syncCache(ctx, id)
}

// LeaveGroup stages actor's departure; a remaining member must still merge
// it via a subsequent commit (self-removal cannot merge its own proposal).
func (m *Manager) LeaveGroup(id mlscore.GroupID, actor string) (mlscore.LeaveProposal, error) {
	return m.provider.ProposeLeave(id, actor)
}

// MergeCommit merges whatever proposal is currently staged for id (used
// when a remaining member commits another member's leave proposal).
func (m *Manager) MergeCommit(ctx context.Context, id mlscore.GroupID) error {
	if err := m.provider.MergePendingCommit(id); err != nil {
		return err
	}
	return m.syncCache(ctx, id)
}

// ProcessInbound feeds an inbound MLS wire message through the provider,
// then saves the exporter secret for the resulting epoch to the store.
// Frame-key derivation in the call package reads the provider directly,
// not this stored copy.
func (m *Manager) ProcessInbound(ctx context.Context, id mlscore.GroupID, wire []byte) (mlscore.ProcessResult, error) {
	result, err := m.provider.ProcessMessage(id, wire)
	if err != nil {
		return result, err
	}
	if result.IsCommit {
		if err := m.syncCache(ctx, id); err != nil {
			return result, err
		}
	}
	epoch, err := m.provider.CurrentEpoch(id)
	if err != nil {
		return result, err
	}
	secret, err := m.provider.ExporterSecret(id, epoch)
	if err != nil {
		return result, err
	}
	if err := m.st.SaveExporterSecret(ctx, id, epoch, secret); err != nil {
		m.log.WithError(err).Warn("failed to cache exporter secret")
	}
	return result, nil
}

// Provider exposes the underlying mlscore.Provider for callers (the call
// orchestrator) that need direct access beyond this manager's operations.
func (m *Manager) Provider() mlscore.Provider { return m.provider }
