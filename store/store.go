// Package store persists the state the rest of the core must survive a
// restart: known groups and their denormalized metadata cache, pending
// welcomes not yet accepted, the processed-message dedup log, and a cache
// of exporter secrets keyed by group and epoch. It is backed by SQLite via
// database/sql + github.com/mattn/go-sqlite3, generalizing the teacher's
// crypto.EncryptedKeyStore file-per-secret persistence
// (crypto/keystore.go) from "one file per key" to "one queryable table per
// state kind" — the processed-message log in particular needs range
// queries and ordering that flat files can't give cheaply.
//
// Every write goes through a single *sql.DB with SQLite's own
// transactional guarantees; callers never see a half-written row, which is
// the same atomicity guarantee the teacher's tmp-then-rename file writes
// provide for single files.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/pika-msg/pika-core/mlscore"
)

// MessageStatus is the terminal disposition recorded for a processed
// inbound event, per SPEC_FULL.md §4.4's ingest pipeline.
type MessageStatus string

const (
	ProcessedCommit  MessageStatus = "processed_commit"
	ProcessedMessage MessageStatus = "processed_message"
	Failed           MessageStatus = "failed"
)

var ErrNotFound = errors.New("store: not found")

// GroupRecord is the denormalized cache of a group's metadata, synced from
// mlscore.GroupDataExtension after every merge. It exists purely to let
// callers list groups without touching the MLS provider; authorization
// decisions must never read it — they read Provider.GroupData live.
type GroupRecord struct {
	GroupID      mlscore.GroupID
	NostrGroupID [32]byte
	Name         string
	Description  string
	Epoch        uint64
	RelaySet     []string
}

// PendingWelcomeRecord persists a materialized-but-unaccepted welcome
// across restarts.
type PendingWelcomeRecord struct {
	WrapperEventID string
	Sender         string
	NostrGroupID   [32]byte
	GroupName      string
}

// Store is the persistent state backing one agent instance.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if absent) the SQLite database at path and
// migrates its schema to the current version.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	s := &Store{db: db, log: logrus.WithField("component", "store")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS groups (
	group_id       TEXT PRIMARY KEY,
	nostr_group_id TEXT NOT NULL,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL,
	epoch          INTEGER NOT NULL,
	relay_set      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_welcomes (
	wrapper_event_id TEXT PRIMARY KEY,
	sender           TEXT NOT NULL,
	nostr_group_id   TEXT NOT NULL,
	group_name       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_messages (
	event_id     TEXT PRIMARY KEY,
	group_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	processed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_processed_messages_group ON processed_messages(group_id, processed_at);

CREATE TABLE IF NOT EXISTS exporter_secrets (
	group_id TEXT NOT NULL,
	epoch    INTEGER NOT NULL,
	secret   BLOB NOT NULL,
	PRIMARY KEY (group_id, epoch)
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertGroup writes or replaces the denormalized cache row for a group,
// called by the group manager after every successful merge.
func (s *Store) UpsertGroup(ctx context.Context, rec GroupRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO groups (group_id, nostr_group_id, name, description, epoch, relay_set)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET
	nostr_group_id = excluded.nostr_group_id,
	name = excluded.name,
	description = excluded.description,
	epoch = excluded.epoch,
	relay_set = excluded.relay_set
`, rec.GroupID.String(), fmt.Sprintf("%x", rec.NostrGroupID[:]), rec.Name, rec.Description, rec.Epoch, joinRelays(rec.RelaySet))
	if err != nil {
		return fmt.Errorf("store: upsert group %s: %w", rec.GroupID, err)
	}
	return nil
}

// ListGroups returns every cached group record, for GetRuntime/ListRuntimes
// style reporting.
func (s *Store) ListGroups(ctx context.Context) ([]GroupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, nostr_group_id, name, description, epoch, relay_set FROM groups`)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupRecord
	for rows.Next() {
		var groupIDHex, nostrIDHex, relays string
		var rec GroupRecord
		if err := rows.Scan(&groupIDHex, &nostrIDHex, &rec.Name, &rec.Description, &rec.Epoch, &relays); err != nil {
			return nil, fmt.Errorf("store: scan group row: %w", err)
		}
		gid, err := parseGroupID(groupIDHex)
		if err != nil {
			return nil, err
		}
		rec.GroupID = gid
		if decoded, err := hex.DecodeString(nostrIDHex); err == nil {
			copy(rec.NostrGroupID[:], decoded)
		}
		rec.RelaySet = splitRelays(relays)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SavePendingWelcome persists a materialized-but-unaccepted welcome.
func (s *Store) SavePendingWelcome(ctx context.Context, rec PendingWelcomeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_welcomes (wrapper_event_id, sender, nostr_group_id, group_name)
VALUES (?, ?, ?, ?)
ON CONFLICT(wrapper_event_id) DO UPDATE SET
	sender = excluded.sender, nostr_group_id = excluded.nostr_group_id, group_name = excluded.group_name
`, rec.WrapperEventID, rec.Sender, fmt.Sprintf("%x", rec.NostrGroupID[:]), rec.GroupName)
	if err != nil {
		return fmt.Errorf("store: save pending welcome %s: %w", rec.WrapperEventID, err)
	}
	return nil
}

// ListPendingWelcomes returns every materialized-but-unaccepted welcome.
func (s *Store) ListPendingWelcomes(ctx context.Context) ([]PendingWelcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT wrapper_event_id, sender, nostr_group_id, group_name FROM pending_welcomes`)
	if err != nil {
		return nil, fmt.Errorf("store: list pending welcomes: %w", err)
	}
	defer rows.Close()

	var out []PendingWelcomeRecord
	for rows.Next() {
		var rec PendingWelcomeRecord
		var nostrIDHex string
		if err := rows.Scan(&rec.WrapperEventID, &rec.Sender, &nostrIDHex, &rec.GroupName); err != nil {
			return nil, fmt.Errorf("store: scan pending welcome row: %w", err)
		}
		if decoded, err := hex.DecodeString(nostrIDHex); err == nil {
			copy(rec.NostrGroupID[:], decoded)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TakePendingWelcome reads and removes the pending welcome for
// wrapperEventID, as accept_welcome consumes it exactly once.
func (s *Store) TakePendingWelcome(ctx context.Context, wrapperEventID string) (PendingWelcomeRecord, error) {
	var rec PendingWelcomeRecord
	var nostrIDHex string
	row := s.db.QueryRowContext(ctx, `SELECT wrapper_event_id, sender, nostr_group_id, group_name FROM pending_welcomes WHERE wrapper_event_id = ?`, wrapperEventID)
	if err := row.Scan(&rec.WrapperEventID, &rec.Sender, &nostrIDHex, &rec.GroupName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, ErrNotFound
		}
		return rec, fmt.Errorf("store: read pending welcome %s: %w", wrapperEventID, err)
	}
	if decoded, err := hex.DecodeString(nostrIDHex); err == nil {
		copy(rec.NostrGroupID[:], decoded)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_welcomes WHERE wrapper_event_id = ?`, wrapperEventID); err != nil {
		return rec, fmt.Errorf("store: delete pending welcome %s: %w", wrapperEventID, err)
	}
	return rec, nil
}

// MarkProcessed records the terminal disposition of an inbound event,
// keyed by its event id so the daemon's ingest pipeline can dedupe across
// restarts, not just within the in-memory relay.SeenSet window.
func (s *Store) MarkProcessed(ctx context.Context, eventID string, groupID mlscore.GroupID, status MessageStatus, processedAtUnix int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO processed_messages (event_id, group_id, status, processed_at) VALUES (?, ?, ?, ?)
ON CONFLICT(event_id) DO UPDATE SET status = excluded.status, processed_at = excluded.processed_at
`, eventID, groupID.String(), string(status), processedAtUnix)
	if err != nil {
		return fmt.Errorf("store: mark processed %s: %w", eventID, err)
	}
	return nil
}

// WasProcessed reports whether eventID has a recorded terminal
// disposition.
func (s *Store) WasProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM processed_messages WHERE event_id = ?`, eventID)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("store: check processed %s: %w", eventID, err)
	}
	return count > 0, nil
}

// SaveExporterSecret stores an epoch's exporter secret, keyed by group and
// epoch. The call orchestrator and group manager read exporter secrets
// from the MLS provider, not from this table.
func (s *Store) SaveExporterSecret(ctx context.Context, groupID mlscore.GroupID, epoch uint64, secret [32]byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exporter_secrets (group_id, epoch, secret) VALUES (?, ?, ?)
ON CONFLICT(group_id, epoch) DO UPDATE SET secret = excluded.secret
`, groupID.String(), epoch, secret[:])
	if err != nil {
		return fmt.Errorf("store: save exporter secret %s/%d: %w", groupID, epoch, err)
	}
	return nil
}

// ExporterSecret returns a cached exporter secret, or ErrNotFound.
func (s *Store) ExporterSecret(ctx context.Context, groupID mlscore.GroupID, epoch uint64) ([32]byte, error) {
	var out [32]byte
	var raw []byte
	row := s.db.QueryRowContext(ctx, `SELECT secret FROM exporter_secrets WHERE group_id = ? AND epoch = ?`, groupID.String(), epoch)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return out, ErrNotFound
		}
		return out, fmt.Errorf("store: read exporter secret %s/%d: %w", groupID, epoch, err)
	}
	copy(out[:], raw)
	return out, nil
}

func joinRelays(relays []string) string {
	out := ""
	for i, r := range relays {
		if i > 0 {
			out += ","
		}
		out += r
	}
	return out
}

func splitRelays(joined string) []string {
	if joined == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(joined); i++ {
		if i == len(joined) || joined[i] == ',' {
			out = append(out, joined[start:i])
			start = i + 1
		}
	}
	return out
}

func parseGroupID(hexStr string) (mlscore.GroupID, error) {
	var id mlscore.GroupID
	decoded, err := hex.DecodeString(hexStr)
	if err != nil || len(decoded) != len(id) {
		return id, fmt.Errorf("store: malformed group id %q", hexStr)
	}
	copy(id[:], decoded)
	return id, nil
}
