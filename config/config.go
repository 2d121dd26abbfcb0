// Package config loads the daemon's process configuration: state
// directory, relay set, media defaults, and control-plane policy, per
// SPEC_FULL.md §2. The Options-struct-with-a-defaults-constructor shape
// is grounded on the teacher's toxcore.Options/NewOptions (toxcore.go),
// generalized from "Tox instance bootstrap options" to "pika-agent
// process configuration", with JSON file loading layered on top in the
// style of identity.LoadOrCreate's tmp-then-rename persistence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoStateDir is what Load returns when the resolved state directory is
// empty. Default always supplies a non-empty directory and empty config
// file or PIKA_STATE_DIR values leave it unchanged, so Load never returns
// it.
var ErrNoStateDir = errors.New("config: no state directory configured")

// ControlPlanePolicy mirrors controlplane.Policy on the wire so it can be
// loaded from JSON without this package depending on controlplane.
type ControlPlanePolicy struct {
	AllowAll  bool     `json:"allow_all,omitempty"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// Options is the daemon's full process configuration.
type Options struct {
	StateDir         string             `json:"state_dir"`
	Relays           []string           `json:"relays"`
	BlossomServers   []string           `json:"blossom_servers,omitempty"`
	AllowVideo       bool               `json:"allow_video,omitempty"`
	ControlPlane     ControlPlanePolicy `json:"control_plane,omitempty"`
	FetchConfirmWait time.Duration      `json:"-"`
}

// Default returns the built-in defaults every field falls back to when a
// config file and environment variable both leave it unset.
func Default() *Options {
	return &Options{
		StateDir:         defaultStateDir(),
		Relays:           []string{"wss://relay.pika.chat"},
		BlossomServers:   nil,
		AllowVideo:       false,
		ControlPlane:     ControlPlanePolicy{AllowAll: false},
		FetchConfirmWait: 5 * time.Second,
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pika"
	}
	return filepath.Join(home, ".pika")
}

// persisted mirrors Options' JSON shape for file round-tripping.
type persisted struct {
	StateDir       string             `json:"state_dir,omitempty"`
	Relays         []string           `json:"relays,omitempty"`
	BlossomServers []string           `json:"blossom_servers,omitempty"`
	AllowVideo     bool               `json:"allow_video,omitempty"`
	ControlPlane   ControlPlanePolicy `json:"control_plane,omitempty"`
}

// Load reads a config file at path (if it exists), applying its fields
// over Default(), then layers the PIKA_STATE_DIR and PIKA_RELAYS
// environment variables on top — matching the teacher's convention of
// environment variables winning over a saved file for the few options a
// deployment commonly needs to override per-process (StartPort/EndPort in
// toxcore.Options are the same kind of per-run override).
func Load(path string) (*Options, error) {
	opts := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var p persisted
			if jerr := json.Unmarshal(data, &p); jerr != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, jerr)
			}
			applyPersisted(opts, p)
		case os.IsNotExist(err):
			// no file yet; defaults stand
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(opts)

	if opts.StateDir == "" {
		return nil, ErrNoStateDir
	}
	return opts, nil
}

func applyPersisted(opts *Options, p persisted) {
	if p.StateDir != "" {
		opts.StateDir = p.StateDir
	}
	if len(p.Relays) > 0 {
		opts.Relays = p.Relays
	}
	if len(p.BlossomServers) > 0 {
		opts.BlossomServers = p.BlossomServers
	}
	opts.AllowVideo = p.AllowVideo
	opts.ControlPlane = p.ControlPlane
}

func applyEnv(opts *Options) {
	if v := os.Getenv("PIKA_STATE_DIR"); v != "" {
		opts.StateDir = v
	}
	if v := os.Getenv("PIKA_RELAYS"); v != "" {
		opts.Relays = splitNonEmpty(v, ',')
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Save persists opts to path via tmp-then-rename, matching
// identity.LoadOrCreate's atomic-write idiom.
func Save(path string, opts *Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: create config dir: %w", err)
	}
	data, err := json.MarshalIndent(persisted{
		StateDir:       opts.StateDir,
		Relays:         opts.Relays,
		BlossomServers: opts.BlossomServers,
		AllowVideo:     opts.AllowVideo,
		ControlPlane:   opts.ControlPlane,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

// Allowlist converts ControlPlane.Allowlist into the set shape
// controlplane.Policy expects.
func (o *Options) Allowlist() map[string]bool {
	out := make(map[string]bool, len(o.ControlPlane.Allowlist))
	for _, pk := range o.ControlPlane.Allowlist {
		out[pk] = true
	}
	return out
}
