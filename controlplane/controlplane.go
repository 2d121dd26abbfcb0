// Package controlplane implements the control-plane command set
// (Provision, ProcessWelcome, Teardown, GetRuntime, ListRuntimes), per
// SPEC_FULL.md §4.3: authenticated, idempotent, owner-scoped runtime
// lifecycle management over encrypted request/response. The
// runtime-record map behind a single mutex and JSON tmp-then-rename
// persistence echo the teacher's persistence idiom
// (crypto/keystore.go's atomic file writes), generalized from "one
// encrypted secret file" to "one JSON document holding every runtime
// record". The idempotency cache is held in memory only and is not
// persisted, so it starts empty after a restart.
package controlplane

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pika-msg/pika-core/pikaerr"
	"github.com/pika-msg/pika-core/provider"
)

// Lifecycle is a runtime record's current state.
type Lifecycle string

const (
	LifecycleQueued       Lifecycle = "queued"
	LifecycleProvisioning Lifecycle = "provisioning"
	LifecycleReady        Lifecycle = "ready"
	LifecycleFailed       Lifecycle = "failed"
	LifecycleTeardown     Lifecycle = "teardown"
)

// Status is an interim provisioning status emitted before the terminal
// result/error, per SPEC_FULL.md §4.3/§5.
type Status struct {
	RequestID string
	Lifecycle Lifecycle
	Message   string
}

// Policy governs who may provision a new runtime.
type Policy struct {
	AllowAll  bool
	Allowlist map[string]bool // nil/empty + !AllowAll == DenyAll (default)
}

func (p Policy) allows(requesterPubkeyHex string) bool {
	if p.AllowAll {
		return true
	}
	return p.Allowlist[requesterPubkeyHex]
}

// Runtime is the persisted record for one provisioned runtime.
type Runtime struct {
	RuntimeID      string    `json:"runtime_id"`
	OwnerPubkeyHex string    `json:"owner_pubkey_hex"`
	Lifecycle      Lifecycle `json:"lifecycle"`
	Protocol       string    `json:"protocol"`
	RuntimeClass   string    `json:"runtime_class,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
}

// ProvisionCmd is the wire-level Provision command body.
type ProvisionCmd struct {
	RuntimeID    string
	Protocol     string
	RuntimeClass string
	Config       map[string]string
}

// cachedOutcome is what the idempotency cache stores: only a terminal
// success is ever cached, per SPEC_FULL.md §4.3.
type cachedOutcome struct {
	result interface{}
}

type idempotencyKey struct {
	requesterPubkeyHex string
	idempotencyKey     string
}

// idempotencyCache is a bounded, insertion-order (FIFO/LRU-by-insertion)
// cache of terminal successes keyed by (requester, idempotency key).
type idempotencyCache struct {
	mu       sync.Mutex
	capacity int
	order    []idempotencyKey
	entries  map[idempotencyKey]cachedOutcome
}

func newIdempotencyCache(capacity int) *idempotencyCache {
	return &idempotencyCache{capacity: capacity, entries: make(map[idempotencyKey]cachedOutcome)}
}

func (c *idempotencyCache) get(key idempotencyKey) (cachedOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *idempotencyCache) put(key idempotencyKey, outcome cachedOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
		if len(c.order) > c.capacity {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.entries[key] = outcome
}

// defaultIdempotencyCacheCapacity bounds the idempotency cache the same
// way relay.SeenSet bounds event dedup, per SPEC_FULL.md §4.3/§4.4.
const defaultIdempotencyCacheCapacity = 8192

// persistedState is the on-disk JSON document, replaced atomically via
// tmp-then-rename.
type persistedState struct {
	Runtimes map[string]Runtime `json:"runtimes"`
}

// ControlPlane is the single control-plane task described by
// SPEC_FULL.md §5: its own state behind a single mutex, no concurrent
// access from the daemon's own tasks.
type ControlPlane struct {
	mu       sync.Mutex
	policy   Policy
	adapter  provider.Adapter
	runtimes map[string]Runtime
	idem     *idempotencyCache
	statePath string
	log      *logrus.Entry
}

// New constructs a ControlPlane persisting its runtime map to statePath,
// loading any existing state first.
func New(policy Policy, adapter provider.Adapter, statePath string) (*ControlPlane, error) {
	cp := &ControlPlane{
		policy:    policy,
		adapter:   adapter,
		runtimes:  make(map[string]Runtime),
		idem:      newIdempotencyCache(defaultIdempotencyCacheCapacity),
		statePath: statePath,
		log:       logrus.WithField("component", "controlplane"),
	}
	if err := cp.load(); err != nil {
		return nil, err
	}
	return cp, nil
}

func (cp *ControlPlane) load() error {
	data, err := os.ReadFile(cp.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("controlplane: read state: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		cp.log.WithError(err).Warn("corrupt control-plane state file, resetting to empty")
		return nil
	}

	for id, rt := range state.Runtimes {
		if rt.Protocol == "pi" {
			rt.Protocol = "acp" // legacy protocol name migration, per SPEC_FULL.md §4.3
		}
		state.Runtimes[id] = rt
	}
	cp.runtimes = state.Runtimes
	return nil
}

// persist atomically replaces the state file via tmp-then-rename,
// matching the teacher's crypto.EncryptedKeyStore.WriteEncrypted pattern
// (crypto/keystore.go).
func (cp *ControlPlane) persist() error {
	state := persistedState{Runtimes: cp.runtimes}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("controlplane: marshal state: %w", err)
	}

	tmp := cp.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("controlplane: write temp state: %w", err)
	}
	if err := os.Rename(tmp, cp.statePath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("controlplane: rename state into place: %w", err)
	}
	return nil
}

// canAccess implements the owner-scoped authorization rule for
// get/teardown/process-welcome/list, including the legacy-record
// migration path: a record with no owner is visible only to requesters
// the provisioning policy would admit.
func (cp *ControlPlane) canAccess(rt Runtime, requesterPubkeyHex string) bool {
	if rt.OwnerPubkeyHex == "" {
		return cp.policy.allows(requesterPubkeyHex)
	}
	return rt.OwnerPubkeyHex == requesterPubkeyHex
}

// Provision runs the full provision flow from SPEC_FULL.md §4.3,
// streaming interim statuses to onStatus before returning the terminal
// runtime record or error.
func (cp *ControlPlane) Provision(requesterPubkeyHex, requestID, idemKey string, cmd ProvisionCmd, advertisedRuntimeClass string, protocolCompatibility []string, onStatus func(Status)) (Runtime, error) {
	key := idempotencyKey{requesterPubkeyHex: requesterPubkeyHex, idempotencyKey: idemKey}
	if idemKey != "" {
		if cached, ok := cp.idem.get(key); ok {
			onStatus(Status{RequestID: requestID, Lifecycle: LifecycleReady, Message: "idempotent replay"})
			return cached.result.(Runtime), nil
		}
	}

	if !cp.policy.allows(requesterPubkeyHex) {
		return Runtime{}, pikaerr.ErrProvisionUnauthorized
	}

	onStatus(Status{RequestID: requestID, Lifecycle: LifecycleQueued})
	onStatus(Status{RequestID: requestID, Lifecycle: LifecycleProvisioning})

	if cmd.RuntimeClass != "" && cmd.RuntimeClass != advertisedRuntimeClass {
		return Runtime{}, pikaerr.ErrRuntimeClassUnavailable
	}

	provisioned, err := cp.adapter.Provision(cmd.RuntimeID, requesterPubkeyHex, provider.ProvisionCmd{
		Protocol: cmd.Protocol, RuntimeClass: cmd.RuntimeClass, Config: cmd.Config,
	})
	if err != nil {
		onStatus(Status{RequestID: requestID, Lifecycle: LifecycleFailed})
		return Runtime{}, fmt.Errorf("controlplane: provision_failed: %w", pikaerr.ErrRuntimeError)
	}

	if !contains(protocolCompatibility, provisioned.Protocol) {
		_, _ = cp.adapter.Teardown(provider.RuntimeRecord{RuntimeID: provisioned.RuntimeID})
		return Runtime{}, pikaerr.ErrUnsupportedProtocol
	}
	if cmd.RuntimeClass != "" && cmd.RuntimeClass != provisioned.RuntimeClass {
		_, _ = cp.adapter.Teardown(provider.RuntimeRecord{RuntimeID: provisioned.RuntimeID})
		return Runtime{}, pikaerr.ErrRuntimeClassUnavailable
	}

	rt := Runtime{
		RuntimeID:      provisioned.RuntimeID,
		OwnerPubkeyHex: requesterPubkeyHex,
		Lifecycle:      LifecycleReady,
		Protocol:       provisioned.Protocol,
		RuntimeClass:   provisioned.RuntimeClass,
		Endpoint:       provisioned.Endpoint,
	}

	cp.mu.Lock()
	cp.runtimes[rt.RuntimeID] = rt
	persistErr := cp.persist()
	if persistErr != nil {
		delete(cp.runtimes, rt.RuntimeID)
	}
	cp.mu.Unlock()

	if persistErr != nil {
		_, _ = cp.adapter.Teardown(provider.RuntimeRecord{RuntimeID: rt.RuntimeID})
		return Runtime{}, pikaerr.ErrStatePersistFailed
	}

	onStatus(Status{RequestID: requestID, Lifecycle: LifecycleReady})
	if idemKey != "" {
		cp.idem.put(key, cachedOutcome{result: rt})
	}
	return rt, nil
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// GetRuntime returns a runtime record if requesterPubkeyHex may access it.
func (cp *ControlPlane) GetRuntime(requesterPubkeyHex, runtimeID string) (Runtime, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	rt, ok := cp.runtimes[runtimeID]
	if !ok || !cp.canAccess(rt, requesterPubkeyHex) {
		return Runtime{}, pikaerr.ErrNotFound
	}
	return rt, nil
}

// ListRuntimes returns every runtime requesterPubkeyHex may see.
func (cp *ControlPlane) ListRuntimes(requesterPubkeyHex string) []Runtime {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var out []Runtime
	for _, rt := range cp.runtimes {
		if cp.canAccess(rt, requesterPubkeyHex) {
			out = append(out, rt)
		}
	}
	return out
}

// TeardownResult reports teardown outcome, including the non-fatal
// persistence-failure case from SPEC_FULL.md §4.3: teardown never fails
// the caller on persistence alone.
type TeardownResult struct {
	StatePersistFailed bool
	StatePersistError  string
}

// Teardown tears down a runtime the requester owns (or may access via the
// legacy path).
func (cp *ControlPlane) Teardown(requesterPubkeyHex, idemKey, runtimeID string) (TeardownResult, error) {
	key := idempotencyKey{requesterPubkeyHex: requesterPubkeyHex, idempotencyKey: idemKey}
	if idemKey != "" {
		if cached, ok := cp.idem.get(key); ok {
			return cached.result.(TeardownResult), nil
		}
	}

	cp.mu.Lock()
	rt, ok := cp.runtimes[runtimeID]
	if !ok || !cp.canAccess(rt, requesterPubkeyHex) {
		cp.mu.Unlock()
		return TeardownResult{}, pikaerr.ErrNotFound
	}
	cp.mu.Unlock()

	if _, err := cp.adapter.Teardown(provider.RuntimeRecord{RuntimeID: rt.RuntimeID, OwnerPubkeyHex: rt.OwnerPubkeyHex, Protocol: rt.Protocol, RuntimeClass: rt.RuntimeClass, Endpoint: rt.Endpoint}); err != nil {
		return TeardownResult{}, err
	}

	cp.mu.Lock()
	rt.Lifecycle = LifecycleTeardown
	cp.runtimes[runtimeID] = rt
	persistErr := cp.persist()
	cp.mu.Unlock()

	result := TeardownResult{}
	if persistErr != nil {
		result.StatePersistFailed = true
		result.StatePersistError = persistErr.Error()
	}
	if idemKey != "" {
		cp.idem.put(key, cachedOutcome{result: result})
	}
	return result, nil
}

// ProcessWelcome forwards a process_welcome command to the adapter for an
// owned runtime.
func (cp *ControlPlane) ProcessWelcome(requesterPubkeyHex, idemKey, runtimeID string, payload []byte) ([]byte, error) {
	key := idempotencyKey{requesterPubkeyHex: requesterPubkeyHex, idempotencyKey: idemKey}
	if idemKey != "" {
		if cached, ok := cp.idem.get(key); ok {
			return cached.result.([]byte), nil
		}
	}

	cp.mu.Lock()
	rt, ok := cp.runtimes[runtimeID]
	cp.mu.Unlock()
	if !ok || !cp.canAccess(rt, requesterPubkeyHex) {
		return nil, pikaerr.ErrNotFound
	}

	out, err := cp.adapter.ProcessWelcome(provider.RuntimeRecord{RuntimeID: rt.RuntimeID, OwnerPubkeyHex: rt.OwnerPubkeyHex, Protocol: rt.Protocol, RuntimeClass: rt.RuntimeClass, Endpoint: rt.Endpoint}, payload)
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		cp.idem.put(key, cachedOutcome{result: out})
	}
	return out, nil
}
