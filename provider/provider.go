// Package provider defines the boundary between the control plane and the
// infrastructure that actually provisions runtimes (Fly VMs, Workers
// isolates, microVMs). Concrete cloud adapters are external collaborators
// per SPEC_FULL.md §1; this package names the Adapter interface and ships
// one concrete in-repo adapter, ProcessAdapter, so the control plane has
// something real to exercise in tests without a cloud dependency.
//
// ProcessAdapter's map-of-records-behind-a-mutex shape is grounded on the
// teacher's av.Manager call-map bookkeeping (av/manager.go's calls
// map[uint32]*Call guarded by mu sync.RWMutex), repurposed from "active
// calls keyed by friend number" to "provisioned runtimes keyed by runtime
// id".
package provider

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProvisionCmd is the caller-supplied request to provision a runtime.
type ProvisionCmd struct {
	Protocol     string
	RuntimeClass string
	Config       map[string]string
}

// ProvisionedRuntime is what a successful provision call returns.
type ProvisionedRuntime struct {
	RuntimeID    string
	Protocol     string
	RuntimeClass string
	Endpoint     string
}

// RuntimeRecord is the control plane's persisted view of a provisioned
// runtime, passed back into ProcessWelcome/Teardown so an adapter can look
// up whatever backing resource it created.
type RuntimeRecord struct {
	RuntimeID      string
	OwnerPubkeyHex string
	Protocol       string
	RuntimeClass   string
	Endpoint       string
}

// ErrRuntimeNotFound is returned by an adapter when asked to operate on a
// runtime id it never provisioned.
var ErrRuntimeNotFound = errors.New("provider: runtime not found")

// Adapter is the control plane's dependency on provisioning
// infrastructure, per SPEC_FULL.md §4.3.
type Adapter interface {
	Provision(runtimeID, ownerPubkeyHex string, cmd ProvisionCmd) (ProvisionedRuntime, error)
	ProcessWelcome(record RuntimeRecord, payload []byte) ([]byte, error)
	Teardown(record RuntimeRecord) ([]byte, error)
}

// ProcessAdapter is an in-process Adapter: "provisioning" a runtime just
// records bookkeeping for an already-running local process slot, with no
// real infrastructure call. It exists to give the control plane a
// concrete, testable adapter.
type ProcessAdapter struct {
	mu       sync.RWMutex
	runtimes map[string]ProvisionedRuntime
	log      *logrus.Entry
}

// NewProcessAdapter constructs an empty ProcessAdapter.
func NewProcessAdapter() *ProcessAdapter {
	return &ProcessAdapter{runtimes: make(map[string]ProvisionedRuntime), log: logrus.WithField("component", "provider.ProcessAdapter")}
}

func (a *ProcessAdapter) Provision(runtimeID, ownerPubkeyHex string, cmd ProvisionCmd) (ProvisionedRuntime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if runtimeID == "" {
		runtimeID = uuid.NewString()
	}
	pr := ProvisionedRuntime{
		RuntimeID:    runtimeID,
		Protocol:     cmd.Protocol,
		RuntimeClass: cmd.RuntimeClass,
		Endpoint:     fmt.Sprintf("process://%s", runtimeID),
	}
	a.runtimes[runtimeID] = pr
	a.log.WithField("runtime_id", runtimeID).WithField("owner", ownerPubkeyHex).Info("provisioned process runtime")
	return pr, nil
}

func (a *ProcessAdapter) ProcessWelcome(record RuntimeRecord, payload []byte) ([]byte, error) {
	a.mu.RLock()
	_, ok := a.runtimes[record.RuntimeID]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrRuntimeNotFound
	}
	return payload, nil
}

func (a *ProcessAdapter) Teardown(record RuntimeRecord) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.runtimes[record.RuntimeID]; !ok {
		return nil, ErrRuntimeNotFound
	}
	delete(a.runtimes, record.RuntimeID)
	a.log.WithField("runtime_id", record.RuntimeID).Info("tore down process runtime")
	return []byte(`{"status":"torn_down"}`), nil
}
