// Package lifecycle drives a single node through its provisioning state
// machine against the backend its kind maps to. Transitions within one
// node are strictly sequential; the coordinator runs many managers in
// parallel. This layer never retries: a failed backend call moves the node
// to Failed and the error is surfaced to the coordinator.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/virtlab-network/virtlab/pkg/alloc"
	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/bootcfg"
	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// State is a node's position in the provisioning lifecycle.
type State string

const (
	Pending         State = "pending"
	Allocating      State = "allocating"
	Provisioning    State = "provisioning"
	InterfacesReady State = "interfaces_ready"
	Running         State = "running"
	Stopping        State = "stopping"
	Destroyed       State = "destroyed"
	Failed          State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Destroyed || s == Failed }

// ProvisionError wraps the first failed backend call of a provision pass.
type ProvisionError struct {
	Node  string
	State State // state the node was leaving when the call failed
	Err   error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s (at %s): %v", e.Node, e.State, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// DestroyError aggregates teardown failures for one node.
type DestroyError struct {
	Node string
	Errs []error
}

func (e *DestroyError) Error() string {
	return fmt.Sprintf("destroy %s: %v", e.Node, errors.Join(e.Errs...))
}

func (e *DestroyError) Unwrap() error { return errors.Join(e.Errs...) }

// NodeHandle is the live handle for a node being driven through its
// lifecycle. The backend resource handle it wraps is owned exclusively by
// the manager that issued it.
type NodeHandle struct {
	Node       *topology.Node
	State      State
	Backend    backend.Handle
	Interfaces map[int]backend.InterfaceHandle // slot index → attachable object
	Err        error                           // originating error when State == Failed
}

// Iface returns the attachable interface object for a slot.
func (h *NodeHandle) Iface(slot int) (backend.InterfaceHandle, bool) {
	ih, ok := h.Interfaces[slot]
	return ih, ok
}

// Manager drives node lifecycles for one lab.
type Manager struct {
	labID    string
	labName  string
	backends backend.Set

	// OnState, when set, observes every state transition.
	OnState func(node string, s State)
}

// NewManager returns a lifecycle manager for one lab.
func NewManager(labID, labName string, backends backend.Set) *Manager {
	return &Manager{labID: labID, labName: labName, backends: backends}
}

func (m *Manager) transition(h *NodeHandle, s State) {
	h.State = s
	util.WithNode(m.labName, h.Node.Name).WithField("state", s).Debug("node state")
	if m.OnState != nil {
		m.OnState(h.Node.Name, s)
	}
}

func (m *Manager) fail(h *NodeHandle, at State, err error) (*NodeHandle, error) {
	h.Err = err
	m.transition(h, Failed)
	return h, &ProvisionError{Node: h.Node.Name, State: at, Err: err}
}

// Provision drives a node from Pending to Running: allocate identifiers
// (pre-assigned in the plan), create the backend resource with its boot
// media, confirm all declared interfaces exist as attachable objects, then
// start it. On failure the node moves to Failed and the returned handle
// still carries any backend resource that was issued, so a later destroy
// can release it.
func (m *Manager) Provision(ctx context.Context, node *topology.Node, plan *alloc.NodePlan, boot *bootcfg.Payload) (*NodeHandle, error) {
	h := &NodeHandle{
		Node:       node,
		State:      Pending,
		Interfaces: make(map[int]backend.InterfaceHandle),
	}
	be := m.backends.For(node.Profile.Kind)

	// Pending → Allocating: identifiers come pre-assigned in the plan.
	m.transition(h, Allocating)
	spec := m.nodeSpec(node, plan, boot)

	// Allocating → Provisioning: issue the backend create call.
	m.transition(h, Provisioning)
	bh, err := be.Create(ctx, spec)
	h.Backend = bh
	if err != nil {
		return m.fail(h, Provisioning, err)
	}

	// Provisioning → InterfacesReady: every declared interface must exist
	// as an attachable object.
	ifaces, err := be.Interfaces(ctx, bh)
	if err != nil {
		return m.fail(h, Provisioning, err)
	}
	for _, ih := range ifaces {
		h.Interfaces[ih.Index] = ih
	}
	for _, nic := range spec.Data {
		if _, ok := h.Interfaces[nic.Index]; !ok {
			return m.fail(h, Provisioning,
				fmt.Errorf("interface slot %d missing after create", nic.Index))
		}
	}
	m.transition(h, InterfacesReady)

	// InterfacesReady → Running.
	if err := be.Start(ctx, bh); err != nil {
		return m.fail(h, InterfacesReady, err)
	}
	m.transition(h, Running)

	return h, nil
}

// Destroy stops and releases a node's backend resources. Both steps are
// attempted even if the first reports an error, and destroying an
// already-destroyed or never-provisioned node is a no-op success.
func (m *Manager) Destroy(ctx context.Context, h *NodeHandle) error {
	if h == nil || h.Backend.Zero() || h.State == Destroyed {
		if h != nil && h.State != Destroyed {
			m.transition(h, Destroyed)
		}
		return nil
	}
	be := m.backends.For(h.Node.Profile.Kind)

	var errs []error
	m.transition(h, Stopping)
	if err := be.Stop(ctx, h.Backend); err != nil {
		errs = append(errs, err)
	}
	if err := be.Destroy(ctx, h.Backend); err != nil {
		errs = append(errs, err)
	}
	h.Backend = backend.Handle{}
	m.transition(h, Destroyed)

	if len(errs) > 0 {
		return &DestroyError{Node: h.Node.Name, Errs: errs}
	}
	return nil
}

// nodeSpec assembles the backend create spec from profile and plan.
func (m *Manager) nodeSpec(node *topology.Node, plan *alloc.NodePlan, boot *bootcfg.Payload) *backend.NodeSpec {
	p := node.Profile
	spec := &backend.NodeSpec{
		LabID:    m.labID,
		LabName:  m.labName,
		Name:     node.Name,
		Kind:     p.Kind,
		CPUs:     p.CPUCount,
		MemoryMB: p.MemoryMB,
		Image:    p.Image,
		DiskBus:  p.DiskBus,
		Machine:  p.MachineType,
		SSHPort:  plan.SSHPort,
		Boot:     boot,
		Mgmt: backend.InterfaceSpec{
			Index: -1,
			Name:  p.ManagementInterface,
			MAC:   plan.MgmtMAC,
			Type:  p.InterfaceType,
		},
	}
	for _, nic := range plan.NICs {
		spec.Data = append(spec.Data, backend.InterfaceSpec{
			Index: nic.Slot,
			Name:  nic.Name,
			MAC:   nic.MAC,
			MTU:   nic.MTU,
			Type:  p.InterfaceType,
		})
	}
	return spec
}
