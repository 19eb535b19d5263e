// Package backend defines the capability interface over the two external
// control planes that run lab nodes: the hypervisor (VMs, unikernels) and
// the container runtime. The orchestrator treats both uniformly through the
// Backend interface; resource handles are opaque outside the lifecycle
// manager that owns them.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/virtlab-network/virtlab/pkg/bootcfg"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

// Error taxonomy shared by both adapters.
var (
	ErrResourceUnavailable = errors.New("backend resource unavailable")
	ErrSpecInvalid         = errors.New("backend spec invalid")
	ErrUnreachable         = errors.New("backend unreachable")
)

// Error wraps a failed backend call with its operation and node.
type Error struct {
	Op   string
	Node string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend %s %s: %v", e.Op, e.Node, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// InterfaceSpec describes one interface to attach at create time.
type InterfaceSpec struct {
	Index int    // slot index on the node
	Name  string // guest-visible interface name
	MAC   string
	MTU   int
	Type  string // driver/model, e.g. virtio, e1000
}

// NodeSpec is everything a backend needs to create a node.
type NodeSpec struct {
	LabID    string
	LabName  string
	Name     string
	Kind     topology.NodeKind
	CPUs     int
	MemoryMB int
	Image    string
	DiskBus  string
	Machine  string // hypervisor machine type
	SSHPort  int    // host port forwarded to guest 22, 0 for none
	Boot     *bootcfg.Payload
	Mgmt     InterfaceSpec
	Data     []InterfaceSpec
}

// Handle is the opaque backend resource handle for a created node. ID is
// backend-specific (domain name, container id); it must not be interpreted
// outside the backend that issued it.
type Handle struct {
	Kind topology.NodeKind `json:"kind"`
	ID   string            `json:"id"`
}

// Zero reports whether the handle was never issued.
func (h Handle) Zero() bool { return h.ID == "" }

// InterfaceHandle is one attachable interface object on a provisioned node.
// HostDev is the host-side attachment point (tap/veth device or netns
// locator) the stitcher operates on.
type InterfaceHandle struct {
	Node    string
	Index   int
	HostDev string
	Netns   string // container network namespace path, empty for VMs
}

// Backend is the capability interface implemented by both control planes.
// Create defines the node and all of its declared interfaces as attachable
// objects without starting it; Destroy is an idempotent full release.
type Backend interface {
	Create(ctx context.Context, spec *NodeSpec) (Handle, error)
	Start(ctx context.Context, h Handle) error
	Stop(ctx context.Context, h Handle) error
	Destroy(ctx context.Context, h Handle) error
	Interfaces(ctx context.Context, h Handle) ([]InterfaceHandle, error)
}

// Set resolves the backend for a node kind.
type Set struct {
	Hypervisor Backend
	Container  Backend
}

// For returns the backend matching kind.
func (s Set) For(kind topology.NodeKind) Backend {
	if kind.Hypervisor() {
		return s.Hypervisor
	}
	return s.Container
}
