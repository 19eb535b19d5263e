// Package alloc assigns the identifiers a lab bring-up needs: interface
// slot MACs, link transport ports, and bridge/veth names. Everything except
// UDP ports is a pure function of (lab id, node index, interface index) or
// (lab id, link index), so repeated runs reproduce the same identifiers and
// collisions inside one lab are structurally impossible. UDP ports are the
// one exception: they must be free on the host, so allocation probes them
// and retries past an excluded set.
package alloc

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

// Port allocation bounds.
const (
	PortBase = 20000
	PortMax  = 29999

	// SSHBase is where management SSH host-forward ports start; node index
	// is the offset, so the mapping survives restarts.
	SSHBase = 40000
)

// ErrAllocation is the sentinel for allocator failures.
var ErrAllocation = errors.New("allocation failed")

// AllocationError reports an identifier that could not be assigned.
type AllocationError struct {
	What   string
	Detail string
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %s: %s", e.What, e.Detail)
}

func (e *AllocationError) Unwrap() error { return ErrAllocation }

// PortProbe reports whether a UDP port is free on the host. The default
// binds and immediately releases the port.
type PortProbe func(port int) bool

func defaultProbe(port int) bool {
	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// NIC is one allocated interface attachment on a node.
type NIC struct {
	Slot int    // profile slot index
	Name string // rendered interface name
	MAC  string
	MTU  int
}

// NodePlan carries the identifiers allocated for one node.
type NodePlan struct {
	Node    *topology.Node
	MgmtMAC string
	SSHPort int // host forward to guest port 22, hypervisor nodes only
	NICs    []NIC
}

// NICBySlot returns the allocated NIC for a slot, or nil.
func (p *NodePlan) NICBySlot(slot int) *NIC {
	for i := range p.NICs {
		if p.NICs[i].Slot == slot {
			return &p.NICs[i]
		}
	}
	return nil
}

// LinkPlan carries the realized transport parameters for one link.
type LinkPlan struct {
	Link   *topology.ResolvedLink
	Bridge string // p2p_bridge
	VethA  string // p2p_veth
	VethB  string
	PortA  int // p2p_udp, endpoint A's local port
	PortB  int
}

// Plan is the per-lab identifier allocation record. It is built in one
// synchronous pass before any concurrent work begins and is read-only
// afterwards.
type Plan struct {
	LabID string
	Nodes map[string]*NodePlan
	Links map[int]*LinkPlan
}

// Allocator assigns identifiers for one lab. The zero value is not usable;
// call New.
type Allocator struct {
	probe    PortProbe
	portBase int
	excluded map[int]bool
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe replaces the host port-availability probe.
func WithProbe(p PortProbe) Option {
	return func(a *Allocator) { a.probe = p }
}

// WithPortBase moves the start of the UDP port search window.
func WithPortBase(base int) Option {
	return func(a *Allocator) { a.portBase = base }
}

// WithExcludedPorts seeds ports to skip, e.g. from a prior failed pass.
func WithExcludedPorts(ports ...int) Option {
	return func(a *Allocator) {
		for _, p := range ports {
			a.excluded[p] = true
		}
	}
}

// New returns an Allocator with the default host probe.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		probe:    defaultProbe,
		portBase: PortBase,
		excluded: make(map[int]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate builds the full identifier plan for a validated graph.
func (a *Allocator) Allocate(g *topology.Graph) (*Plan, error) {
	plan := &Plan{
		LabID: g.Lab.ID,
		Nodes: make(map[string]*NodePlan, len(g.Nodes)),
		Links: make(map[int]*LinkPlan, len(g.Links)),
	}

	for _, n := range g.Nodes {
		np := &NodePlan{
			Node:    n,
			MgmtMAC: MAC(g.Lab.ID, n.Index, 0),
		}
		if n.Profile.Kind.Hypervisor() {
			np.SSHPort = SSHBase + n.Index
		}
		lo, hi := n.Profile.InterfaceWindow()
		for slot := lo; slot <= hi; slot++ {
			np.NICs = append(np.NICs, NIC{
				Slot: slot,
				Name: n.Profile.InterfaceName(slot),
				MAC:  MAC(g.Lab.ID, n.Index, slot+1),
				MTU:  n.Profile.InterfaceMTU,
			})
		}
		plan.Nodes[n.Name] = np
	}

	next := a.portBase
	for _, rl := range g.Links {
		lp := &LinkPlan{Link: rl}
		switch rl.Kind {
		case topology.LinkBridge:
			lp.Bridge = BridgeName(g.Lab.ID, rl.Index)
		case topology.LinkVeth:
			lp.VethA, lp.VethB = VethNames(g.Lab.ID, rl.Index)
		case topology.LinkUDP:
			var err error
			lp.PortA, next, err = a.nextPort(next)
			if err != nil {
				return nil, err
			}
			lp.PortB, next, err = a.nextPort(next)
			if err != nil {
				return nil, err
			}
		}
		plan.Links[rl.Index] = lp
	}

	return plan, nil
}

// nextPort finds the first free, non-excluded port at or after from.
func (a *Allocator) nextPort(from int) (port, next int, err error) {
	for p := from; p <= PortMax; p++ {
		if a.excluded[p] {
			continue
		}
		if !a.probe(p) {
			a.excluded[p] = true
			continue
		}
		return p, p + 1, nil
	}
	return 0, 0, &AllocationError{
		What:   "udp port",
		Detail: fmt.Sprintf("no free port in %d..%d", from, PortMax),
	}
}

// MAC derives a deterministic locally-administered MAC address from
// (lab id, node index, interface index). Index 0 is the management
// interface; data slots are offset by one. The 52:54:00 prefix keeps the
// locally-administered bit set.
func MAC(labID string, nodeIndex, ifaceIndex int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s-%d-%d", labID, nodeIndex, ifaceIndex))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// labTag is a short stable tag for kernel object names. Interface names
// are limited to 15 bytes, so the tag is 6 hex chars.
func labTag(labID string) string {
	sum := sha256.Sum256([]byte(labID))
	return fmt.Sprintf("%x", sum[:3])
}

// BridgeName returns the per-link bridge name scoped to the lab.
func BridgeName(labID string, linkIndex int) string {
	return fmt.Sprintf("vl%sb%d", labTag(labID), linkIndex)
}

// VethNames returns the veth pair names scoped to the lab and link.
func VethNames(labID string, linkIndex int) (string, string) {
	tag := labTag(labID)
	return fmt.Sprintf("vl%sv%da", tag, linkIndex), fmt.Sprintf("vl%sv%db", tag, linkIndex)
}

// TunnelBridge returns the per-endpoint bridge name for a UDP link side
// ("a" or "b"). Each side of a p2p_udp link gets its own tiny bridge that
// joins the endpoint interface with its tunnel device.
func TunnelBridge(labID string, linkIndex int, side string) string {
	return fmt.Sprintf("vl%su%d%s", labTag(labID), linkIndex, side)
}

// TunnelDev returns the UDP tunnel device name for a link side.
func TunnelDev(labID string, linkIndex int, side string) string {
	return fmt.Sprintf("vl%sx%d%s", labTag(labID), linkIndex, side)
}

// ContainerVeth returns the helper veth pair used to put a container
// endpoint onto a bridge or UDP segment: host half stays on the host,
// ns half is moved into the container's namespace and renamed.
func ContainerVeth(labID string, linkIndex int, side string) (host, ns string) {
	tag := labTag(labID)
	return fmt.Sprintf("vl%sh%d%s", tag, linkIndex, side),
		fmt.Sprintf("vl%sn%d%s", tag, linkIndex, side)
}
