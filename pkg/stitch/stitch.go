// Package stitch realizes declared links as concrete kernel network
// objects. Three strategies: a dedicated bridge per link, a pair of UDP
// tunnel endpoints, or a veth pair moved into container namespaces. Every
// sub-step is idempotent and teardown checks current state before acting,
// so partially stitched links can always be torn down safely.
package stitch

import (
	"context"
	"errors"
	"fmt"

	"github.com/virtlab-network/virtlab/pkg/alloc"
	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// ErrStitch is the sentinel for link realization failures.
var ErrStitch = errors.New("stitch failed")

// StitchError reports a link that could not be realized or torn down.
type StitchError struct {
	LinkIndex int
	Step      string
	Err       error
}

func (e *StitchError) Error() string {
	return fmt.Sprintf("stitch link %d: %s: %v", e.LinkIndex, e.Step, e.Err)
}

func (e *StitchError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrStitch
}

// Endpoint is one side of a link as exposed by its node's backend.
type Endpoint struct {
	Iface backend.InterfaceHandle
	Name  string // guest-visible interface name
	MTU   int
}

// RealizedLink records the kernel objects a stitched link consists of.
type RealizedLink struct {
	Index   int               `json:"index"`
	Kind    topology.LinkKind `json:"kind"`
	Bridge  string            `json:"bridge,omitempty"`
	Veths   []string          `json:"veths,omitempty"`
	Tunnels []string          `json:"tunnels,omitempty"`
	PortA   int               `json:"port_a,omitempty"`
	PortB   int               `json:"port_b,omitempty"`
}

// Stitcher realizes links through a NetOps implementation.
type Stitcher struct {
	ops   NetOps
	labID string
}

// New returns a Stitcher for one lab.
func New(labID string, ops NetOps) *Stitcher {
	return &Stitcher{ops: ops, labID: labID}
}

// Stitch realizes the link. Both endpoints must have reached
// InterfacesReady; the coordinator enforces that ordering.
func (s *Stitcher) Stitch(ctx context.Context, plan *alloc.LinkPlan, a, b Endpoint) (*RealizedLink, error) {
	idx := plan.Link.Index
	util.WithLink(s.labID, idx).WithField("kind", plan.Link.Kind).Debug("stitching")

	switch plan.Link.Kind {
	case topology.LinkBridge:
		return s.stitchBridge(ctx, plan, a, b)
	case topology.LinkUDP:
		return s.stitchUDP(ctx, plan, a, b)
	case topology.LinkVeth:
		return s.stitchVeth(ctx, plan, a, b)
	default:
		return nil, &StitchError{LinkIndex: idx, Step: "dispatch",
			Err: fmt.Errorf("unknown link kind %q", plan.Link.Kind)}
	}
}

// stitchBridge joins both endpoint interfaces on a dedicated bridge.
func (s *Stitcher) stitchBridge(ctx context.Context, plan *alloc.LinkPlan, a, b Endpoint) (*RealizedLink, error) {
	idx := plan.Link.Index
	rl := &RealizedLink{Index: idx, Kind: topology.LinkBridge, Bridge: plan.Bridge}

	if err := s.ops.EnsureBridge(ctx, plan.Bridge); err != nil {
		return nil, &StitchError{LinkIndex: idx, Step: "bridge " + plan.Bridge, Err: err}
	}
	for _, side := range []struct {
		ep   Endpoint
		name string
	}{{a, "a"}, {b, "b"}} {
		if err := s.attach(ctx, rl, plan.Bridge, side.ep, idx, side.name); err != nil {
			return nil, err
		}
	}
	return rl, nil
}

// stitchUDP binds each endpoint to a UDP tunnel terminating at the peer's
// allocated port. Each side gets its own small bridge joining the endpoint
// interface with its tunnel device, so either side may be stitched first.
func (s *Stitcher) stitchUDP(ctx context.Context, plan *alloc.LinkPlan, a, b Endpoint) (*RealizedLink, error) {
	idx := plan.Link.Index
	rl := &RealizedLink{Index: idx, Kind: topology.LinkUDP, PortA: plan.PortA, PortB: plan.PortB}

	sides := []struct {
		ep         Endpoint
		name       string
		local, rem int
	}{
		{a, "a", plan.PortA, plan.PortB},
		{b, "b", plan.PortB, plan.PortA},
	}
	for _, side := range sides {
		br := alloc.TunnelBridge(s.labID, idx, side.name)
		if err := s.ops.EnsureBridge(ctx, br); err != nil {
			return nil, &StitchError{LinkIndex: idx, Step: "bridge " + br, Err: err}
		}
		tun := alloc.TunnelDev(s.labID, idx, side.name)
		if err := s.ops.EnsureTunnel(ctx, tun, idx, side.local, "127.0.0.1", side.rem); err != nil {
			return nil, &StitchError{LinkIndex: idx, Step: "tunnel " + tun, Err: err}
		}
		if err := s.ops.SetMaster(ctx, tun, br); err != nil {
			return nil, &StitchError{LinkIndex: idx, Step: "enslave " + tun, Err: err}
		}
		rl.Tunnels = append(rl.Tunnels, tun)
		if err := s.attach(ctx, rl, br, side.ep, idx, side.name); err != nil {
			return nil, err
		}
	}
	return rl, nil
}

// stitchVeth creates a veth pair and moves each half into the
// corresponding container namespace under the guest interface name.
// The validator guarantees both endpoints are container-backed.
func (s *Stitcher) stitchVeth(ctx context.Context, plan *alloc.LinkPlan, a, b Endpoint) (*RealizedLink, error) {
	idx := plan.Link.Index
	rl := &RealizedLink{Index: idx, Kind: topology.LinkVeth, Veths: []string{plan.VethA, plan.VethB}}

	if err := s.ops.EnsureVeth(ctx, plan.VethA, plan.VethB); err != nil {
		return nil, &StitchError{LinkIndex: idx, Step: "veth " + plan.VethA, Err: err}
	}
	if err := s.ops.MoveToNetns(ctx, plan.VethA, a.Iface.Netns, a.Name, a.MTU); err != nil {
		return nil, &StitchError{LinkIndex: idx, Step: "move " + plan.VethA, Err: err}
	}
	if err := s.ops.MoveToNetns(ctx, plan.VethB, b.Iface.Netns, b.Name, b.MTU); err != nil {
		return nil, &StitchError{LinkIndex: idx, Step: "move " + plan.VethB, Err: err}
	}
	return rl, nil
}

// attach puts one endpoint interface onto a bridge. Tap-backed endpoints
// are enslaved directly; container endpoints get a helper veth pair with
// the host half on the bridge and the ns half renamed inside the netns.
func (s *Stitcher) attach(ctx context.Context, rl *RealizedLink, bridge string, ep Endpoint, idx int, side string) error {
	if ep.Iface.HostDev != "" {
		if err := s.ops.SetMaster(ctx, ep.Iface.HostDev, bridge); err != nil {
			return &StitchError{LinkIndex: idx, Step: "enslave " + ep.Iface.HostDev, Err: err}
		}
		return nil
	}

	host, ns := alloc.ContainerVeth(s.labID, idx, side)
	if err := s.ops.EnsureVeth(ctx, host, ns); err != nil {
		return &StitchError{LinkIndex: idx, Step: "veth " + host, Err: err}
	}
	if err := s.ops.MoveToNetns(ctx, ns, ep.Iface.Netns, ep.Name, ep.MTU); err != nil {
		return &StitchError{LinkIndex: idx, Step: "move " + ns, Err: err}
	}
	if err := s.ops.SetMaster(ctx, host, bridge); err != nil {
		return &StitchError{LinkIndex: idx, Step: "enslave " + host, Err: err}
	}
	rl.Veths = append(rl.Veths, host)
	return nil
}

// Unstitch tears down whatever the link's stitch may have created. It is
// safe to call for links that were never stitched or only partially
// stitched: every deletion tolerates an already-absent object. The
// endpoints may be zero-valued when their nodes never reached
// InterfacesReady. Errors are collected, not short-circuited.
func (s *Stitcher) Unstitch(ctx context.Context, plan *alloc.LinkPlan, a, b Endpoint) error {
	idx := plan.Link.Index
	var errs []error
	del := func(name string) {
		if name == "" {
			return
		}
		if err := s.ops.Delete(ctx, name); err != nil {
			errs = append(errs, &StitchError{LinkIndex: idx, Step: "delete " + name, Err: err})
		}
	}

	switch plan.Link.Kind {
	case topology.LinkBridge:
		for _, side := range []string{"a", "b"} {
			host, _ := alloc.ContainerVeth(s.labID, idx, side)
			del(host)
		}
		del(plan.Bridge)
	case topology.LinkUDP:
		for _, side := range []string{"a", "b"} {
			host, _ := alloc.ContainerVeth(s.labID, idx, side)
			del(host)
			del(alloc.TunnelDev(s.labID, idx, side))
			del(alloc.TunnelBridge(s.labID, idx, side))
		}
	case topology.LinkVeth:
		// Once moved, the halves live inside the container namespaces
		// under the guest interface names; deleting one half removes the
		// pair. The host-side deletes cover a pair created but never
		// moved. All deletes tolerate absence.
		for _, side := range []struct {
			ep Endpoint
		}{{a}, {b}} {
			if side.ep.Iface.Netns != "" && side.ep.Name != "" {
				if err := s.ops.DeleteInNetns(ctx, side.ep.Iface.Netns, side.ep.Name); err != nil {
					errs = append(errs, &StitchError{LinkIndex: idx,
						Step: "delete " + side.ep.Name + " in " + side.ep.Iface.Netns, Err: err})
				}
			}
		}
		del(plan.VethA)
		del(plan.VethB)
	}

	return errors.Join(errs...)
}
