package stitch

import (
	"context"
	"errors"
	"testing"

	"github.com/virtlab-network/virtlab/internal/testutil"
	"github.com/virtlab-network/virtlab/pkg/alloc"
	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

const labID = "lab-1"

func linkPlan(kind topology.LinkKind, index int) *alloc.LinkPlan {
	lp := &alloc.LinkPlan{
		Link: &topology.ResolvedLink{
			Link: &topology.Link{Index: index, Kind: kind},
		},
	}
	switch kind {
	case topology.LinkBridge:
		lp.Bridge = alloc.BridgeName(labID, index)
	case topology.LinkVeth:
		lp.VethA, lp.VethB = alloc.VethNames(labID, index)
	case topology.LinkUDP:
		lp.PortA, lp.PortB = 20000, 20001
	}
	return lp
}

func tapEndpoint(dev, name string) Endpoint {
	return Endpoint{
		Iface: backend.InterfaceHandle{HostDev: dev},
		Name:  name,
		MTU:   1500,
	}
}

func netnsEndpoint(node, name string) Endpoint {
	return Endpoint{
		Iface: backend.InterfaceHandle{Node: node, Netns: "container:" + node},
		Name:  name,
		MTU:   1500,
	}
}

func TestStitchBridgeTaps(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	s := New(labID, ops)
	plan := linkPlan(topology.LinkBridge, 0)

	rl, err := s.Stitch(context.Background(), plan, tapEndpoint("tapA", "ge-0-0-1"), tapEndpoint("tapB", "ge-0-0-1"))
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if rl.Bridge != plan.Bridge {
		t.Errorf("realized bridge = %s, want %s", rl.Bridge, plan.Bridge)
	}
	if ops.MasterOf("tapA") != plan.Bridge || ops.MasterOf("tapB") != plan.Bridge {
		t.Errorf("taps not enslaved: A=%s B=%s", ops.MasterOf("tapA"), ops.MasterOf("tapB"))
	}
}

func TestStitchBridgeContainerSide(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	s := New(labID, ops)
	plan := linkPlan(topology.LinkBridge, 0)

	rl, err := s.Stitch(context.Background(), plan, tapEndpoint("tapA", "ge-0-0-1"), netnsEndpoint("ct1", "eth1"))
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}

	// The container side gets a helper veth: host half enslaved, ns half
	// renamed to the guest interface inside the namespace.
	host, _ := alloc.ContainerVeth(labID, 0, "b")
	if ops.MasterOf(host) != plan.Bridge {
		t.Errorf("helper veth %s not enslaved", host)
	}
	found := false
	for _, obj := range ops.Objects() {
		if obj == "container:ct1/eth1" {
			found = true
		}
	}
	if !found {
		t.Errorf("guest interface not present in netns: %v", ops.Objects())
	}
	if len(rl.Veths) != 1 || rl.Veths[0] != host {
		t.Errorf("realized veths = %v", rl.Veths)
	}
}

func TestStitchUDP(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	s := New(labID, ops)
	plan := linkPlan(topology.LinkUDP, 2)

	rl, err := s.Stitch(context.Background(), plan, tapEndpoint("tapA", "ge-0-0-2"), tapEndpoint("tapB", "ge-0-0-2"))
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if rl.PortA != 20000 || rl.PortB != 20001 {
		t.Errorf("ports = %d/%d", rl.PortA, rl.PortB)
	}
	if len(rl.Tunnels) != 2 {
		t.Fatalf("tunnels = %v, want one per side", rl.Tunnels)
	}

	// Each side is a mini bridge joining the endpoint and its tunnel.
	for _, side := range []string{"a", "b"} {
		tbr := alloc.TunnelBridge(labID, 2, side)
		tun := alloc.TunnelDev(labID, 2, side)
		if ops.MasterOf(tun) != tbr {
			t.Errorf("tunnel %s not on bridge %s", tun, tbr)
		}
	}
	if ops.MasterOf("tapA") != alloc.TunnelBridge(labID, 2, "a") {
		t.Errorf("tapA on %s", ops.MasterOf("tapA"))
	}
}

func TestStitchVeth(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	s := New(labID, ops)
	plan := linkPlan(topology.LinkVeth, 1)

	a, b := netnsEndpoint("ct1", "eth1"), netnsEndpoint("ct2", "eth1")
	rl, err := s.Stitch(context.Background(), plan, a, b)
	if err != nil {
		t.Fatalf("Stitch() error = %v", err)
	}
	if len(rl.Veths) != 2 {
		t.Errorf("realized veths = %v", rl.Veths)
	}

	objs := ops.Objects()
	want := map[string]bool{"container:ct1/eth1": false, "container:ct2/eth1": false}
	for _, obj := range objs {
		if _, ok := want[obj]; ok {
			want[obj] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing %s after stitch: %v", name, objs)
		}
	}
}

func TestUnstitchLeavesNothing(t *testing.T) {
	tests := []struct {
		name string
		kind topology.LinkKind
		a, b Endpoint
	}{
		{"bridge", topology.LinkBridge, tapEndpoint("tapA", "ge-0-0-1"), netnsEndpoint("ct1", "eth1")},
		{"udp", topology.LinkUDP, tapEndpoint("tapA", "ge-0-0-1"), tapEndpoint("tapB", "ge-0-0-1")},
		{"veth", topology.LinkVeth, netnsEndpoint("ct1", "eth1"), netnsEndpoint("ct2", "eth1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := testutil.NewFakeNetOps()
			s := New(labID, ops)
			plan := linkPlan(tt.kind, 0)

			if _, err := s.Stitch(context.Background(), plan, tt.a, tt.b); err != nil {
				t.Fatalf("Stitch() error = %v", err)
			}
			if err := s.Unstitch(context.Background(), plan, tt.a, tt.b); err != nil {
				t.Fatalf("Unstitch() error = %v", err)
			}
			if objs := ops.Objects(); len(objs) != 0 {
				t.Errorf("objects left after unstitch: %v", objs)
			}
		})
	}
}

func TestUnstitchNeverStitched(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	s := New(labID, ops)
	plan := linkPlan(topology.LinkBridge, 0)

	// Zero endpoints: the nodes never became attachable.
	if err := s.Unstitch(context.Background(), plan, Endpoint{}, Endpoint{}); err != nil {
		t.Fatalf("Unstitch() error = %v", err)
	}
}

func TestStitchFailureSurfacesStep(t *testing.T) {
	ops := testutil.NewFakeNetOps()
	plan := linkPlan(topology.LinkBridge, 0)
	ops.FailOn[plan.Bridge] = true
	s := New(labID, ops)

	_, err := s.Stitch(context.Background(), plan, tapEndpoint("tapA", "x"), tapEndpoint("tapB", "x"))
	if err == nil {
		t.Fatal("Stitch() succeeded with a failing bridge")
	}
	var serr *StitchError
	if !errors.As(err, &serr) {
		t.Fatalf("error %T is not a StitchError", err)
	}
	if serr.LinkIndex != 0 {
		t.Errorf("LinkIndex = %d", serr.LinkIndex)
	}
}
