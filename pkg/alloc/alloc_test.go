package alloc

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

func testGraph(t *testing.T) *topology.Graph {
	t.Helper()

	vm := &topology.NodeConfig{
		Model: "vsrx", Kind: topology.KindVirtualMachine, Version: "23.2",
		DataInterfaceCount: 4, InterfacePrefix: "ge-0-0-", InterfaceMTU: 1500,
		ManagementInterface: "fxp0",
	}
	ct := &topology.NodeConfig{
		Model: "frr", Kind: topology.KindContainer, Version: "9.1",
		DataInterfaceCount: 8, InterfacePrefix: "eth", InterfaceMTU: 1500,
		FirstInterfaceIndex: 1, ManagementInterface: "eth0",
	}
	lab := &topology.Lab{
		ID: "f0e1d2c3", Name: "pair", Owner: "alice",
		Nodes: []*topology.Node{
			{Name: "dev01", Index: 0, Config: vm.Key()},
			{Name: "dev02", Index: 1, Config: ct.Key()},
		},
		Links: []*topology.Link{
			{Index: 0, Kind: topology.LinkBridge,
				A: topology.Endpoint{Node: "dev01", Interface: "ge-0-0-1"},
				B: topology.Endpoint{Node: "dev02", Interface: "eth2"}},
			{Index: 1, Kind: topology.LinkUDP,
				A: topology.Endpoint{Node: "dev01", Interface: "ge-0-0-2"},
				B: topology.Endpoint{Node: "dev02", Interface: "eth3"}},
		},
	}
	g, err := topology.Validate(lab, map[string]*topology.NodeConfig{vm.Key(): vm, ct.Key(): ct})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	return g
}

func alwaysFree(port int) bool { return true }

func TestMACDeterministic(t *testing.T) {
	a := MAC("lab-1", 3, 1)
	b := MAC("lab-1", 3, 1)
	if a != b {
		t.Fatalf("MAC not deterministic: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "52:54:00:") {
		t.Errorf("MAC %s missing 52:54:00 prefix", a)
	}

	// Distinct inputs must give distinct addresses.
	seen := map[string]string{}
	for node := 0; node < 4; node++ {
		for iface := 0; iface < 4; iface++ {
			m := MAC("lab-1", node, iface)
			if prev, dup := seen[m]; dup {
				t.Fatalf("MAC collision: %s for both %s and %d/%d", m, prev, node, iface)
			}
			seen[m] = m
		}
	}
	if MAC("lab-1", 0, 0) == MAC("lab-2", 0, 0) {
		t.Error("MAC ignores lab id")
	}
}

func TestKernelNamesFitIfNameSize(t *testing.T) {
	labID := "3c34b2fe-9f1a-4e52-8c10-aaaaaaaaaaaa"
	names := []string{
		BridgeName(labID, 99),
		TunnelBridge(labID, 99, "a"),
		TunnelDev(labID, 99, "b"),
	}
	va, vb := VethNames(labID, 99)
	names = append(names, va, vb)
	host, ns := ContainerVeth(labID, 99, "a")
	names = append(names, host, ns)

	for _, name := range names {
		if len(name) > 15 {
			t.Errorf("name %q is %d bytes, exceeds IFNAMSIZ", name, len(name))
		}
	}
}

func TestKernelNamesScopedToLab(t *testing.T) {
	if BridgeName("lab-1", 0) == BridgeName("lab-2", 0) {
		t.Error("bridge names collide across labs")
	}
	if BridgeName("lab-1", 0) == BridgeName("lab-1", 1) {
		t.Error("bridge names collide across links")
	}
}

func TestAllocate(t *testing.T) {
	g := testGraph(t)
	a := New(WithProbe(alwaysFree))

	plan, err := a.Allocate(g)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	np := plan.Nodes["dev01"]
	if np == nil {
		t.Fatal("no plan for dev01")
	}
	if np.MgmtMAC != MAC(g.Lab.ID, 0, 0) {
		t.Errorf("mgmt MAC = %s", np.MgmtMAC)
	}
	if len(np.NICs) != 4 {
		t.Fatalf("dev01 NICs = %d, want 4", len(np.NICs))
	}
	if nic := np.NICBySlot(1); nic == nil || nic.Name != "ge-0-0-1" || nic.MAC != MAC(g.Lab.ID, 0, 2) {
		t.Errorf("slot 1 NIC = %+v", nic)
	}
	if np.SSHPort != SSHBase {
		t.Errorf("dev01 ssh port = %d, want %d", np.SSHPort, SSHBase)
	}

	// Container window starts at 1: eth0 stays unallocated.
	ct := plan.Nodes["dev02"]
	if ct.SSHPort != 0 {
		t.Errorf("container got ssh forward port %d", ct.SSHPort)
	}
	if ct.NICBySlot(0) != nil {
		t.Error("dev02 slot 0 allocated over the management interface")
	}
	if len(ct.NICs) != 8 {
		t.Errorf("dev02 NICs = %d, want 8", len(ct.NICs))
	}

	bridge := plan.Links[0]
	if bridge.Bridge != BridgeName(g.Lab.ID, 0) {
		t.Errorf("link 0 bridge = %s", bridge.Bridge)
	}
	udp := plan.Links[1]
	if udp.PortA != PortBase || udp.PortB != PortBase+1 {
		t.Errorf("udp ports = %d/%d, want %d/%d", udp.PortA, udp.PortB, PortBase, PortBase+1)
	}
}

func TestAllocateSkipsBusyAndExcludedPorts(t *testing.T) {
	g := testGraph(t)
	busy := map[int]bool{PortBase + 1: true}
	a := New(
		WithProbe(func(port int) bool { return !busy[port] }),
		WithExcludedPorts(PortBase),
	)

	plan, err := a.Allocate(g)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	udp := plan.Links[1]
	if udp.PortA != PortBase+2 || udp.PortB != PortBase+3 {
		t.Errorf("udp ports = %d/%d, want %d/%d", udp.PortA, udp.PortB, PortBase+2, PortBase+3)
	}
}

func TestAllocatePortExhaustion(t *testing.T) {
	g := testGraph(t)
	a := New(WithProbe(func(port int) bool { return false }))

	if _, err := a.Allocate(g); err == nil {
		t.Fatal("Allocate() succeeded with no free ports")
	}

	// Only the very first port is free: the second endpoint of the UDP
	// link exhausts, and the error names the window actually searched.
	a = New(WithProbe(func(port int) bool { return port == PortBase }))
	_, err := a.Allocate(g)
	if err == nil {
		t.Fatal("Allocate() succeeded with one free port for a port pair")
	}
	var allocErr *AllocationError
	if !errors.As(err, &allocErr) {
		t.Fatalf("Allocate() error = %v, want *AllocationError", err)
	}
	want := fmt.Sprintf("%d..%d", PortBase+1, PortMax)
	if !strings.Contains(allocErr.Detail, want) {
		t.Errorf("exhaustion detail %q does not name searched window %s", allocErr.Detail, want)
	}
}
