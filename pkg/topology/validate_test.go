package topology

import (
	"errors"
	"strings"
	"testing"

	"github.com/virtlab-network/virtlab/pkg/util"
)

func vmProfile() *NodeConfig {
	return &NodeConfig{
		Model:               "vsrx",
		Kind:                KindVirtualMachine,
		Version:             "23.2",
		CPUCount:            2,
		MemoryMB:            4096,
		Image:               "/images/vsrx.qcow2",
		ZTPEnable:           true,
		ZTPMethod:           ZTPCloudInit,
		ZTPUsername:         "admin",
		DataInterfaceCount:  4,
		InterfacePrefix:     "ge-0-0-",
		InterfaceMTU:        1500,
		FirstInterfaceIndex: 0,
		DedicatedManagement: true,
		ManagementInterface: "fxp0",
	}
}

func containerProfile() *NodeConfig {
	return &NodeConfig{
		Model:               "frr",
		Kind:                KindContainer,
		Version:             "9.1",
		CPUCount:            1,
		MemoryMB:            512,
		Image:               "frr:9.1",
		DataInterfaceCount:  8,
		InterfacePrefix:     "eth",
		InterfaceMTU:        1500,
		FirstInterfaceIndex: 1,
		ManagementInterface: "eth0",
	}
}

func testProfiles() map[string]*NodeConfig {
	vm, ct := vmProfile(), containerProfile()
	return map[string]*NodeConfig{vm.Key(): vm, ct.Key(): ct}
}

func twoNodeLab() *Lab {
	return &Lab{
		ID:    "lab-1",
		Name:  "pair",
		Owner: "alice",
		Nodes: []*Node{
			{Name: "dev01", Index: 0, Config: "vsrx:virtual_machine"},
			{Name: "dev02", Index: 1, Config: "frr:container"},
		},
		Links: []*Link{
			{Index: 0, Kind: LinkBridge,
				A: Endpoint{Node: "dev01", Interface: "ge-0-0-1"},
				B: Endpoint{Node: "dev02", Interface: "eth2"}},
		},
	}
}

func TestValidateResolvesGraph(t *testing.T) {
	g, err := Validate(twoNodeLab(), testProfiles())
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(g.Nodes) != 2 || len(g.Links) != 1 {
		t.Fatalf("got %d nodes, %d links; want 2, 1", len(g.Nodes), len(g.Links))
	}

	rl := g.Links[0]
	if rl.NodeA.Name != "dev01" || rl.SlotA != 1 {
		t.Errorf("side A = %s slot %d, want dev01 slot 1", rl.NodeA.Name, rl.SlotA)
	}
	if rl.NodeB.Name != "dev02" || rl.SlotB != 2 {
		t.Errorf("side B = %s slot %d, want dev02 slot 2", rl.NodeB.Name, rl.SlotB)
	}
	if g.Nodes["dev01"].Profile == nil {
		t.Error("dev01 profile not resolved")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Lab)
		wantMsg string
	}{
		{
			name:    "unknown profile",
			mutate:  func(l *Lab) { l.Nodes[0].Config = "nope:virtual_machine" },
			wantMsg: "unknown profile",
		},
		{
			name:    "duplicate node name",
			mutate:  func(l *Lab) { l.Nodes[1].Name = "dev01" },
			wantMsg: "duplicate node name",
		},
		{
			name:    "duplicate node index",
			mutate:  func(l *Lab) { l.Nodes[1].Index = 0 },
			wantMsg: "already used",
		},
		{
			name:    "index out of range",
			mutate:  func(l *Lab) { l.Nodes[1].Index = 70000 },
			wantMsg: "outside 0..65535",
		},
		{
			name:    "unknown endpoint node",
			mutate:  func(l *Lab) { l.Links[0].A.Node = "ghost" },
			wantMsg: "unknown node",
		},
		{
			name:    "interface outside window",
			mutate:  func(l *Lab) { l.Links[0].A.Interface = "ge-0-0-9" },
			wantMsg: "outside slots",
		},
		{
			name:    "management interface wired",
			mutate:  func(l *Lab) { l.Links[0].B.Interface = "eth0" },
			wantMsg: "management interface",
		},
		{
			name: "interface double-wired",
			mutate: func(l *Lab) {
				l.Links = append(l.Links, &Link{Index: 1, Kind: LinkBridge,
					A: Endpoint{Node: "dev01", Interface: "ge-0-0-1"},
					B: Endpoint{Node: "dev02", Interface: "eth3"}})
			},
			wantMsg: "already wired",
		},
		{
			name:    "veth needs containers on both ends",
			mutate:  func(l *Lab) { l.Links[0].Kind = LinkVeth },
			wantMsg: "p2p_veth",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := twoNodeLab()
			tt.mutate(l)

			_, err := Validate(l, testProfiles())
			if err == nil {
				t.Fatal("Validate() accepted an invalid lab")
			}
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("error %v does not unwrap to ErrValidationFailed", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q missing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidateReportsAllViolations(t *testing.T) {
	l := twoNodeLab()
	l.Nodes[0].Config = "nope:virtual_machine"
	l.Nodes[1].Index = 70000

	_, err := Validate(l, testProfiles())
	var verr *util.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() error = %T, want *util.ValidationError", err)
	}
	if len(verr.Errors) < 2 {
		t.Errorf("got %d violations, want at least 2: %v", len(verr.Errors), verr.Errors)
	}
}

func TestValidateVethContainerPair(t *testing.T) {
	l := &Lab{
		ID: "lab-2", Name: "ctpair", Owner: "alice",
		Nodes: []*Node{
			{Name: "ct1", Index: 0, Config: "frr:container"},
			{Name: "ct2", Index: 1, Config: "frr:container"},
		},
		Links: []*Link{
			{Index: 0, Kind: LinkVeth,
				A: Endpoint{Node: "ct1", Interface: "eth1"},
				B: Endpoint{Node: "ct2", Interface: "eth1"}},
		},
	}
	if _, err := Validate(l, testProfiles()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateMTUBounds(t *testing.T) {
	profiles := testProfiles()
	bad := vmProfile()
	bad.Model = "tiny"
	bad.InterfaceMTU = 100
	profiles[bad.Key()] = bad

	l := twoNodeLab()
	l.Nodes[0].Config = bad.Key()

	_, err := Validate(l, profiles)
	if err == nil || !strings.Contains(err.Error(), "MTU") {
		t.Fatalf("Validate() = %v, want MTU violation", err)
	}
}

func TestLinksFor(t *testing.T) {
	g, err := Validate(twoNodeLab(), testProfiles())
	if err != nil {
		t.Fatal(err)
	}
	if got := len(g.LinksFor("dev01")); got != 1 {
		t.Errorf("LinksFor(dev01) = %d links, want 1", got)
	}
	if got := len(g.LinksFor("ghost")); got != 0 {
		t.Errorf("LinksFor(ghost) = %d links, want 0", got)
	}
}
