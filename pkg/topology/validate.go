package topology

import (
	"fmt"

	"github.com/virtlab-network/virtlab/pkg/util"
)

// Graph is a validated, fully-resolved topology: every node carries its
// profile and every link carries node pointers and interface slot indices.
type Graph struct {
	Lab   *Lab
	Nodes map[string]*Node
	Links []*ResolvedLink
}

// ResolvedLink is a link whose endpoints resolved to known nodes and
// interface slots.
type ResolvedLink struct {
	*Link
	NodeA *Node
	NodeB *Node
	SlotA int
	SlotB int
}

// Validate checks a candidate lab against the given profile set and returns
// either a resolved Graph or a ValidationError listing every violation
// found. Validation is pure: it never calls a backend or the store.
//
// Checks, in order: profile references resolve; node names and indices are
// unique within the lab; link endpoints reference existing nodes and
// interface slots inside each profile's declared window; no interface is
// wired by more than one link; link kind is consistent with both endpoint
// node kinds.
func Validate(lab *Lab, profiles map[string]*NodeConfig) (*Graph, error) {
	v := &util.ValidationBuilder{}

	if lab.Name == "" {
		v.AddError("lab name is empty")
	}

	// (a) profile references resolve
	for _, n := range lab.Nodes {
		p, ok := profiles[n.Config]
		if !ok {
			v.AddErrorf("node %s: unknown profile %q", n.Name, n.Config)
			continue
		}
		n.Profile = p
		if p.InterfaceMTU != 0 && (p.InterfaceMTU < MTUFloor || p.InterfaceMTU > p.MTUMax()) {
			v.AddErrorf("node %s: profile %s MTU %d outside %d..%d",
				n.Name, n.Config, p.InterfaceMTU, MTUFloor, p.MTUMax())
		}
	}

	// (b) node names and indices unique within the lab
	byName := make(map[string]*Node, len(lab.Nodes))
	byIndex := make(map[int]string, len(lab.Nodes))
	for _, n := range lab.Nodes {
		if n.Name == "" {
			v.AddError("node with empty name")
			continue
		}
		if _, dup := byName[n.Name]; dup {
			v.AddErrorf("duplicate node name %q", n.Name)
			continue
		}
		byName[n.Name] = n
		if n.Index < 0 || n.Index > maxIndex {
			v.AddErrorf("node %s: index %d outside 0..%d", n.Name, n.Index, maxIndex)
		}
		if prev, dup := byIndex[n.Index]; dup {
			v.AddErrorf("node %s: index %d already used by %s", n.Name, n.Index, prev)
		} else {
			byIndex[n.Index] = n.Name
		}
	}

	// (c) endpoints resolve to nodes and interface slots,
	// (d) no interface double-wired,
	// (e) link kind consistent with endpoint node kinds
	seen := make(map[string]int) // endpoint → link index
	var resolved []*ResolvedLink
	for _, lk := range lab.Links {
		rl := &ResolvedLink{Link: lk, SlotA: -1, SlotB: -1}
		ok := true
		for _, side := range []struct {
			ep   Endpoint
			node **Node
			slot *int
		}{
			{lk.A, &rl.NodeA, &rl.SlotA},
			{lk.B, &rl.NodeB, &rl.SlotB},
		} {
			n, found := byName[side.ep.Node]
			if !found {
				v.AddErrorf("link %d: endpoint %s references unknown node", lk.Index, side.ep)
				ok = false
				continue
			}
			*side.node = n
			if n.Profile == nil {
				ok = false // unresolved profile already reported
				continue
			}
			slot, err := n.Profile.ParseInterface(side.ep.Interface)
			if err != nil {
				v.AddErrorf("link %d: endpoint %s: %v", lk.Index, side.ep, err)
				ok = false
				continue
			}
			*side.slot = slot
		}

		for _, ep := range []Endpoint{lk.A, lk.B} {
			key := ep.String()
			if prev, wired := seen[key]; wired {
				v.AddErrorf("link %d: interface %s already wired by link %d", lk.Index, key, prev)
				ok = false
			} else {
				seen[key] = lk.Index
			}
		}

		switch lk.Kind {
		case LinkBridge, LinkUDP:
			// valid for any mix of VM, unikernel, and container endpoints
		case LinkVeth:
			if rl.NodeA != nil && rl.NodeA.Profile != nil && rl.NodeA.Profile.Kind != KindContainer {
				v.AddErrorf("link %d: %s requires container endpoints, %s is %s",
					lk.Index, LinkVeth, lk.A.Node, rl.NodeA.Profile.Kind)
				ok = false
			}
			if rl.NodeB != nil && rl.NodeB.Profile != nil && rl.NodeB.Profile.Kind != KindContainer {
				v.AddErrorf("link %d: %s requires container endpoints, %s is %s",
					lk.Index, LinkVeth, lk.B.Node, rl.NodeB.Profile.Kind)
				ok = false
			}
		default:
			v.AddErrorf("link %d: unknown kind %q", lk.Index, lk.Kind)
			ok = false
		}

		if ok {
			resolved = append(resolved, rl)
		}
	}

	if v.HasErrors() {
		return nil, v.Build()
	}

	return &Graph{Lab: lab, Nodes: byName, Links: resolved}, nil
}

// LinksFor returns the resolved links that have node as an endpoint.
func (g *Graph) LinksFor(node string) []*ResolvedLink {
	var out []*ResolvedLink
	for _, rl := range g.Links {
		if rl.A.Node == node || rl.B.Node == node {
			out = append(out, rl)
		}
	}
	return out
}

// String summarizes the graph for logging.
func (g *Graph) String() string {
	return fmt.Sprintf("lab %s: %d nodes, %d links", g.Lab.Name, len(g.Nodes), len(g.Links))
}
