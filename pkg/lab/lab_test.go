package lab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/virtlab-network/virtlab/internal/testutil"
	"github.com/virtlab-network/virtlab/pkg/alloc"
	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/lifecycle"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

func testLab() *topology.Lab {
	return &topology.Lab{
		ID:    "adad1dea-0000-4000-8000-000000000001",
		Name:  "pair",
		Owner: "alice",
		Nodes: []*topology.Node{
			{Name: "dev01", Index: 0, Config: "vjunos:virtual_machine"},
			{Name: "dev02", Index: 1, Config: "frr:container"},
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
}

func testCoordinator() (*Coordinator, *testutil.FakeBackend, *testutil.FakeNetOps) {
	be := testutil.NewFakeBackend()
	no := testutil.NewFakeNetOps()
	c := NewCoordinator(
		backend.Set{Hypervisor: be, Container: be},
		no,
		WithAllocator(alloc.New(alloc.WithProbe(func(int) bool { return true }))),
		WithWorkers(2),
	)
	return c, be, no
}

func TestUpActive(t *testing.T) {
	c, be, _ := testCoordinator()

	d, err := c.Up(context.Background(), testLab(), testutil.Profiles(), UpOptions{})
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if d.State != Active {
		t.Errorf("state = %s, want %s", d.State, Active)
	}
	if !d.Healthy() {
		t.Error("deployment not healthy")
	}
	for _, name := range []string{"dev01", "dev02"} {
		if s := d.NodeState(name); s != lifecycle.Running {
			t.Errorf("node %s state = %s, want %s", name, s, lifecycle.Running)
		}
		if !be.Running(name) {
			t.Errorf("backend node %s not started", name)
		}
	}
	if len(d.Links) != 2 {
		t.Errorf("realized links = %d, want 2", len(d.Links))
	}
	if len(d.Handles()) != 2 {
		t.Errorf("persistable handles = %d, want 2", len(d.Handles()))
	}
}

func TestUpDestroyLeavesNothing(t *testing.T) {
	c, be, no := testCoordinator()
	ctx := context.Background()

	d, err := c.Up(ctx, testLab(), testutil.Profiles(), UpOptions{})
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if len(no.Objects()) == 0 {
		t.Fatal("bring-up created no kernel objects")
	}

	if err := c.Destroy(ctx, d); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if d.State != Destroyed {
		t.Errorf("state = %s, want %s", d.State, Destroyed)
	}
	if live := be.Live(); len(live) != 0 {
		t.Errorf("backend nodes left: %v", live)
	}
	if objs := no.Objects(); len(objs) != 0 {
		t.Errorf("kernel objects left: %v", objs)
	}

	// Repeated destroy is a no-op success.
	if err := c.Destroy(ctx, d); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
}

func TestUpNodeFailureDegradesLab(t *testing.T) {
	c, be, no := testCoordinator()
	be.FailCreate["dev01"] = true
	ctx := context.Background()

	d, err := c.Up(ctx, testLab(), testutil.Profiles(), UpOptions{})
	if err == nil {
		t.Fatal("Up() succeeded with failing node")
	}
	if d == nil {
		t.Fatal("Up() returned no deployment for partial failure")
	}
	if d.State != Degraded {
		t.Errorf("state = %s, want %s", d.State, Degraded)
	}
	if s := d.NodeState("dev01"); s != lifecycle.Failed {
		t.Errorf("dev01 state = %s, want %s", s, lifecycle.Failed)
	}
	// The sibling is unaffected.
	if s := d.NodeState("dev02"); s != lifecycle.Running {
		t.Errorf("dev02 state = %s, want %s", s, lifecycle.Running)
	}

	// Both links touch dev01, so both are skipped without kernel work.
	if len(d.LinkErrs) != 2 {
		t.Fatalf("link errors = %v, want both links skipped", d.LinkErrs)
	}
	for idx, lerr := range d.LinkErrs {
		if !strings.Contains(lerr.Error(), "skipped") {
			t.Errorf("link %d error = %v, want skip", idx, lerr)
		}
	}
	if objs := no.Objects(); len(objs) != 0 {
		t.Errorf("skipped links created kernel objects: %v", objs)
	}

	if err := c.Destroy(ctx, d); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if live := be.Live(); len(live) != 0 {
		t.Errorf("backend nodes left: %v", live)
	}
}

func containerPairLab() *topology.Lab {
	return &topology.Lab{
		ID:    "adad1dea-0000-4000-8000-000000000002",
		Name:  "ctpair",
		Owner: "alice",
		Nodes: []*topology.Node{
			{Name: "ct1", Index: 0, Config: "frr:container"},
			{Name: "ct2", Index: 1, Config: "frr:container"},
		},
		Links: []*topology.Link{
			{Index: 0, Kind: topology.LinkVeth,
				A: topology.Endpoint{Node: "ct1", Interface: "eth1"},
				B: topology.Endpoint{Node: "ct2", Interface: "eth1"}},
		},
	}
}

func TestUpDestroyVethContainerPair(t *testing.T) {
	c, be, no := testCoordinator()
	ctx := context.Background()

	d, err := c.Up(ctx, containerPairLab(), testutil.Profiles(), UpOptions{})
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if d.State != Active {
		t.Errorf("state = %s, want %s", d.State, Active)
	}
	for _, name := range []string{"ct1", "ct2"} {
		if s := d.NodeState(name); s != lifecycle.Running {
			t.Errorf("node %s state = %s, want %s", name, s, lifecycle.Running)
		}
	}
	rl := d.Links[0]
	if rl == nil || len(rl.Veths) != 2 {
		t.Fatalf("veth link not realized: %+v", rl)
	}

	// Link teardown runs before any node is destroyed: by the time a
	// container's destroy call arrives, the veth pair must be gone.
	var (
		mu    sync.Mutex
		dirty []string
	)
	be.DestroyHook = func(node string) {
		mu.Lock()
		defer mu.Unlock()
		if objs := no.Objects(); len(objs) != 0 {
			dirty = append(dirty, fmt.Sprintf("%s destroyed with %v present", node, objs))
		}
	}

	if err := c.Destroy(ctx, d); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if len(dirty) != 0 {
		t.Errorf("kernel objects outlived link teardown: %v", dirty)
	}
	if live := be.Live(); len(live) != 0 {
		t.Errorf("backend nodes left: %v", live)
	}
	if objs := no.Objects(); len(objs) != 0 {
		t.Errorf("kernel objects left: %v", objs)
	}
}

func TestUpCancelMidFlightSkipsLinks(t *testing.T) {
	c, be, no := testCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the first node's start call is still in flight. The
	// in-flight work runs to completion, but no link may be stitched
	// afterwards.
	var once sync.Once
	be.StartHook = func(string) { once.Do(cancel) }

	d, err := c.Up(ctx, testLab(), testutil.Profiles(), UpOptions{})
	if err == nil {
		t.Fatal("Up() succeeded under cancelled context")
	}
	if d.State != Degraded {
		t.Errorf("state = %s, want %s", d.State, Degraded)
	}

	if len(d.Links) != 0 {
		t.Errorf("links stitched after cancel: %v", d.Links)
	}
	if len(d.LinkErrs) != 2 {
		t.Fatalf("link errors = %v, want both links skipped", d.LinkErrs)
	}
	for idx, lerr := range d.LinkErrs {
		if !strings.Contains(lerr.Error(), "not scheduled") {
			t.Errorf("link %d error = %v, want scheduling skip", idx, lerr)
		}
	}
	if calls := no.Calls(); len(calls) != 0 {
		t.Errorf("kernel work after cancel: %v", calls)
	}

	if err := c.Destroy(context.Background(), d); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if live := be.Live(); len(live) != 0 {
		t.Errorf("backend nodes left: %v", live)
	}
}

func TestUpCancelledSchedulesNothing(t *testing.T) {
	c, be, _ := testCoordinator()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := c.Up(ctx, testLab(), testutil.Profiles(), UpOptions{})
	if err == nil {
		t.Fatal("Up() succeeded with cancelled context")
	}
	if d.State != Degraded {
		t.Errorf("state = %s, want %s", d.State, Degraded)
	}
	for _, call := range be.Calls() {
		if strings.HasPrefix(call, "create") {
			t.Fatalf("backend work scheduled after cancel: %s", call)
		}
	}
}

func TestAdoptDestroy(t *testing.T) {
	c, be, no := testCoordinator()
	ctx := context.Background()
	topo := testLab()

	d, err := c.Up(ctx, topo, testutil.Profiles(), UpOptions{})
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	handles := d.Handles()

	// A later process sees only the persisted record. Allocation is
	// deterministic, so the adopted deployment regenerates every kernel
	// object name.
	c2 := NewCoordinator(
		backend.Set{Hypervisor: be, Container: be},
		no,
		WithAllocator(alloc.New(alloc.WithProbe(func(int) bool { return true }))),
	)

	adopted, err := c2.Adopt(ctx, topo, testutil.Profiles(), handles)
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	if s := adopted.NodeState("dev01"); s != lifecycle.Running {
		t.Errorf("adopted dev01 state = %s, want %s", s, lifecycle.Running)
	}

	if err := c2.Destroy(ctx, adopted); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if live := be.Live(); len(live) != 0 {
		t.Errorf("backend nodes left: %v", live)
	}
	if objs := no.Objects(); len(objs) != 0 {
		t.Errorf("kernel objects left: %v", objs)
	}
}

func TestAdoptMissingHandle(t *testing.T) {
	c, _, _ := testCoordinator()

	adopted, err := c.Adopt(context.Background(), testLab(), testutil.Profiles(),
		map[string]backend.Handle{})
	if err != nil {
		t.Fatalf("Adopt() error = %v", err)
	}
	for _, name := range []string{"dev01", "dev02"} {
		if s := adopted.NodeState(name); s != lifecycle.Destroyed {
			t.Errorf("node %s state = %s, want %s", name, s, lifecycle.Destroyed)
		}
	}
	if err := c.Destroy(context.Background(), adopted); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
}
