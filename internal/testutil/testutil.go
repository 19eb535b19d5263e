// Package testutil provides in-memory fakes for the backend and kernel
// network surfaces. Both keep ledgers of every object they create so tests
// can assert that teardown leaves nothing behind.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

// FakeBackend records backend calls without touching the host. The
// zero value is not usable; call NewFakeBackend.
type FakeBackend struct {
	mu sync.Mutex

	// FailCreate lists node names whose Create call should fail.
	FailCreate map[string]bool
	// FailStart lists node names whose Start call should fail.
	FailStart map[string]bool
	// StartHook, when set, runs during each Start call while it is still
	// in flight. Tests use it to race external events against bring-up.
	StartHook func(node string)
	// DestroyHook, when set, runs at the top of each Destroy call.
	DestroyHook func(node string)

	nodes map[string]*fakeNode
	calls []string
}

type fakeNode struct {
	spec    *backend.NodeSpec
	running bool
}

// NewFakeBackend returns an empty fake.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		FailCreate: make(map[string]bool),
		FailStart:  make(map[string]bool),
		nodes:      make(map[string]*fakeNode),
	}
}

func (f *FakeBackend) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns the ordered call log.
func (f *FakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Live returns the names of nodes that still exist, sorted.
func (f *FakeBackend) Live() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.nodes))
	for name := range f.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Running reports whether the named node exists and was started.
func (f *FakeBackend) Running(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[name]
	return ok && n.running
}

func (f *FakeBackend) Create(ctx context.Context, spec *backend.NodeSpec) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create %s", spec.Name)
	if f.FailCreate[spec.Name] {
		return backend.Handle{}, &backend.Error{Op: "create", Node: spec.Name, Err: backend.ErrResourceUnavailable}
	}
	if _, ok := f.nodes[spec.Name]; ok {
		return backend.Handle{}, &backend.Error{Op: "create", Node: spec.Name, Err: fmt.Errorf("already exists")}
	}
	f.nodes[spec.Name] = &fakeNode{spec: spec}
	return backend.Handle{Kind: spec.Kind, ID: spec.LabName + "/" + spec.Name}, nil
}

func (f *FakeBackend) Start(ctx context.Context, h backend.Handle) error {
	if f.StartHook != nil {
		f.StartHook(nodeOf(h))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nodeOf(h)
	f.record("start %s", name)
	n, ok := f.nodes[name]
	if !ok {
		return &backend.Error{Op: "start", Node: name, Err: fmt.Errorf("no such node")}
	}
	if f.FailStart[name] {
		return &backend.Error{Op: "start", Node: name, Err: fmt.Errorf("start refused")}
	}
	n.running = true
	return nil
}

func (f *FakeBackend) Stop(ctx context.Context, h backend.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nodeOf(h)
	f.record("stop %s", name)
	if n, ok := f.nodes[name]; ok {
		n.running = false
	}
	return nil
}

func (f *FakeBackend) Destroy(ctx context.Context, h backend.Handle) error {
	if f.DestroyHook != nil {
		f.DestroyHook(nodeOf(h))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nodeOf(h)
	f.record("destroy %s", name)
	delete(f.nodes, name)
	return nil
}

func (f *FakeBackend) Interfaces(ctx context.Context, h backend.Handle) ([]backend.InterfaceHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := nodeOf(h)
	n, ok := f.nodes[name]
	if !ok {
		return nil, &backend.Error{Op: "interfaces", Node: name, Err: fmt.Errorf("no such node")}
	}
	out := make([]backend.InterfaceHandle, 0, len(n.spec.Data))
	for _, nic := range n.spec.Data {
		ih := backend.InterfaceHandle{Node: name, Index: nic.Index}
		if n.spec.Kind.Hypervisor() {
			ih.HostDev = fmt.Sprintf("tap-%s-%d", name, nic.Index)
		} else {
			ih.Netns = "container:" + name
		}
		out = append(out, ih)
	}
	return out, nil
}

func nodeOf(h backend.Handle) string {
	for i := len(h.ID) - 1; i >= 0; i-- {
		if h.ID[i] == '/' {
			return h.ID[i+1:]
		}
	}
	return h.ID
}

// FakeNetOps records kernel object creation and deletion. Objects live in
// a flat ledger keyed by name (host) or netns+name (inside a namespace).
type FakeNetOps struct {
	mu sync.Mutex

	// FailOn makes any operation touching the named device fail.
	FailOn map[string]bool

	objects map[string]string // name → kind (bridge, veth, vxlan)
	masters map[string]string // dev → bridge
	peers   map[string]string // veth half → other half
	calls   []string
}

// NewFakeNetOps returns an empty fake.
func NewFakeNetOps() *FakeNetOps {
	return &FakeNetOps{
		FailOn:  make(map[string]bool),
		objects: make(map[string]string),
		masters: make(map[string]string),
		peers:   make(map[string]string),
	}
}

// Objects returns the names of kernel objects still present, sorted.
func (f *FakeNetOps) Objects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for name := range f.objects {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MasterOf returns the bridge a device is enslaved to, if any.
func (f *FakeNetOps) MasterOf(dev string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masters[dev]
}

// Calls returns the ordered call log.
func (f *FakeNetOps) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeNetOps) check(name string) error {
	if f.FailOn[name] {
		return fmt.Errorf("injected failure on %s", name)
	}
	return nil
}

func (f *FakeNetOps) EnsureBridge(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "bridge "+name)
	if err := f.check(name); err != nil {
		return err
	}
	f.objects[name] = "bridge"
	return nil
}

func (f *FakeNetOps) EnsureVeth(ctx context.Context, a, b string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "veth "+a+" "+b)
	if err := f.check(a); err != nil {
		return err
	}
	f.objects[a] = "veth"
	f.objects[b] = "veth"
	f.peers[a], f.peers[b] = b, a
	return nil
}

func (f *FakeNetOps) EnsureTunnel(ctx context.Context, name string, id, localPort int, remoteAddr string, remotePort int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("tunnel %s %d->%d", name, localPort, remotePort))
	if err := f.check(name); err != nil {
		return err
	}
	f.objects[name] = "vxlan"
	return nil
}

func (f *FakeNetOps) SetMaster(ctx context.Context, dev, bridge string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "master "+dev+" "+bridge)
	if err := f.check(dev); err != nil {
		return err
	}
	if _, ok := f.objects[bridge]; !ok {
		return fmt.Errorf("bridge %s does not exist", bridge)
	}
	f.masters[dev] = bridge
	return nil
}

func (f *FakeNetOps) MoveToNetns(ctx context.Context, dev, netns, newName string, mtu int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("move %s %s %s", dev, netns, newName))
	if err := f.check(dev); err != nil {
		return err
	}
	if _, ok := f.objects[dev]; !ok {
		return fmt.Errorf("device %s does not exist", dev)
	}
	delete(f.objects, dev)
	inside := netns + "/" + newName
	f.objects[inside] = "veth"
	if peer, ok := f.peers[dev]; ok {
		delete(f.peers, dev)
		f.peers[peer] = inside
		f.peers[inside] = peer
	}
	return nil
}

// removeLocked deletes a device and, for veth halves, its peer. Mirrors
// the kernel: deleting either end of a pair removes both.
func (f *FakeNetOps) removeLocked(name string) {
	if peer, ok := f.peers[name]; ok {
		delete(f.objects, peer)
		delete(f.masters, peer)
		delete(f.peers, peer)
	}
	delete(f.objects, name)
	delete(f.masters, name)
	delete(f.peers, name)
}

func (f *FakeNetOps) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+name)
	if err := f.check(name); err != nil {
		return err
	}
	f.removeLocked(name)
	return nil
}

func (f *FakeNetOps) DeleteInNetns(ctx context.Context, netns, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+netns+"/"+name)
	f.removeLocked(netns + "/" + name)
	return nil
}

// VMProfile returns a hypervisor profile suitable for most tests.
func VMProfile() *topology.NodeConfig {
	return &topology.NodeConfig{
		Model:               "vjunos",
		Kind:                topology.KindVirtualMachine,
		Version:             "23.2",
		Default:             true,
		CPUCount:            2,
		MemoryMB:            2048,
		Image:               "/images/vjunos-23.2.qcow2",
		DiskBus:             "virtio",
		ZTPEnable:           true,
		ZTPMethod:           topology.ZTPCloudInit,
		ZTPUsername:         "admin",
		DataInterfaceCount:  4,
		InterfacePrefix:     "ge-0-0-",
		InterfaceType:       "virtio-net-pci",
		InterfaceMTU:        1500,
		FirstInterfaceIndex: 0,
		DedicatedManagement: true,
		ManagementInterface: "fxp0",
	}
}

// ContainerProfile returns a container profile suitable for most tests.
func ContainerProfile() *topology.NodeConfig {
	return &topology.NodeConfig{
		Model:               "frr",
		Kind:                topology.KindContainer,
		Version:             "9.1",
		Default:             true,
		CPUCount:            1,
		MemoryMB:            512,
		Image:               "quay.io/frrouting/frr:9.1.0",
		DataInterfaceCount:  8,
		InterfacePrefix:     "eth",
		InterfaceMTU:        1500,
		FirstInterfaceIndex: 1,
		ManagementInterface: "eth0",
	}
}

// Profiles returns the profile map for the standard test profiles.
func Profiles() map[string]*topology.NodeConfig {
	vm, ct := VMProfile(), ContainerProfile()
	return map[string]*topology.NodeConfig{
		vm.Key(): vm,
		ct.Key(): ct,
	}
}
