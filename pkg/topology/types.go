// Package topology holds the in-memory lab model and its validator.
//
// A Lab is a named set of Nodes and Links owned by a User. Nodes reference
// immutable NodeConfig profiles supplied by the store; Links wire two node
// interfaces together with one of three strategies. Validation resolves a
// candidate lab against its profiles and reports every structural violation
// before anything touches a backend.
package topology

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// NodeKind selects which backend control plane runs a node.
type NodeKind string

const (
	KindVirtualMachine NodeKind = "virtual_machine"
	KindContainer      NodeKind = "container"
	KindUnikernel      NodeKind = "unikernel"
)

// Hypervisor reports whether nodes of this kind are managed by the
// hypervisor backend (VMs and unikernels) rather than the container runtime.
func (k NodeKind) Hypervisor() bool {
	return k == KindVirtualMachine || k == KindUnikernel
}

// LinkKind selects the strategy used to realize a link.
type LinkKind string

const (
	LinkBridge LinkKind = "p2p_bridge"
	LinkUDP    LinkKind = "p2p_udp"
	LinkVeth   LinkKind = "p2p_veth"
)

// ZTPMethod selects how a node's initial configuration is delivered.
type ZTPMethod string

const (
	ZTPNone      ZTPMethod = "none"
	ZTPDisk      ZTPMethod = "disk"
	ZTPCdrom     ZTPMethod = "cdrom"
	ZTPTftp      ZTPMethod = "tftp"
	ZTPHttp      ZTPMethod = "http"
	ZTPIpxe      ZTPMethod = "ipxe"
	ZTPCloudInit ZTPMethod = "cloud-init"
	ZTPIgnition  ZTPMethod = "ignition"
	ZTPUsb       ZTPMethod = "usb"
)

// MTU bounds. The ceiling is a NodeConfig constraint, not a hard invariant;
// MTUCeilingDefault applies when a profile doesn't set its own.
const (
	MTUFloor          = 576
	MTUCeilingDefault = 9600
)

const maxIndex = 65535

// User owns labs and supplies the SSH keys injected by ZTP payloads.
type User struct {
	Name    string   `json:"name" yaml:"name"`
	Admin   bool     `json:"admin,omitempty" yaml:"admin,omitempty"`
	SSHKeys []string `json:"ssh_keys,omitempty" yaml:"ssh_keys,omitempty"`
}

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_-]{2,31}$`)

// ValidUsername reports whether name satisfies the username charset and
// length rules (3-32 chars, lowercase first, then lowercase/digit/_/-).
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}

// NodeConfig is an immutable device-class profile. Uniquely keyed by
// (model, kind, version); one version per (model, kind) is the default.
type NodeConfig struct {
	Model   string   `json:"model" yaml:"model"`
	Kind    NodeKind `json:"kind" yaml:"kind"`
	Version string   `json:"version" yaml:"version"`
	Default bool     `json:"default" yaml:"default"`

	OSVariant   string `json:"os_variant" yaml:"os_variant"`
	Bios        string `json:"bios,omitempty" yaml:"bios,omitempty"`
	CPUCount    int    `json:"cpu_count" yaml:"cpu_count"`
	CPUArch     string `json:"cpu_architecture,omitempty" yaml:"cpu_architecture,omitempty"`
	CPUModel    string `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	MachineType string `json:"machine_type,omitempty" yaml:"machine_type,omitempty"`
	VMXEnabled  bool   `json:"vmx_enabled,omitempty" yaml:"vmx_enabled,omitempty"`
	MemoryMB    int    `json:"memory" yaml:"memory"`
	DiskBus     string `json:"hdd_bus,omitempty" yaml:"hdd_bus,omitempty"`
	Image       string `json:"image,omitempty" yaml:"image,omitempty"`

	ZTPEnable   bool      `json:"ztp_enable" yaml:"ztp_enable"`
	ZTPMethod   ZTPMethod `json:"ztp_method" yaml:"ztp_method"`
	ZTPUsername string    `json:"ztp_username,omitempty" yaml:"ztp_username,omitempty"`
	ZTPPassword string    `json:"ztp_password,omitempty" yaml:"ztp_password,omitempty"`

	DataInterfaceCount     int    `json:"data_interface_count" yaml:"data_interface_count"`
	InterfacePrefix        string `json:"interface_prefix" yaml:"interface_prefix"`
	InterfaceType          string `json:"interface_type,omitempty" yaml:"interface_type,omitempty"`
	InterfaceMTU           int    `json:"interface_mtu" yaml:"interface_mtu"`
	MTUCeiling             int    `json:"interface_mtu_max,omitempty" yaml:"interface_mtu_max,omitempty"`
	FirstInterfaceIndex    int    `json:"first_interface_index" yaml:"first_interface_index"`
	DedicatedManagement    bool   `json:"dedicated_management_interface" yaml:"dedicated_management_interface"`
	ManagementInterface    string `json:"management_interface" yaml:"management_interface"`
	ReservedInterfaceCount int    `json:"reserved_interface_count" yaml:"reserved_interface_count"`
}

// Key returns the (model, kind) profile key used by node references.
func (c *NodeConfig) Key() string {
	return fmt.Sprintf("%s:%s", c.Model, c.Kind)
}

// VersionKey returns the full (model, kind, version) identity.
func (c *NodeConfig) VersionKey() string {
	return fmt.Sprintf("%s:%s:%s", c.Model, c.Kind, c.Version)
}

// InterfaceName renders the data interface name for slot index i
// (e.g. prefix "eth", index 1 → "eth1").
func (c *NodeConfig) InterfaceName(i int) string {
	return c.InterfacePrefix + strconv.Itoa(i)
}

// InterfaceWindow returns the inclusive range [lo, hi] of wirable data
// interface slot indices: reserved slots at the front of the window are
// excluded, the window starts at FirstInterfaceIndex.
func (c *NodeConfig) InterfaceWindow() (lo, hi int) {
	lo = c.FirstInterfaceIndex + c.ReservedInterfaceCount
	hi = c.FirstInterfaceIndex + c.DataInterfaceCount - 1
	return lo, hi
}

// ParseInterface resolves an interface name on this profile to its slot
// index. Returns an error for the management interface, reserved slots,
// and names outside the declared window.
func (c *NodeConfig) ParseInterface(name string) (int, error) {
	if name == c.ManagementInterface {
		return 0, fmt.Errorf("interface %q is the management interface", name)
	}
	if !strings.HasPrefix(name, c.InterfacePrefix) {
		return 0, fmt.Errorf("interface %q does not match prefix %q", name, c.InterfacePrefix)
	}
	idx, err := strconv.Atoi(name[len(c.InterfacePrefix):])
	if err != nil {
		return 0, fmt.Errorf("interface %q has a non-numeric slot", name)
	}
	lo, hi := c.InterfaceWindow()
	if idx < lo || idx > hi {
		return 0, fmt.Errorf("interface %q outside slots %s%d..%s%d",
			name, c.InterfacePrefix, lo, c.InterfacePrefix, hi)
	}
	return idx, nil
}

// MTUMax returns the effective MTU ceiling for this profile.
func (c *NodeConfig) MTUMax() int {
	if c.MTUCeiling > 0 {
		return c.MTUCeiling
	}
	return MTUCeilingDefault
}

// Node is one device instance within a lab. Config references a profile
// by its (model, kind) key; Profile is filled in during validation.
type Node struct {
	Name   string `json:"name" yaml:"name"`
	Index  int    `json:"index" yaml:"index"`
	Config string `json:"config" yaml:"config"`

	Profile *NodeConfig `json:"-" yaml:"-"`
}

// Endpoint names one side of a link: a node and a local interface.
type Endpoint struct {
	Node      string `json:"node" yaml:"node"`
	Interface string `json:"interface" yaml:"interface"`
}

func (e Endpoint) String() string {
	return e.Node + ":" + e.Interface
}

// ParseEndpoint splits a "node:interface" string.
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.IndexByte(s, ':')
	if idx <= 0 || idx == len(s)-1 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q (expected node:interface)", s)
	}
	return Endpoint{Node: s[:idx], Interface: s[idx+1:]}, nil
}

// Link is one point-to-point connection between two node interfaces.
type Link struct {
	Index int      `json:"index" yaml:"index"`
	Kind  LinkKind `json:"kind" yaml:"kind"`
	A     Endpoint `json:"a" yaml:"a"`
	B     Endpoint `json:"b" yaml:"b"`
}

// Lab is a named topology instance owned by one user.
type Lab struct {
	ID    string  `json:"id" yaml:"id"`
	Name  string  `json:"name" yaml:"name"`
	Owner string  `json:"owner" yaml:"owner"`
	Nodes []*Node `json:"nodes" yaml:"nodes"`
	Links []*Link `json:"links" yaml:"links"`
}

// NodeByName returns the named node, or nil.
func (l *Lab) NodeByName(name string) *Node {
	for _, n := range l.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}
