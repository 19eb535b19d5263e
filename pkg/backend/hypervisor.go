package backend

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// Hypervisor manages VM and unikernel nodes as QEMU processes. Each node
// gets a copy-on-write overlay disk, tap devices for its data interfaces,
// and ZTP media synthesized from the boot payload. Per-node state (domain
// spec, pidfile, logs) lives under stateRoot/<lab>/<node>/.
type Hypervisor struct {
	stateRoot string
}

// NewHypervisor returns a hypervisor adapter rooted at stateRoot.
func NewHypervisor(stateRoot string) *Hypervisor {
	return &Hypervisor{stateRoot: stateRoot}
}

// domainSpec is the persisted definition of a created domain.
type domainSpec struct {
	LabID    string          `json:"lab_id"`
	LabName  string          `json:"lab_name"`
	Name     string          `json:"name"`
	Kind     topology.NodeKind `json:"kind"`
	CPUs     int             `json:"cpus"`
	MemoryMB int             `json:"memory_mb"`
	Machine  string          `json:"machine,omitempty"`
	SSHPort  int             `json:"ssh_port,omitempty"`
	Overlay  string          `json:"overlay"`
	Media    string          `json:"media,omitempty"`
	MediaBus string          `json:"media_bus,omitempty"`
	Mgmt     InterfaceSpec   `json:"mgmt"`
	Data     []InterfaceSpec `json:"data"`
	Taps     []string        `json:"taps"`
}

func (h *Hypervisor) nodeDir(labName, node string) string {
	return filepath.Join(h.stateRoot, labName, node)
}

// TapName derives the host tap device name for a node interface. Tap names
// must fit in IFNAMSIZ, so the name is a short hash of (lab, node, slot).
func TapName(labID, node string, slot int) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", labID, node, slot))
	return fmt.Sprintf("vt%x", sum[:4])
}

// Create defines the domain: state dir, overlay disk, ZTP media, and the
// persisted spec. The QEMU process is not started here.
func (h *Hypervisor) Create(ctx context.Context, spec *NodeSpec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, &Error{Op: "create", Node: spec.Name,
			Err: fmt.Errorf("%w: no disk image", ErrSpecInvalid)}
	}

	dir := h.nodeDir(spec.LabName, spec.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
	}

	d := domainSpec{
		LabID:    spec.LabID,
		LabName:  spec.LabName,
		Name:     spec.Name,
		Kind:     spec.Kind,
		CPUs:     spec.CPUs,
		MemoryMB: spec.MemoryMB,
		Machine:  spec.Machine,
		SSHPort:  spec.SSHPort,
		Overlay:  filepath.Join(dir, "disk.qcow2"),
		Mgmt:     spec.Mgmt,
		Data:     spec.Data,
	}

	if err := createOverlay(ctx, spec.Image, d.Overlay); err != nil {
		return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
	}

	if spec.Boot != nil && len(spec.Boot.Files) > 0 {
		media, err := writeBootMedia(ctx, dir, spec.Boot)
		if err != nil {
			return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
		}
		d.Media = media
		d.MediaBus = string(spec.Boot.Media)
	}

	for _, nic := range spec.Data {
		d.Taps = append(d.Taps, TapName(spec.LabID, spec.Name, nic.Index))
	}

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
	}
	if err := os.WriteFile(filepath.Join(dir, "domain.json"), data, 0644); err != nil {
		return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
	}

	util.WithNode(spec.LabName, spec.Name).Debug("domain defined")
	return Handle{Kind: spec.Kind, ID: spec.LabName + "/" + spec.Name}, nil
}

// Start launches the QEMU process for a defined domain.
func (h *Hypervisor) Start(ctx context.Context, hd Handle) error {
	d, dir, err := h.load(hd)
	if err != nil {
		return &Error{Op: "start", Node: hd.ID, Err: err}
	}

	args := []string{
		"-name", d.LabName + "-" + d.Name,
		"-m", fmt.Sprintf("%d", d.MemoryMB),
		"-smp", fmt.Sprintf("%d", d.CPUs),
		"-cpu", "host",
		"-nographic",
		"-pidfile", filepath.Join(dir, "qemu.pid"),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", d.Overlay),
	}
	if d.Machine != "" {
		args = append(args, "-machine", d.Machine)
	}
	if kvmAvailable() {
		args = append(args, "-enable-kvm")
	}
	if d.Media != "" {
		switch d.MediaBus {
		case "usb":
			args = append(args, "-drive", fmt.Sprintf("file=%s,if=none,format=raw,id=ztpusb", d.Media),
				"-device", "usb-storage,drive=ztpusb")
		default:
			args = append(args, "-cdrom", d.Media)
		}
	}

	// Management NIC: user-mode networking, address learned via DHCP. The
	// host forward gives SSH reachability without touching the data plane.
	mgmtNetdev := "user,id=mgmt"
	if d.SSHPort > 0 {
		mgmtNetdev += fmt.Sprintf(",hostfwd=tcp:127.0.0.1:%d-:22", d.SSHPort)
	}
	args = append(args,
		"-netdev", mgmtNetdev,
		"-device", fmt.Sprintf("%s,netdev=mgmt,mac=%s", nicModel(d.Mgmt.Type), d.Mgmt.MAC),
	)

	// Data NICs ride on pre-named tap devices so the stitcher can wire
	// them after the interfaces are confirmed present.
	for i, nic := range d.Data {
		args = append(args,
			"-netdev", fmt.Sprintf("tap,id=eth%d,ifname=%s,script=no,downscript=no", nic.Index, d.Taps[i]),
			"-device", fmt.Sprintf("%s,netdev=eth%d,mac=%s", nicModel(nic.Type), nic.Index, nic.MAC),
		)
	}

	cmd := exec.Command(qemuBinary, args...)
	logFile, err := os.Create(filepath.Join(dir, "qemu.log"))
	if err != nil {
		return &Error{Op: "start", Node: d.Name, Err: err}
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Detach so the domain survives the orchestrator process.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return &Error{Op: "start", Node: d.Name, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}

	pid := cmd.Process.Pid
	go func() {
		cmd.Wait()
		logFile.Close()
	}()

	if err := os.WriteFile(filepath.Join(dir, "pid"), fmt.Appendf(nil, "%d", pid), 0644); err != nil {
		return &Error{Op: "start", Node: d.Name, Err: err}
	}

	util.WithNode(d.LabName, d.Name).WithField("pid", pid).Debug("domain started")
	return nil
}

// Stop sends SIGTERM to the domain's process and escalates to SIGKILL
// after a grace period. Stopping a not-running domain is a no-op.
func (h *Hypervisor) Stop(ctx context.Context, hd Handle) error {
	_, dir, err := h.load(hd)
	if err != nil {
		return nil // never created, nothing to stop
	}
	pid, err := readPid(filepath.Join(dir, "pid"))
	if err != nil || pid == 0 {
		return nil
	}
	stopProcess(pid, 10*time.Second)
	os.Remove(filepath.Join(dir, "pid"))
	return nil
}

// Destroy stops the domain if needed and removes every file it owns.
// Idempotent: destroying an absent domain succeeds.
func (h *Hypervisor) Destroy(ctx context.Context, hd Handle) error {
	if hd.Zero() {
		return nil
	}
	if err := h.Stop(ctx, hd); err != nil {
		return err
	}
	dir := filepath.Join(h.stateRoot, filepath.FromSlash(hd.ID))
	if err := os.RemoveAll(dir); err != nil {
		return &Error{Op: "destroy", Node: hd.ID, Err: err}
	}
	return nil
}

// Interfaces returns the tap devices backing the domain's data interfaces.
func (h *Hypervisor) Interfaces(ctx context.Context, hd Handle) ([]InterfaceHandle, error) {
	d, _, err := h.load(hd)
	if err != nil {
		return nil, &Error{Op: "interfaces", Node: hd.ID, Err: err}
	}
	out := make([]InterfaceHandle, len(d.Data))
	for i, nic := range d.Data {
		out[i] = InterfaceHandle{
			Node:    d.Name,
			Index:   nic.Index,
			HostDev: d.Taps[i],
		}
	}
	return out, nil
}

func (h *Hypervisor) load(hd Handle) (*domainSpec, string, error) {
	dir := filepath.Join(h.stateRoot, filepath.FromSlash(hd.ID))
	data, err := os.ReadFile(filepath.Join(dir, "domain.json"))
	if err != nil {
		return nil, "", fmt.Errorf("domain %s not defined", hd.ID)
	}
	var d domainSpec
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, "", fmt.Errorf("parse domain.json for %s: %w", hd.ID, err)
	}
	return &d, dir, nil
}

func nicModel(t string) string {
	if t == "" {
		return "virtio-net-pci"
	}
	return t
}

const qemuBinary = "qemu-system-x86_64"

// createOverlay wraps qemu-img to make a copy-on-write overlay.
func createOverlay(ctx context.Context, baseImage, overlayPath string) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-b", baseImage,
		"-F", "qcow2",
		overlayPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("create overlay %s: %w\n%s", overlayPath, err, output)
	}
	return nil
}

func kvmAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func readPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var pid int
	_, err = fmt.Sscanf(string(data), "%d", &pid)
	return pid, err
}

// stopProcess sends SIGTERM, waits up to grace, then SIGKILLs.
func stopProcess(pid int, grace time.Duration) {
	process, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if process.Signal(syscall.Signal(0)) != nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	process.Signal(syscall.SIGKILL)
}
