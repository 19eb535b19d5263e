package stitch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// NetOps abstracts the kernel network object operations the stitcher
// needs. Every operation is idempotent: Ensure* succeeds when the object
// already exists, Delete* succeeds when it is already absent. The real
// implementation shells out to iproute2; tests use a recording fake.
type NetOps interface {
	EnsureBridge(ctx context.Context, name string) error
	EnsureVeth(ctx context.Context, a, b string) error
	EnsureTunnel(ctx context.Context, name string, id, localPort int, remoteAddr string, remotePort int) error
	SetMaster(ctx context.Context, dev, bridge string) error
	MoveToNetns(ctx context.Context, dev, netns, newName string, mtu int) error
	Delete(ctx context.Context, name string) error
	DeleteInNetns(ctx context.Context, netns, name string) error
}

// IPRoute2 performs kernel network operations through the ip(8) command.
type IPRoute2 struct {
	// RuntimeBinary resolves "container:<name>" netns locators through
	// the container runtime CLI. Defaults to docker.
	RuntimeBinary string
}

// NewIPRoute2 returns the iproute2-backed NetOps.
func NewIPRoute2(runtimeBinary string) *IPRoute2 {
	if runtimeBinary == "" {
		runtimeBinary = "docker"
	}
	return &IPRoute2{RuntimeBinary: runtimeBinary}
}

func (n *IPRoute2) ip(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "ip", args...)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ip %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(errb.String()))
	}
	return nil
}

func (n *IPRoute2) exists(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "ip", "link", "show", "dev", name).Run() == nil
}

// EnsureBridge creates the bridge if absent and brings it up.
func (n *IPRoute2) EnsureBridge(ctx context.Context, name string) error {
	if !n.exists(ctx, name) {
		if err := n.ip(ctx, "link", "add", "name", name, "type", "bridge"); err != nil {
			return err
		}
	}
	return n.ip(ctx, "link", "set", name, "up")
}

// EnsureVeth creates the veth pair if absent and brings both halves up.
func (n *IPRoute2) EnsureVeth(ctx context.Context, a, b string) error {
	if !n.exists(ctx, a) && !n.exists(ctx, b) {
		if err := n.ip(ctx, "link", "add", a, "type", "veth", "peer", "name", b); err != nil {
			return err
		}
	}
	for _, dev := range []string{a, b} {
		if n.exists(ctx, dev) {
			if err := n.ip(ctx, "link", "set", dev, "up"); err != nil {
				return err
			}
		}
	}
	return nil
}

// EnsureTunnel creates a VXLAN device carrying the link's traffic over UDP
// between the allocated ports.
func (n *IPRoute2) EnsureTunnel(ctx context.Context, name string, id, localPort int, remoteAddr string, remotePort int) error {
	if !n.exists(ctx, name) {
		err := n.ip(ctx, "link", "add", name, "type", "vxlan",
			"id", fmt.Sprintf("%d", id),
			"remote", remoteAddr,
			"dstport", fmt.Sprintf("%d", remotePort),
			"srcport", fmt.Sprintf("%d", localPort), fmt.Sprintf("%d", localPort+1),
		)
		if err != nil {
			return err
		}
	}
	return n.ip(ctx, "link", "set", name, "up")
}

// SetMaster enslaves dev to bridge and brings it up.
func (n *IPRoute2) SetMaster(ctx context.Context, dev, bridge string) error {
	if err := n.ip(ctx, "link", "set", dev, "master", bridge); err != nil {
		return err
	}
	return n.ip(ctx, "link", "set", dev, "up")
}

// resolveNetns turns a netns locator into something `ip link set netns`
// accepts. "container:<name>" resolves to the container's init PID.
func (n *IPRoute2) resolveNetns(ctx context.Context, netns string) (string, error) {
	name, ok := strings.CutPrefix(netns, "container:")
	if !ok {
		return netns, nil
	}
	cmd := exec.CommandContext(ctx, n.RuntimeBinary, "inspect", "-f", "{{.State.Pid}}", name)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("resolve netns for %s: %w", name, err)
	}
	pid := strings.TrimSpace(out.String())
	if pid == "" || pid == "0" {
		return "", fmt.Errorf("container %s has no running namespace", name)
	}
	return pid, nil
}

// MoveToNetns moves dev into the namespace, renames it, applies the MTU,
// and brings it up inside. Succeeds if the device already left the host
// (a prior partial run).
func (n *IPRoute2) MoveToNetns(ctx context.Context, dev, netns, newName string, mtu int) error {
	if !n.exists(ctx, dev) {
		return nil
	}
	pid, err := n.resolveNetns(ctx, netns)
	if err != nil {
		return err
	}
	if err := n.ip(ctx, "link", "set", dev, "netns", pid); err != nil {
		return err
	}
	args := [][]string{
		{"link", "set", dev, "name", newName},
	}
	if mtu > 0 {
		args = append(args, []string{"link", "set", newName, "mtu", fmt.Sprintf("%d", mtu)})
	}
	args = append(args, []string{"link", "set", newName, "up"})
	for _, a := range args {
		if err := n.inNetns(ctx, pid, a...); err != nil {
			return err
		}
	}
	return nil
}

// inNetns runs an ip command inside a namespace identified by PID.
func (n *IPRoute2) inNetns(ctx context.Context, pid string, args ...string) error {
	full := append([]string{"-t", pid, "-n", "--", "ip"}, args...)
	cmd := exec.CommandContext(ctx, "nsenter", full...)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("nsenter %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(errb.String()))
	}
	return nil
}

// Delete removes a link, succeeding when it is already absent.
func (n *IPRoute2) Delete(ctx context.Context, name string) error {
	if !n.exists(ctx, name) {
		return nil
	}
	return n.ip(ctx, "link", "del", name)
}

// DeleteInNetns removes a link inside a namespace, tolerating an absent
// device or an already-gone namespace.
func (n *IPRoute2) DeleteInNetns(ctx context.Context, netns, name string) error {
	pid, err := n.resolveNetns(ctx, netns)
	if err != nil {
		return nil // namespace gone, nothing to delete
	}
	if err := n.inNetns(ctx, pid, "link", "del", name); err != nil {
		if strings.Contains(err.Error(), "Cannot find device") {
			return nil
		}
		return err
	}
	return nil
}
