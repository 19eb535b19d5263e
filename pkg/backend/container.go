package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/virtlab-network/virtlab/pkg/bootcfg"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// ContainerRuntime manages container nodes through the runtime CLI
// (docker or podman). Containers are created with no default networking;
// data interfaces are wired into the container's network namespace by the
// stitcher after start.
type ContainerRuntime struct {
	binary    string
	stateRoot string
}

// NewContainerRuntime returns a container adapter using the given CLI
// binary ("docker" or "podman").
func NewContainerRuntime(binary, stateRoot string) *ContainerRuntime {
	if binary == "" {
		binary = "docker"
	}
	return &ContainerRuntime{binary: binary, stateRoot: stateRoot}
}

func (c *ContainerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errb.String())
		if strings.Contains(msg, "Cannot connect") || strings.Contains(msg, "connection refused") {
			return "", fmt.Errorf("%w: %s", ErrUnreachable, msg)
		}
		return "", fmt.Errorf("%s %s: %v: %s", c.binary, args[0], err, msg)
	}
	return strings.TrimSpace(out.String()), nil
}

func (c *ContainerRuntime) containerName(spec *NodeSpec) string {
	return spec.LabName + "-" + spec.Name
}

// Create creates the container without starting it and copies any ZTP
// payload files into it.
func (c *ContainerRuntime) Create(ctx context.Context, spec *NodeSpec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, &Error{Op: "create", Node: spec.Name,
			Err: fmt.Errorf("%w: no container image", ErrSpecInvalid)}
	}

	name := c.containerName(spec)
	args := []string{
		"create",
		"--name", name,
		"--hostname", spec.Name,
		"--network", "none",
		"--privileged",
		"--label", "virtlab.lab=" + spec.LabID,
		"--label", "virtlab.node=" + spec.Name,
		"--label", "virtlab.slots=" + slotList(spec.Data),
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.MemoryMB))
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", spec.CPUs))
	}
	args = append(args, spec.Image)

	id, err := c.run(ctx, args...)
	if err != nil {
		return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
	}
	h := Handle{Kind: spec.Kind, ID: name}

	if spec.Boot != nil && len(spec.Boot.Files) > 0 {
		if err := c.copyPayload(ctx, name, spec.Boot); err != nil {
			// Release the half-created container before reporting.
			c.run(ctx, "rm", "-f", name)
			return Handle{}, &Error{Op: "create", Node: spec.Name, Err: err}
		}
	}

	util.WithNode(spec.LabName, spec.Name).WithField("container", id[:min(len(id), 12)]).
		Debug("container created")
	return h, nil
}

// copyPayload stages payload files in a temp tree and docker-cps them in.
func (c *ContainerRuntime) copyPayload(ctx context.Context, name string, p *bootcfg.Payload) error {
	tree, err := os.MkdirTemp(c.stateRoot, "ztp-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tree)
	for _, f := range p.Files {
		path := filepath.Join(tree, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(path, f.Data, os.FileMode(f.Mode)); err != nil {
			return err
		}
		if _, err := c.run(ctx, "cp", path, name+":/"+f.Path); err != nil {
			return err
		}
	}
	return nil
}

// Start starts the container.
func (c *ContainerRuntime) Start(ctx context.Context, h Handle) error {
	if _, err := c.run(ctx, "start", h.ID); err != nil {
		return &Error{Op: "start", Node: h.ID, Err: err}
	}
	return nil
}

// Stop stops the container. Stopping an absent or stopped container is a
// no-op.
func (c *ContainerRuntime) Stop(ctx context.Context, h Handle) error {
	if h.Zero() {
		return nil
	}
	if _, err := c.run(ctx, "stop", "--time", "10", h.ID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return &Error{Op: "stop", Node: h.ID, Err: err}
	}
	return nil
}

// Destroy force-removes the container. Idempotent.
func (c *ContainerRuntime) Destroy(ctx context.Context, h Handle) error {
	if h.Zero() {
		return nil
	}
	if _, err := c.run(ctx, "rm", "-f", h.ID); err != nil {
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return &Error{Op: "destroy", Node: h.ID, Err: err}
	}
	return nil
}

// Interfaces returns one handle per declared data interface, each carrying
// the container's netns locator. The stitcher resolves the locator to
// /proc/<pid>/ns/net when it acts, since the namespace only exists while
// the container runs.
func (c *ContainerRuntime) Interfaces(ctx context.Context, h Handle) ([]InterfaceHandle, error) {
	out, err := c.run(ctx, "inspect", "-f", `{{index .Config.Labels "virtlab.slots"}}`, h.ID)
	if err != nil {
		return nil, &Error{Op: "interfaces", Node: h.ID, Err: err}
	}
	var handles []InterfaceHandle
	for _, s := range strings.Split(out, ",") {
		if s == "" {
			continue
		}
		var slot int
		if _, err := fmt.Sscanf(s, "%d", &slot); err != nil {
			return nil, &Error{Op: "interfaces", Node: h.ID,
				Err: fmt.Errorf("bad slot label %q", out)}
		}
		handles = append(handles, InterfaceHandle{
			Node:  h.ID,
			Index: slot,
			Netns: "container:" + h.ID,
		})
	}
	return handles, nil
}

func slotList(nics []InterfaceSpec) string {
	parts := make([]string, len(nics))
	for i, nic := range nics {
		parts[i] = fmt.Sprintf("%d", nic.Index)
	}
	return strings.Join(parts, ",")
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
