package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/lab"
	"github.com/virtlab-network/virtlab/pkg/stitch"
	"github.com/virtlab-network/virtlab/pkg/store"
)

// openStore connects to Redis when an address is configured and falls
// back to an in-memory store otherwise. The in-memory fallback makes
// single-shot validate runs work without infrastructure; up/destroy warn
// because state will not survive the process.
func openStore(ctx context.Context) (store.Store, error) {
	addr := storeAddr
	if addr == "" {
		addr = os.Getenv("VIRTLAB_REDIS")
	}
	if addr == "" || addr == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, addr, 0)
}

// requireOwner resolves the acting user from: -u flag > VIRTLAB_USER > USER.
func requireOwner() (string, error) {
	if owner != "" {
		return owner, nil
	}
	if v := os.Getenv("VIRTLAB_USER"); v != "" {
		return v, nil
	}
	if v := os.Getenv("USER"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("acting user required: use -u <name> or set VIRTLAB_USER")
}

// resolveStateRoot resolves the state directory from: flag > env > ~/.virtlab.
func resolveStateRoot() string {
	if stateRoot != "" {
		return stateRoot
	}
	if v := os.Getenv("VIRTLAB_STATE"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".virtlab"
	}
	return filepath.Join(home, ".virtlab")
}

// newCoordinator wires the coordinator to the host backends.
func newCoordinator(workers int) *lab.Coordinator {
	root := resolveStateRoot()
	backends := backend.Set{
		Hypervisor: backend.NewHypervisor(root),
		Container:  backend.NewContainerRuntime(runtime, root),
	}
	return lab.NewCoordinator(backends, stitch.NewIPRoute2(runtime), lab.WithWorkers(workers))
}

// Minimal ANSI color helpers for status output.
func green(s string) string  { return "\033[32m" + s + "\033[0m" }
func yellow(s string) string { return "\033[33m" + s + "\033[0m" }
func red(s string) string    { return "\033[31m" + s + "\033[0m" }
