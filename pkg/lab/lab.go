// Package lab coordinates whole-lab bring-up and teardown. It owns the
// lab-level state machine and fans node lifecycles out over a bounded
// worker pool; links are stitched by rendezvous goroutines that fire once
// both endpoint nodes are attachable. One node's failure never blocks or
// aborts its siblings.
package lab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/virtlab-network/virtlab/pkg/alloc"
	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/bootcfg"
	"github.com/virtlab-network/virtlab/pkg/lifecycle"
	"github.com/virtlab-network/virtlab/pkg/stitch"
	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

// State is a lab's position in the orchestration lifecycle.
type State string

const (
	Defining   State = "defining"
	BringingUp State = "bringing_up"
	Active     State = "active"
	Degraded   State = "degraded"
	Destroying State = "destroying"
	Destroyed  State = "destroyed"
)

// DefaultWorkers bounds concurrent node provisioning per lab.
const DefaultWorkers = 8

// Coordinator brings labs up and tears them down. It is safe for use by
// one lab at a time per Deployment; distinct labs may run concurrently.
type Coordinator struct {
	backends backend.Set
	netops   stitch.NetOps
	alloc    *alloc.Allocator
	workers  int

	// OnZTPRecord, when set, receives the registration record for every
	// node whose boot method is served by an external boot service.
	OnZTPRecord func(*bootcfg.ZTPRecord)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWorkers sets the node provisioning pool size.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithAllocator replaces the default identifier allocator.
func WithAllocator(a *alloc.Allocator) Option {
	return func(c *Coordinator) { c.alloc = a }
}

// NewCoordinator returns a Coordinator wired to the given backends and
// kernel network operations.
func NewCoordinator(backends backend.Set, netops stitch.NetOps, opts ...Option) *Coordinator {
	c := &Coordinator{
		backends: backends,
		netops:   netops,
		alloc:    alloc.New(),
		workers:  DefaultWorkers,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Deployment is the runtime record of one brought-up lab. It holds
// everything Destroy needs, so teardown works even when bring-up failed
// partway.
type Deployment struct {
	Lab   *topology.Lab
	Graph *topology.Graph
	Plan  *alloc.Plan
	State State

	Nodes map[string]*lifecycle.NodeHandle
	Links map[int]*stitch.RealizedLink

	// LinkErrs records links that failed or were skipped because an
	// endpoint node never became attachable.
	LinkErrs map[int]error

	mgr      *lifecycle.Manager
	stitcher *stitch.Stitcher
	sshKeys  []string
}

// NodeState returns the lifecycle state of a node, or Pending if the node
// was never scheduled.
func (d *Deployment) NodeState(name string) lifecycle.State {
	if h, ok := d.Nodes[name]; ok {
		return h.State
	}
	return lifecycle.Pending
}

// Healthy reports whether every node is Running and every link realized.
func (d *Deployment) Healthy() bool {
	for _, h := range d.Nodes {
		if h.State != lifecycle.Running {
			return false
		}
	}
	return len(d.LinkErrs) == 0
}

// Handles returns the backend handles of nodes that hold live resources,
// keyed by node name. This is what a caller persists to destroy the lab
// from a later process.
func (d *Deployment) Handles() map[string]backend.Handle {
	out := make(map[string]backend.Handle, len(d.Nodes))
	for name, h := range d.Nodes {
		if !h.Backend.Zero() {
			out[name] = h.Backend
		}
	}
	return out
}

// UpOptions carries per-invocation inputs that are not part of the
// topology itself.
type UpOptions struct {
	SSHKeys []string // owning user's authorized keys, injected via boot config
}

// Up validates, allocates and brings up a lab. It always returns a
// Deployment once allocation succeeds, even on partial failure, so the
// caller can destroy what was created. The error aggregates every node
// and link failure.
//
// Cancelling ctx stops new work from being scheduled; a backend call
// already in flight is never interrupted.
func (c *Coordinator) Up(ctx context.Context, lab *topology.Lab, profiles map[string]*topology.NodeConfig, opts UpOptions) (*Deployment, error) {
	log := util.WithLab(lab.Name)
	log.Info("bringing up lab")

	// Defining: validation is all-or-nothing, nothing is created on error.
	graph, err := topology.Validate(lab, profiles)
	if err != nil {
		return nil, err
	}
	plan, err := c.alloc.Allocate(graph)
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		Lab:      lab,
		Graph:    graph,
		Plan:     plan,
		State:    BringingUp,
		Nodes:    make(map[string]*lifecycle.NodeHandle),
		Links:    make(map[int]*stitch.RealizedLink),
		LinkErrs: make(map[int]error),
		mgr:      lifecycle.NewManager(lab.ID, lab.Name, c.backends),
		stitcher: stitch.New(lab.ID, c.netops),
		sshKeys:  opts.SSHKeys,
	}

	var (
		mu    sync.Mutex
		errs  []error
		ready = make(map[string]chan struct{}, len(graph.Nodes))
	)
	for name := range graph.Nodes {
		ready[name] = make(chan struct{})
	}

	// In-flight backend calls run to completion even after cancellation;
	// ctx gates scheduling only.
	begun := context.WithoutCancel(ctx)

	sem := make(chan struct{}, c.workers)
	var wg sync.WaitGroup
	for name, node := range graph.Nodes {
		wg.Add(1)
		go func(name string, node *topology.Node) {
			defer wg.Done()
			defer close(ready[name])

			sem <- struct{}{}
			defer func() { <-sem }()

			h, err := c.provisionNode(ctx, begun, d, node)
			mu.Lock()
			d.Nodes[name] = h
			if err != nil {
				errs = append(errs, err)
			}
			mu.Unlock()
		}(name, node)
	}

	var lwg sync.WaitGroup
	for _, rl := range graph.Links {
		lwg.Add(1)
		go func(rl *topology.ResolvedLink) {
			defer lwg.Done()

			// Rendezvous: wait for both endpoint nodes to finish their
			// provision pass, whatever the outcome.
			<-ready[rl.NodeA.Name]
			<-ready[rl.NodeB.Name]

			// Cancellation gates links the same way it gates nodes: a
			// link not yet started is never stitched.
			if err := ctx.Err(); err != nil {
				err = fmt.Errorf("lab: link %d not scheduled: %w", rl.Index, err)
				linksFailed.Inc()
				mu.Lock()
				d.LinkErrs[rl.Index] = err
				errs = append(errs, err)
				mu.Unlock()
				return
			}

			realized, err := c.stitchLink(begun, d, rl, &mu)
			mu.Lock()
			if err != nil {
				d.LinkErrs[rl.Index] = err
				errs = append(errs, err)
			} else {
				d.Links[rl.Index] = realized
			}
			mu.Unlock()
		}(rl)
	}

	wg.Wait()
	lwg.Wait()

	joined := errors.Join(errs...)
	switch {
	case joined == nil:
		d.State = Active
		labsUp.Inc()
		log.Info("lab active")
	default:
		d.State = Degraded
		log.WithField("errors", len(errs)).Warn("lab degraded")
	}
	return d, joined
}

// provisionNode generates the node's boot payload and drives its
// lifecycle. The schedule context is consulted before any backend work
// begins; the begun context is what the backend calls receive.
func (c *Coordinator) provisionNode(schedule, begun context.Context, d *Deployment, node *topology.Node) (*lifecycle.NodeHandle, error) {
	if err := schedule.Err(); err != nil {
		h := &lifecycle.NodeHandle{Node: node, State: lifecycle.Failed, Err: err}
		nodesFailed.Inc()
		return h, fmt.Errorf("lab: node %s not scheduled: %w", node.Name, err)
	}

	np := d.Plan.Nodes[node.Name]
	id := bootcfg.Identity{
		LabID:    d.Lab.ID,
		NodeName: node.Name,
		MgmtMAC:  np.MgmtMAC,
		SSHKeys:  d.sshKeys,
	}
	for _, nic := range np.NICs {
		id.NICs = append(id.NICs, bootcfg.NICHint{Name: nic.Name, MAC: nic.MAC, MTU: nic.MTU})
	}

	boot, err := bootcfg.Generate(node.Profile, id)
	if err != nil {
		h := &lifecycle.NodeHandle{Node: node, State: lifecycle.Failed, Err: err}
		nodesFailed.Inc()
		return h, fmt.Errorf("lab: boot config for %s: %w", node.Name, err)
	}
	if boot.Media == bootcfg.MediaBoot && c.OnZTPRecord != nil {
		if rec := bootcfg.Record(boot, id); rec != nil {
			c.OnZTPRecord(rec)
		}
	}

	h, err := d.mgr.Provision(begun, node, np, boot)
	if err != nil {
		nodesFailed.Inc()
		return h, err
	}
	nodesProvisioned.Inc()
	return h, nil
}

// stitchLink realizes one link once both endpoints are attachable. A link
// whose endpoint node failed is skipped without touching the kernel.
func (c *Coordinator) stitchLink(ctx context.Context, d *Deployment, rl *topology.ResolvedLink, mu *sync.Mutex) (*stitch.RealizedLink, error) {
	mu.Lock()
	ha, hb := d.Nodes[rl.NodeA.Name], d.Nodes[rl.NodeB.Name]
	mu.Unlock()

	if ha == nil || ha.State != lifecycle.Running {
		linksFailed.Inc()
		return nil, fmt.Errorf("lab: link %d skipped: node %s not running", rl.Index, rl.NodeA.Name)
	}
	if hb == nil || hb.State != lifecycle.Running {
		linksFailed.Inc()
		return nil, fmt.Errorf("lab: link %d skipped: node %s not running", rl.Index, rl.NodeB.Name)
	}

	a, err := linkEndpoint(ha, rl.NodeA, rl.SlotA, d.Plan)
	if err != nil {
		linksFailed.Inc()
		return nil, fmt.Errorf("lab: link %d: %w", rl.Index, err)
	}
	b, err := linkEndpoint(hb, rl.NodeB, rl.SlotB, d.Plan)
	if err != nil {
		linksFailed.Inc()
		return nil, fmt.Errorf("lab: link %d: %w", rl.Index, err)
	}

	realized, err := d.stitcher.Stitch(ctx, d.Plan.Links[rl.Index], a, b)
	if err != nil {
		linksFailed.Inc()
		return nil, err
	}
	linksStitched.Inc()
	return realized, nil
}

// linkEndpoint builds the stitch endpoint for one side of a link.
func linkEndpoint(h *lifecycle.NodeHandle, node *topology.Node, slot int, plan *alloc.Plan) (stitch.Endpoint, error) {
	ih, ok := h.Iface(slot)
	if !ok {
		return stitch.Endpoint{}, fmt.Errorf("node %s has no attachable interface at slot %d", node.Name, slot)
	}
	nic := plan.Nodes[node.Name].NICBySlot(slot)
	if nic == nil {
		return stitch.Endpoint{}, fmt.Errorf("node %s slot %d missing from plan", node.Name, slot)
	}
	return stitch.Endpoint{Iface: ih, Name: nic.Name, MTU: nic.MTU}, nil
}

// Adopt reconstructs a Deployment from persisted state so a later process
// can destroy it. Interface handles are re-read from the backends on a
// best-effort basis; nodes whose resources are already gone keep an empty
// handle set, which teardown tolerates.
func (c *Coordinator) Adopt(ctx context.Context, topo *topology.Lab, profiles map[string]*topology.NodeConfig, handles map[string]backend.Handle) (*Deployment, error) {
	graph, err := topology.Validate(topo, profiles)
	if err != nil {
		return nil, err
	}
	plan, err := c.alloc.Allocate(graph)
	if err != nil {
		return nil, err
	}

	d := &Deployment{
		Lab:      topo,
		Graph:    graph,
		Plan:     plan,
		State:    Active,
		Nodes:    make(map[string]*lifecycle.NodeHandle),
		Links:    make(map[int]*stitch.RealizedLink),
		LinkErrs: make(map[int]error),
		mgr:      lifecycle.NewManager(topo.ID, topo.Name, c.backends),
		stitcher: stitch.New(topo.ID, c.netops),
	}
	for name, node := range graph.Nodes {
		h := &lifecycle.NodeHandle{
			Node:       node,
			State:      lifecycle.Running,
			Interfaces: make(map[int]backend.InterfaceHandle),
		}
		if bh, ok := handles[name]; ok {
			h.Backend = bh
			if ifaces, err := c.backends.For(node.Profile.Kind).Interfaces(ctx, bh); err == nil {
				for _, ih := range ifaces {
					h.Interfaces[ih.Index] = ih
				}
			}
		} else {
			h.State = lifecycle.Destroyed
		}
		d.Nodes[name] = h
	}
	return d, nil
}

// Destroy tears a deployment down: every link is unstitched first,
// regardless of deployment state, then every node is destroyed. All
// errors are collected; a repeated destroy is a no-op success.
func (c *Coordinator) Destroy(ctx context.Context, d *Deployment) error {
	if d == nil || d.State == Destroyed {
		return nil
	}
	log := util.WithLab(d.Lab.Name)
	log.Info("destroying lab")
	d.State = Destroying

	// Teardown completes even if the caller's context is cancelled
	// mid-way; a half-destroyed lab is worse than a slow one.
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, rl := range d.Graph.Links {
		a := unstitchEndpoint(d, rl.NodeA, rl.SlotA)
		b := unstitchEndpoint(d, rl.NodeB, rl.SlotB)
		if err := d.stitcher.Unstitch(ctx, d.Plan.Links[rl.Index], a, b); err != nil {
			errs = append(errs, err)
		}
		delete(d.Links, rl.Index)
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.workers)
	)
	for _, h := range d.Nodes {
		wg.Add(1)
		go func(h *lifecycle.NodeHandle) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := d.mgr.Destroy(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()

	d.State = Destroyed
	labsDestroyed.Inc()
	if err := errors.Join(errs...); err != nil {
		log.WithField("errors", len(errs)).Warn("lab destroyed with errors")
		return err
	}
	log.Info("lab destroyed")
	return nil
}

// unstitchEndpoint recovers whatever endpoint detail is still available
// for teardown. Nodes that never became attachable yield a zero endpoint;
// Unstitch tolerates that.
func unstitchEndpoint(d *Deployment, node *topology.Node, slot int) stitch.Endpoint {
	h, ok := d.Nodes[node.Name]
	if !ok || h == nil {
		return stitch.Endpoint{}
	}
	ih, ok := h.Iface(slot)
	if !ok {
		return stitch.Endpoint{}
	}
	nic := d.Plan.Nodes[node.Name].NICBySlot(slot)
	if nic == nil {
		return stitch.Endpoint{Iface: ih}
	}
	return stitch.Endpoint{Iface: ih, Name: nic.Name, MTU: nic.MTU}
}
