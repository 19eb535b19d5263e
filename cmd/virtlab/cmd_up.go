package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/spf13/cobra"

	"github.com/virtlab-network/virtlab/pkg/backend"
	"github.com/virtlab-network/virtlab/pkg/lab"
	"github.com/virtlab-network/virtlab/pkg/lifecycle"
	"github.com/virtlab-network/virtlab/pkg/store"
	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

func newUpCmd() *cobra.Command {
	var file string
	var workers int
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Validate and bring up a lab",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			who, err := requireOwner()
			if err != nil {
				return err
			}
			topo, err := topology.LoadLab(file)
			if err != nil {
				return err
			}
			topo.Owner = who
			if topo.ID == "" {
				topo.ID = uuid.New()
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.GetLab(ctx, who, topo.Name); err == nil {
				return fmt.Errorf("lab %s/%s already exists: destroy it first", who, topo.Name)
			}

			profiles, err := store.Profiles(ctx, s)
			if err != nil {
				return err
			}
			var keys []string
			if u, err := s.GetUser(ctx, who); err == nil {
				keys = u.SSHKeys
			}

			coord := newCoordinator(workers)
			dep, upErr := coord.Up(ctx, topo, profiles, lab.UpOptions{SSHKeys: keys})
			if dep == nil {
				return upErr
			}

			rec := &store.LabRecord{
				ID:        topo.ID,
				Name:      topo.Name,
				Owner:     who,
				State:     string(dep.State),
				CreatedAt: time.Now().UTC(),
				Topology:  topo,
				Links:     dep.Links,
				Handles:   dep.Handles(),
			}
			if err := s.SaveLab(ctx, rec); err != nil {
				upErr = errors.Join(upErr, err)
			}

			printDeployment(dep)
			if upErr != nil {
				util.Warnf("lab %s came up degraded", topo.Name)
				return upErr
			}
			if wait > 0 {
				return waitForManagement(ctx, dep, wait)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "topology.yml", "topology file")
	cmd.Flags().IntVar(&workers, "workers", lab.DefaultWorkers, "parallel node workers")
	cmd.Flags().DurationVar(&wait, "wait", 0, "block until VM management SSH answers (e.g. 10m)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// waitForManagement blocks until every hypervisor node's forwarded SSH
// port answers a login, or the timeout passes.
func waitForManagement(ctx context.Context, dep *lab.Deployment, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	for _, node := range dep.Lab.Nodes {
		np := dep.Plan.Nodes[node.Name]
		if np == nil || np.SSHPort == 0 || dep.NodeState(node.Name) != lifecycle.Running {
			continue
		}
		fmt.Printf("  waiting for %s on 127.0.0.1:%d ...", node.Name, np.SSHPort)
		err := backend.WaitForSSH(ctx, "127.0.0.1", np.SSHPort,
			node.Profile.ZTPUsername, node.Profile.ZTPPassword)
		if err != nil {
			fmt.Printf(" %s\n", red("timeout"))
			errs = append(errs, err)
			continue
		}
		fmt.Printf(" %s\n", green("ready"))
	}
	return errors.Join(errs...)
}

func printDeployment(dep *lab.Deployment) {
	mark := green("✓")
	if dep.State != lab.Active {
		mark = yellow("!")
	}
	fmt.Printf("\n%s Lab %s is %s (%d nodes, %d/%d links)\n\n",
		mark, dep.Lab.Name, dep.State, len(dep.Nodes), len(dep.Links), len(dep.Graph.Links))

	fmt.Printf("  %-16s %-18s %s\n", "NODE", "STATE", "KIND")
	fmt.Printf("  %-16s %-18s %s\n", "────────────────", "──────────────────", "────")
	for _, node := range dep.Lab.Nodes {
		ns := dep.NodeState(node.Name)
		state := string(ns)
		if ns != lifecycle.Running {
			state = red(state)
		}
		fmt.Printf("  %-16s %-18s %s\n", node.Name, state, node.Profile.Kind)
	}
	for idx, err := range dep.LinkErrs {
		fmt.Printf("\n  %s link %d: %v\n", red("✗"), idx, err)
	}
}
