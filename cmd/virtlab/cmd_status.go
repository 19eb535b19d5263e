package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virtlab-network/virtlab/pkg/alloc"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <lab>",
		Short: "Show node and link status for a stored lab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			who, err := requireOwner()
			if err != nil {
				return err
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.GetLab(ctx, who, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Lab %s (owner %s, state %s)\n\n", rec.Name, rec.Owner, rec.State)
			fmt.Printf("  %-16s %-24s %-10s %s\n", "NODE", "PROFILE", "SSH", "BACKEND ID")
			fmt.Printf("  %-16s %-24s %-10s %s\n", "────────────────", "────────────────────────", "──────────", "──────────")
			for _, node := range rec.Topology.Nodes {
				id, ssh := "-", "-"
				if h, ok := rec.Handles[node.Name]; ok {
					id = h.ID
					if h.Kind.Hypervisor() {
						ssh = fmt.Sprintf(":%d", alloc.SSHBase+node.Index)
					}
				}
				fmt.Printf("  %-16s %-24s %-10s %s\n", node.Name, node.Config, ssh, id)
			}

			if len(rec.Links) > 0 {
				fmt.Printf("\n  %-6s %-12s %s\n", "LINK", "KIND", "OBJECTS")
				fmt.Printf("  %-6s %-12s %s\n", "──────", "────────────", "───────")
				for idx, rl := range rec.Links {
					objects := rl.Bridge
					if objects == "" && len(rl.Veths) > 0 {
						objects = rl.Veths[0]
					}
					if len(rl.Tunnels) > 0 {
						objects = fmt.Sprintf("%s (udp %d<->%d)", rl.Tunnels[0], rl.PortA, rl.PortB)
					}
					fmt.Printf("  %-6d %-12s %s\n", idx, rl.Kind, objects)
				}
			}
			return nil
		},
	}
	return cmd
}
