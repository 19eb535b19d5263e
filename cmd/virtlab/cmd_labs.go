package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newLabsCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "labs",
		Short: "List stored labs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			who := ""
			if !all {
				var err error
				if who, err = requireOwner(); err != nil {
					return err
				}
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			labs, err := s.ListLabs(ctx, who)
			if err != nil {
				return err
			}

			fmt.Printf("%-16s %-12s %-10s %-7s %-7s %s\n", "LAB", "OWNER", "STATE", "NODES", "LINKS", "CREATED")
			for _, rec := range labs {
				nodes, links := 0, 0
				if rec.Topology != nil {
					nodes, links = len(rec.Topology.Nodes), len(rec.Topology.Links)
				}
				fmt.Printf("%-16s %-12s %-10s %-7d %-7d %s\n",
					rec.Name, rec.Owner, rec.State, nodes, links,
					rec.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "list labs of every user")
	return cmd
}
