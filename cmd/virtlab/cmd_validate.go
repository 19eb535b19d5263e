package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virtlab-network/virtlab/pkg/store"
	"github.com/virtlab-network/virtlab/pkg/topology"
	"github.com/virtlab-network/virtlab/pkg/util"
)

func newValidateCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a topology file without deploying",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			topo, err := topology.LoadLab(file)
			if err != nil {
				return err
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			profiles, err := store.Profiles(ctx, s)
			if err != nil {
				return err
			}

			graph, err := topology.Validate(topo, profiles)
			var verr *util.ValidationError
			if errors.As(err, &verr) {
				fmt.Printf("%s %s failed validation:\n", red("✗"), file)
				for _, msg := range verr.Errors {
					fmt.Printf("  - %s\n", msg)
				}
				return err
			}
			if err != nil {
				return err
			}

			fmt.Printf("%s %s is valid: %s\n", green("✓"), file, graph)
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "topology.yml", "topology file")
	return cmd
}
