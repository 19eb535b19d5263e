package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/virtlab-network/virtlab/pkg/lab"
	"github.com/virtlab-network/virtlab/pkg/store"
	"github.com/virtlab-network/virtlab/pkg/util"
)

func newDestroyCmd() *cobra.Command {
	var workers int
	var keep bool

	cmd := &cobra.Command{
		Use:   "destroy <lab>",
		Short: "Tear down a lab and all its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			who, err := requireOwner()
			if err != nil {
				return err
			}
			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.GetLab(ctx, who, name)
			if errors.Is(err, util.ErrNotFound) {
				// Idempotent: a destroyed lab stays destroyed.
				fmt.Printf("%s Lab %s not found, nothing to destroy\n", green("✓"), name)
				return nil
			}
			if err != nil {
				return err
			}

			profiles, err := store.Profiles(ctx, s)
			if err != nil {
				return err
			}

			coord := newCoordinator(workers)
			dep, err := coord.Adopt(ctx, rec.Topology, profiles, rec.Handles)
			if err != nil {
				return fmt.Errorf("cannot rebuild lab %s for teardown: %w", name, err)
			}

			destroyErr := coord.Destroy(ctx, dep)
			if !keep {
				if err := s.DeleteLab(ctx, who, name); err != nil && !errors.Is(err, util.ErrNotFound) {
					destroyErr = errors.Join(destroyErr, err)
				}
			}
			if destroyErr != nil {
				fmt.Printf("%s Lab %s destroyed with errors\n", yellow("!"), name)
				return destroyErr
			}
			fmt.Printf("%s Lab %s destroyed\n", green("✓"), name)
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", lab.DefaultWorkers, "parallel node workers")
	cmd.Flags().BoolVar(&keep, "keep-record", false, "keep the stored lab record")
	return cmd
}
