package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/virtlab-network/virtlab/pkg/topology"
)

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage node config profiles",
	}
	cmd.AddCommand(
		newProfilesAddCmd(),
		newProfilesListCmd(),
		newProfilesDeleteCmd(),
	)
	return cmd
}

func newProfilesAddCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a profile from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var cfg topology.NodeConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SaveConfig(ctx, &cfg); err != nil {
				return err
			}
			fmt.Printf("%s Added profile %s\n", green("✓"), cfg.VersionKey())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "profile file")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newProfilesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			configs, err := s.ListConfigs(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("%-20s %-16s %-10s %-8s %s\n", "MODEL", "KIND", "VERSION", "DEFAULT", "IMAGE")
			for _, cfg := range configs {
				def := ""
				if cfg.Default {
					def = "*"
				}
				fmt.Printf("%-20s %-16s %-10s %-8s %s\n", cfg.Model, cfg.Kind, cfg.Version, def, cfg.Image)
			}
			return nil
		},
	}
}

func newProfilesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model> <kind> <version>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			kind := topology.NodeKind(args[1])
			if err := s.DeleteConfig(ctx, args[0], kind, args[2]); err != nil {
				return err
			}
			fmt.Printf("%s Deleted profile %s:%s:%s\n", green("✓"), args[0], kind, args[2])
			return nil
		},
	}
}
