// virtlab is a topology orchestrator for mixed VM and container labs.
//
// virtlab reads a lab topology (YAML), validates it against stored node
// config profiles, and brings the lab up on the local host: QEMU for
// virtual machines and unikernels, the container runtime for containers,
// with links stitched through bridges, veth pairs or VXLAN tunnels.
//
// Usage:
//
//	virtlab up -f <topology.yml>     Validate and bring up a lab
//	virtlab destroy <name>           Tear down a lab and all its resources
//	virtlab status <name>            Show node and link status
//	virtlab validate -f <file>       Validate a topology without deploying
//	virtlab profiles                 Manage node config profiles
//	virtlab labs                     List stored labs
//	virtlab user                     Manage users
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/virtlab-network/virtlab/pkg/util"
	"github.com/virtlab-network/virtlab/pkg/version"
)

var (
	verbose   bool
	storeAddr string
	stateRoot string
	runtime   string
	owner     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "virtlab",
	Short:             "Topology orchestration for mixed VM and container labs",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Virtlab deploys network labs from topology files.

Nodes are virtual machines, containers or unikernels described by stored
config profiles; links between them are realized as Linux bridges, veth
pairs or VXLAN tunnels.

  virtlab up -f topology.yml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&storeAddr, "store", "", "redis address (default $VIRTLAB_REDIS, or in-memory)")
	rootCmd.PersistentFlags().StringVar(&stateRoot, "state-dir", "", "state directory (default ~/.virtlab)")
	rootCmd.PersistentFlags().StringVar(&runtime, "runtime", "docker", "container runtime binary")
	rootCmd.PersistentFlags().StringVarP(&owner, "owner", "u", "", "acting user (default $VIRTLAB_USER or $USER)")

	rootCmd.AddCommand(
		newUpCmd(),
		newDestroyCmd(),
		newStatusCmd(),
		newValidateCmd(),
		newProfilesCmd(),
		newLabsCmd(),
		newUserCmd(),
		newVersionCmd(),
	)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("virtlab %s (%s)\n", version.Version, version.GitCommit)
		},
	}
}
