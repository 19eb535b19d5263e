package main

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/virtlab-network/virtlab/pkg/store"
	"github.com/virtlab-network/virtlab/pkg/topology"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(
		newUserAddCmd(),
		newUserListCmd(),
		newUserDeleteCmd(),
	)
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var admin bool
	var keyFile string
	var noPassword bool

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			if !topology.ValidUsername(name) {
				return fmt.Errorf("invalid username %q: 3-32 chars, lowercase first, then [a-z0-9_-]", name)
			}

			rec := &store.UserRecord{
				Name:      name,
				Admin:     admin,
				CreatedAt: time.Now().UTC(),
			}

			if keyFile != "" {
				keys, err := readAuthorizedKeys(keyFile)
				if err != nil {
					return err
				}
				rec.SSHKeys = keys
			}

			if !noPassword {
				fmt.Fprintf(os.Stderr, "Password for %s: ", name)
				pw, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				if len(pw) > 0 {
					hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
					if err != nil {
						return err
					}
					rec.PasswordHash = string(hash)
				}
			}

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.SaveUser(ctx, rec); err != nil {
				return err
			}
			fmt.Printf("%s Added user %s (%d ssh keys)\n", green("✓"), name, len(rec.SSHKeys))
			return nil
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin")
	cmd.Flags().StringVarP(&keyFile, "keys", "k", "", "authorized_keys file")
	cmd.Flags().BoolVar(&noPassword, "no-password", false, "skip password prompt")
	return cmd
}

// readAuthorizedKeys parses an authorized_keys file and returns each valid
// key re-serialized in canonical form.
func readAuthorizedKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []string
	data = bytes.TrimSpace(data)
	for len(data) > 0 {
		pub, comment, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		line := string(bytes.TrimSpace(ssh.MarshalAuthorizedKey(pub)))
		if comment != "" {
			line += " " + comment
		}
		keys = append(keys, line)
		data = bytes.TrimSpace(rest)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s contains no keys", path)
	}
	return keys, nil
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			users, err := s.ListUsers(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-16s %-7s %-9s %s\n", "NAME", "ADMIN", "SSH KEYS", "CREATED")
			for _, u := range users {
				fmt.Printf("%-16s %-7v %-9d %s\n", u.Name, u.Admin, len(u.SSHKeys),
					u.CreatedAt.Format("2006-01-02"))
			}
			return nil
		},
	}
}

func newUserDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a user and their stored labs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.DeleteUser(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("%s Deleted user %s\n", green("✓"), args[0])
			return nil
		},
	}
}
