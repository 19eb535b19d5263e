package backend

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
)

const sshPollInterval = 5 * time.Second

// WaitForSSH polls SSH login on host:port until it succeeds or ctx ends.
// A node counts as reachable only when a session can run a command, since
// network OS images accept TCP long before login works.
func WaitForSSH(ctx context.Context, host string, port int, user, pass string) error {
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	for {
		if probeSSH(addr, config) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("backend: ssh wait for %s: %w", addr, ctx.Err())
		case <-time.After(sshPollInterval):
		}
	}
}

func probeSSH(addr string, config *ssh.ClientConfig) bool {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return false
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false
	}
	defer session.Close()

	_, err = session.CombinedOutput("echo ready")
	return err == nil
}
