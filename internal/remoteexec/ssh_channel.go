package remoteexec

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// SSHChannel implements Channel over a pre-authenticated *ssh.Client.
// The engine never dials or authenticates itself - the caller supplies a
// connected client.
type SSHChannel struct {
	hostname string
	client   *ssh.Client
	log      *zap.SugaredLogger
}

func NewSSHChannel(hostname string, client *ssh.Client) *SSHChannel {
	return &SSHChannel{
		hostname: hostname,
		client:   client,
		log:      zap.S().Named("remoteexec").With("host", hostname),
	}
}

func (c *SSHChannel) Hostname() string { return c.hostname }

func (c *SSHChannel) Run(ctx context.Context, cmd string, opts ...RunOption) (string, error) {
	cfg := newRunConfig(opts...)

	session, err := c.client.NewSession()
	if err != nil {
		return "", igvmerrors.NewRemoteExecError(c.hostname, cmd, err, "")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if !cfg.silent {
		c.log.Debugw("run", "cmd", cmd)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return stdout.String(), igvmerrors.NewRemoteExecError(c.hostname, cmd, ctx.Err(), stderr.String())
	case err := <-done:
		if err != nil {
			if cfg.warnOnly {
				c.log.Warnw("command exited non-zero, continuing", "cmd", cmd, "error", err, "stderr", stderr.String())
				return stdout.String(), nil
			}
			return stdout.String(), igvmerrors.NewRemoteExecError(c.hostname, cmd, err, stderr.String())
		}
		return stdout.String(), nil
	}
}

// Put uploads data to path on the remote host and chmods it to mode, by
// piping through the shell rather than a separate SFTP subsystem - this
// keeps the channel to a single SSH exec surface.
func (c *SSHChannel) Put(ctx context.Context, path string, data []byte, mode uint32) error {
	session, err := c.client.NewSession()
	if err != nil {
		return igvmerrors.NewRemoteExecError(c.hostname, "put "+path, err, "")
	}
	defer session.Close()

	session.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	session.Stderr = &stderr

	cmd := fmt.Sprintf("cat > %s && chmod %o %s", path, mode, path)

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return igvmerrors.NewRemoteExecError(c.hostname, cmd, ctx.Err(), stderr.String())
	case err := <-done:
		if err != nil {
			return igvmerrors.NewRemoteExecError(c.hostname, cmd, err, stderr.String())
		}
		return nil
	}
}

func (c *SSHChannel) ReadFile(ctx context.Context, path string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, igvmerrors.NewRemoteExecError(c.hostname, "read "+path, err, "")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmd := "cat " + path
	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, igvmerrors.NewRemoteExecError(c.hostname, cmd, ctx.Err(), stderr.String())
	case err := <-done:
		if err != nil {
			return nil, igvmerrors.NewRemoteExecError(c.hostname, cmd, err, stderr.String())
		}
		return stdout.Bytes(), nil
	}
}

var _ Channel = (*SSHChannel)(nil)
