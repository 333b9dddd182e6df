// Package fake provides an in-memory remoteexec.Channel for tests: a
// hand-written double rather than a generated mock.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/kubev2v/igvm/internal/remoteexec"
	igvmerrors "github.com/kubev2v/igvm/pkg/errors"
)

// Channel is a scripted remoteexec.Channel. Responses maps an exact
// command string to the stdout it should return; Errors maps an exact
// command string to the error Run should return instead ("put <path>"
// and "read <path>" keys fail Put and ReadFile). Files backs Put and
// ReadFile. Calls records every command Run saw, plus a "put <path>" or
// "read <path>" entry for each Put and ReadFile, in order, for
// assertions on call sequence and rollback ordering.
type Channel struct {
	hostnameVal string

	mu        sync.Mutex
	Responses map[string]string
	Errors    map[string]error
	Files     map[string][]byte
	Modes     map[string]uint32
	Calls     []string
}

func New(hostname string) *Channel {
	return &Channel{
		hostnameVal: hostname,
		Responses:   make(map[string]string),
		Errors:      make(map[string]error),
		Files:       make(map[string][]byte),
		Modes:       make(map[string]uint32),
	}
}

func (c *Channel) Hostname() string { return c.hostnameVal }

func (c *Channel) Run(ctx context.Context, cmd string, opts ...remoteexec.RunOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, cmd)

	if err, ok := c.Errors[cmd]; ok {
		return c.Responses[cmd], fmt.Errorf("fake channel %s: %w", c.hostnameVal, err)
	}
	return c.Responses[cmd], nil
}

func (c *Channel) Put(ctx context.Context, path string, data []byte, mode uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "put "+path)
	if err, ok := c.Errors["put "+path]; ok {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.Files[path] = cp
	c.Modes[path] = mode
	return nil
}

func (c *Channel) ReadFile(ctx context.Context, path string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, "read "+path)
	if err, ok := c.Errors["read "+path]; ok {
		return nil, err
	}
	data, ok := c.Files[path]
	if !ok {
		return nil, igvmerrors.NewRemoteExecError(c.hostnameVal, "read "+path, fmt.Errorf("no such file"), "")
	}
	return data, nil
}

var _ remoteexec.Channel = (*Channel)(nil)
