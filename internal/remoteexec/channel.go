package remoteexec

import "context"

// RunOption configures a single Run invocation.
type RunOption func(*runConfig)

type runConfig struct {
	silent   bool
	warnOnly bool
}

// Silent suppresses logging of the command line (the command still runs
// and its stdout is still returned to the caller).
func Silent() RunOption {
	return func(c *runConfig) { c.silent = true }
}

// WarnOnly downgrades a non-zero exit status from an error to a logged
// warning; Run still returns the captured stdout in that case.
func WarnOnly() RunOption {
	return func(c *runConfig) { c.warnOnly = true }
}

func newRunConfig(opts ...RunOption) runConfig {
	var c runConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Channel is a capability to run shell commands, upload files and read
// files on one named remote host. Exit status non-zero is a
// *pkg/errors.RemoteExecError unless WarnOnly was given.
type Channel interface {
	Hostname() string
	Run(ctx context.Context, cmd string, opts ...RunOption) (stdout string, err error)
	Put(ctx context.Context, path string, data []byte, mode uint32) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
}
