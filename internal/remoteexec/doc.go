// Package remoteexec defines the RemoteExec capability: running shell
// commands, uploading files and reading files on a named,
// pre-authenticated remote host. Channel is the interface the rest of
// the engine depends on; SSHChannel is a concrete implementation over
// golang.org/x/crypto/ssh for environments that authenticate hypervisors
// over SSH. Authentication itself (credential loading, host key
// verification policy) is the caller's concern - Channel is constructed
// from an already-dialed *ssh.Client.
package remoteexec
