// Package tunnel defines the two narrow collaborator contracts the engine
// consumes — turning a proxy URI into a spawnable process specification,
// and running such processes — plus the local port allocator feeding them.
package tunnel

import (
	"errors"
	"os"
)

// Spec is an opaque, spawnable process specification produced by a
// Compiler. The engine never inspects protocol internals; it only spawns,
// polls, kills, and removes the config artifact.
type Spec struct {
	Exe        string
	Args       []string
	Dir        string
	Env        []string
	ConfigPath string
}

// RemoveConfig deletes the compiled config artifact, if any. Safe to call
// more than once.
func (s Spec) RemoveConfig() {
	if s.ConfigPath == "" {
		return
	}
	_ = os.Remove(s.ConfigPath)
}

// Compiler turns a proxy URI plus a target local SOCKS port into a Spec.
type Compiler interface {
	Compile(uri string, localPort int) (Spec, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(uri string, localPort int) (Spec, error)

func (f CompilerFunc) Compile(uri string, localPort int) (Spec, error) {
	return f(uri, localPort)
}

// Process is a handle on one spawned tunnel process.
type Process interface {
	// Alive reports whether the process is still running.
	Alive() bool
	// Kill terminates the process; graceful first, forced after a bounded
	// grace period. Idempotent.
	Kill() error
}

// Runtime spawns tunnel processes. Used identically by the verifier and
// the backend lifecycle manager.
type Runtime interface {
	Spawn(spec Spec) (Process, error)
}

// ErrNoRuntime is returned when real-tunnel verification is requested but
// no Runtime or Compiler is configured.
var ErrNoRuntime = errors.New("tunnel: no runtime configured")
