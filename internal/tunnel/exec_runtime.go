package tunnel

import (
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// killGrace is how long a process gets to exit after SIGTERM before it is
// forcibly killed.
const killGrace = 500 * time.Millisecond

// ExecRuntime runs tunnel specs as real subprocesses and tracks every one
// it spawned so a shutdown can reap stragglers.
type ExecRuntime struct {
	mu    sync.Mutex
	procs map[*execProc]struct{}
}

// NewExecRuntime returns an empty ExecRuntime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{procs: make(map[*execProc]struct{})}
}

// Spawn starts the spec's process. The returned handle reports liveness
// without blocking and kills with SIGTERM-then-SIGKILL escalation.
func (rt *ExecRuntime) Spawn(spec Spec) (Process, error) {
	cmd := exec.Command(spec.Exe, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProc{cmd: cmd, done: make(chan struct{}), rt: rt}
	rt.mu.Lock()
	rt.procs[p] = struct{}{}
	rt.mu.Unlock()
	go p.reap()
	return p, nil
}

// KillAll terminates every process this runtime still tracks.
func (rt *ExecRuntime) KillAll() {
	rt.mu.Lock()
	tracked := make([]*execProc, 0, len(rt.procs))
	for p := range rt.procs {
		tracked = append(tracked, p)
	}
	rt.mu.Unlock()
	for _, p := range tracked {
		_ = p.Kill()
	}
}

// LiveCount reports how many spawned processes have not exited yet.
func (rt *ExecRuntime) LiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.procs)
}

func (rt *ExecRuntime) forget(p *execProc) {
	rt.mu.Lock()
	delete(rt.procs, p)
	rt.mu.Unlock()
}

type execProc struct {
	cmd  *exec.Cmd
	done chan struct{}
	kill sync.Once
	rt   *ExecRuntime
}

// reap waits for process exit so the child never zombies, then drops the
// handle from the runtime registry.
func (p *execProc) reap() {
	_ = p.cmd.Wait()
	close(p.done)
	p.rt.forget(p)
}

func (p *execProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProc) Kill() error {
	var err error
	p.kill.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		select {
		case <-p.done:
			return // already exited, nothing to signal
		default:
		}
		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			err = p.cmd.Process.Kill()
			return
		}
		select {
		case <-p.done:
		case <-time.After(killGrace):
			err = p.cmd.Process.Kill()
		}
	})
	return err
}
