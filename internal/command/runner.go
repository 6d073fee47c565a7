// Package command runs ad-hoc shell commands identified by a
// caller-supplied id, streaming stdout/stderr independently of any
// agent bridge.
package command

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// OutputHandler receives one chunk of command output. stream is
// "stdout" or "stderr". Per-id, per-stream ordering is preserved;
// cross-id ordering is not guaranteed.
type OutputHandler func(id, stream string, data []byte)

// ExitHandler receives the completion of one execution.
type ExitHandler func(id string, exitCode int, durationMS int64)

type execution struct {
	cmd     *exec.Cmd
	started time.Time
}

// Runner multiplexes concurrent shell command executions.
type Runner struct {
	mu       sync.Mutex
	running  map[string]*execution
	onOutput OutputHandler
	onExit   ExitHandler
}

func NewRunner() *Runner {
	return &Runner{running: make(map[string]*execution)}
}

func (r *Runner) SetOutputHandler(handler OutputHandler) {
	r.onOutput = handler
}

func (r *Runner) SetExitHandler(handler ExitHandler) {
	r.onExit = handler
}

// Run spawns a shell-interpreted command. The id must be unique among
// currently running executions; it is freed once the exit handler has
// fired. Spawn failures surface as a stderr chunk plus a synthetic
// non-zero completion rather than an error return.
func (r *Runner) Run(id, commandLine, workDir string) error {
	if id == "" {
		return fmt.Errorf("command id is required")
	}

	r.mu.Lock()
	if _, exists := r.running[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("command id %q is already running", id)
	}

	cmd := exec.Command("/bin/sh", "-c", commandLine)
	cmd.Dir = workDir
	// Each execution gets its own process group so kills reach the
	// shell's children, not just the shell itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
			if err == nil {
				exe := &execution{cmd: cmd, started: time.Now()}
				r.running[id] = exe
				r.mu.Unlock()

				go r.pump(id, exe, stdout, stderr)
				return nil
			}
		}
	}
	r.mu.Unlock()

	r.emitOutput(id, "stderr", []byte(err.Error()+"\n"))
	r.emitExit(id, 127, 0)
	return nil
}

// Kill signals one running execution. Unknown ids are ignored.
func (r *Runner) Kill(id string) {
	r.mu.Lock()
	exe, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		killGroup(exe.cmd)
	}
}

// KillAll terminates every running execution. Safe to call repeatedly.
func (r *Runner) KillAll() {
	r.mu.Lock()
	executions := make([]*execution, 0, len(r.running))
	for _, exe := range r.running {
		executions = append(executions, exe)
	}
	r.mu.Unlock()

	for _, exe := range executions {
		killGroup(exe.cmd)
	}
}

// killGroup kills the execution's whole process group. Orphans would
// otherwise hold the output pipes open and stall the exit event.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func (r *Runner) pump(id string, exe *execution, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go r.copyStream(id, "stdout", stdout, &wg)
	go r.copyStream(id, "stderr", stderr, &wg)
	wg.Wait()

	err := exe.cmd.Wait()

	r.mu.Lock()
	delete(r.running, id)
	r.mu.Unlock()

	exitCode := 0
	if err != nil {
		exitCode = exe.cmd.ProcessState.ExitCode()
		if exitCode == 0 {
			exitCode = 1
		}
	}
	r.emitExit(id, exitCode, time.Since(exe.started).Milliseconds())
}

func (r *Runner) copyStream(id, name string, reader io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 16*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.emitOutput(id, name, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) emitOutput(id, stream string, data []byte) {
	if r.onOutput != nil {
		r.onOutput(id, stream, data)
	}
}

func (r *Runner) emitExit(id string, exitCode int, durationMS int64) {
	if r.onExit != nil {
		r.onExit(id, exitCode, durationMS)
	}
}
