// Package agent owns the lifecycle of agent CLI subprocesses. A Bridge
// is bound to one working directory and runs at most one process at a
// time; a new message preempts the previous turn instead of queuing.
package agent

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pairlink/pairlink/internal/stream"
)

// Bridge-synthesized event kinds, alongside the translator's own.
const (
	EventStatus = "status"
	EventError  = "error"
)

// Environment keys with these prefixes are stripped before spawning so
// a fresh invocation does not inherit unrelated session state.
var envDenyPrefixes = []string{"CLAUDE", "MCP_"}

// Publisher receives every event a Bridge produces, in order.
type Publisher func(event stream.Event)

type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Bridge drives agent subprocess turns for a single working directory.
type Bridge struct {
	bin       string
	workDir   string
	dangerous bool
	killDelay time.Duration

	mu        sync.Mutex
	current   *proc
	sessionID string
	publish   Publisher
}

func NewBridge(bin, workDir string, dangerous bool) *Bridge {
	return &Bridge{
		bin:       bin,
		workDir:   workDir,
		dangerous: dangerous,
		killDelay: 5 * time.Second,
	}
}

func (b *Bridge) SetPublisher(publisher Publisher) {
	b.publish = publisher
}

// WorkDir returns the directory this bridge executes in.
func (b *Bridge) WorkDir() string {
	return b.workDir
}

// SessionID returns the stored resumption token, if any.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Submit starts a new turn. Any in-flight process is terminated first
// (preemption); the call returns once the new process has been spawned.
// An explicit resumption token takes priority over the stored one.
func (b *Bridge) Submit(message, token string, autoApprove bool) error {
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("message is empty")
	}

	b.mu.Lock()
	if b.current != nil {
		b.signalLocked(b.current)
		b.current = nil
	}
	if token == "" {
		token = b.sessionID
	}
	b.mu.Unlock()

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if autoApprove || b.dangerous {
		args = append(args, "--dangerously-skip-permissions")
	}
	if token != "" {
		args = append(args, "--resume", token)
	}
	args = append(args, message)

	cmd := exec.Command(b.bin, args...)
	cmd.Dir = b.workDir
	cmd.Env = sanitizeEnv(os.Environ())
	// Stdin stays disconnected: piping input alongside -p mode is known
	// to hang the agent CLI on some platforms.
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.emit(stream.Event{Kind: EventError, Text: fmt.Sprintf("failed to start agent: %v", err)})
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		b.emit(stream.Event{Kind: EventError, Text: fmt.Sprintf("failed to start agent: %v", err)})
		return err
	}

	if err := cmd.Start(); err != nil {
		b.emit(stream.Event{Kind: EventError, Text: fmt.Sprintf("failed to start %s: %v", b.bin, err)})
		return err
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	b.mu.Lock()
	b.current = p
	b.mu.Unlock()

	b.emit(stream.Event{Kind: EventStatus, Description: "working"})

	go b.pump(p, stdout, stderr)
	return nil
}

// Terminate signals the live process, if any. Idempotent.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current != nil {
		b.signalLocked(b.current)
		b.current = nil
	}
}

// signalLocked sends SIGTERM and arms a delayed SIGKILL in case the
// process ignores it. Callers hold b.mu.
func (b *Bridge) signalLocked(p *proc) {
	if p.cmd.Process == nil {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	delay := b.killDelay
	go func() {
		select {
		case <-p.done:
		case <-time.After(delay):
			_ = p.cmd.Process.Kill()
		}
	}()
}

func (b *Bridge) pump(p *proc, stdout, stderr io.Reader) {
	defer close(p.done)

	// Stderr is diagnostics only; never parsed, never republished.
	go func() {
		data, _ := io.ReadAll(stderr)
		if len(data) > 0 {
			log.Printf("agent stderr (%s): %s", b.workDir, strings.TrimSpace(string(data)))
		}
	}()

	tr := stream.NewTranslator()
	tr.SetTokenHandler(func(token string) {
		b.mu.Lock()
		b.sessionID = token
		b.mu.Unlock()
	})

	sawOutput := false
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			sawOutput = true
			for _, event := range tr.Write(buf[:n]) {
				b.emit(event)
			}
		}
		if err != nil {
			break
		}
	}
	for _, event := range tr.Close() {
		b.emit(event)
	}

	err := p.cmd.Wait()

	b.mu.Lock()
	preempted := b.current != p
	if !preempted {
		b.current = nil
	}
	b.mu.Unlock()

	// A preempted turn must stay silent: its failure hint or done
	// marker would land in the middle of the successor turn.
	if preempted {
		return
	}

	if err != nil && !sawOutput {
		b.emit(stream.Event{
			Kind: EventError,
			Text: fmt.Sprintf("%s exited without producing output (%v); verify the agent tool is installed and authenticated", b.bin, err),
		})
		return
	}

	// Terminal marker so listeners know the turn closed even when no
	// result record arrived.
	b.emit(stream.Event{Kind: stream.EventText, Final: true})
}

func (b *Bridge) emit(event stream.Event) {
	if b.publish != nil {
		b.publish(event)
	}
}

func sanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		denied := false
		for _, prefix := range envDenyPrefixes {
			if strings.HasPrefix(key, prefix) {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, kv)
		}
	}
	return out
}
