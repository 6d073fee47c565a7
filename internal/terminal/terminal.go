// Package terminal runs interactive shell sessions on a PTY so remote
// viewers get real terminal semantics: echo, line editing, and signal
// keys like Ctrl+C.
package terminal

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

type OutputHandler func(terminalID string, data []byte)
type StatusHandler func(terminalID, status, message string)

// Manager owns the live shell sessions, keyed by terminal id.
type Manager struct {
	shell string

	mu       sync.Mutex
	sessions map[string]*session
	onOutput OutputHandler
	onStatus StatusHandler
}

type session struct {
	id        string
	ptmx      *os.File
	cmd       *exec.Cmd
	closed    chan struct{}
	closeOnce sync.Once
	mgr       *Manager
}

func NewManager(shell string) *Manager {
	return &Manager{
		shell:    shell,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) SetOutputHandler(handler OutputHandler) {
	m.onOutput = handler
}

func (m *Manager) SetStatusHandler(handler StatusHandler) {
	m.onStatus = handler
}

// Attach opens the shell session for id, creating it on first use.
// Re-attaching to a live session only re-reports its status.
func (m *Manager) Attach(id, workDir string, cols, rows int) error {
	if id == "" {
		return fmt.Errorf("terminal id is required")
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		m.status(id, "attached", "")
		return nil
	}
	m.mu.Unlock()

	cmd := exec.Command(m.shell)
	cmd.Dir = workDir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		m.status(id, "error", err.Error())
		return fmt.Errorf("failed to start shell: %w", err)
	}
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})

	s := &session{
		id:     id,
		ptmx:   ptmx,
		cmd:    cmd,
		closed: make(chan struct{}),
		mgr:    m,
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.readLoop()
	go s.waitForExit()

	m.status(id, "attached", "")
	return nil
}

// Input writes raw bytes to the session's PTY.
func (m *Manager) Input(id string, data []byte) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("no terminal %s", id)
	}
	select {
	case <-s.closed:
		return fmt.Errorf("terminal %s is closed", id)
	default:
	}
	_, err := s.ptmx.Write(data)
	return err
}

// Resize changes the PTY window size.
func (m *Manager) Resize(id string, cols, rows int) error {
	s := m.get(id)
	if s == nil {
		return fmt.Errorf("no terminal %s", id)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Detach closes the session for id. Unknown ids are a no-op.
func (m *Manager) Detach(id string) {
	if s := m.get(id); s != nil {
		s.close()
	}
}

// CloseAll tears down every live session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) status(id, status, message string) {
	if m.onStatus != nil {
		m.onStatus(id, status, message)
	}
}

func (s *session) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 && s.mgr.onOutput != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.mgr.onOutput(s.id, data)
		}
		if err != nil {
			if err != io.EOF {
				select {
				case <-s.closed:
					// Expected during teardown.
				default:
					log.Printf("terminal %s: read error: %v", s.id, err)
				}
			}
			s.close()
			return
		}
	}
}

func (s *session) waitForExit() {
	_ = s.cmd.Wait()
	s.close()
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.ptmx.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}

		s.mgr.mu.Lock()
		delete(s.mgr.sessions, s.id)
		s.mgr.mu.Unlock()

		s.mgr.status(s.id, "closed", "")
	})
}
