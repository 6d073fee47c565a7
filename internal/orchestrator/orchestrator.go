// Package orchestrator routes inbound work to per-directory agent
// bridges and exposes workspace operations. One orchestrator serves one
// host session; bridge entries are never evicted so resumption tokens
// survive across messages.
package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pairlink/pairlink/internal/agent"
	"github.com/pairlink/pairlink/internal/command"
	"github.com/pairlink/pairlink/internal/protocol"
	"github.com/pairlink/pairlink/internal/stream"
	"github.com/pairlink/pairlink/internal/workspace"
)

// EventHandler receives every bridge event along with the canonical
// working directory of the bridge that produced it.
type EventHandler func(workDir string, event stream.Event)

type Orchestrator struct {
	agentBin   string
	dangerous  bool
	defaultDir string
	runner     *command.Runner

	mu      sync.Mutex
	bridges map[string]*agent.Bridge
	onEvent EventHandler
}

func New(agentBin string, dangerous bool, defaultDir string, runner *command.Runner) *Orchestrator {
	return &Orchestrator{
		agentBin:   agentBin,
		dangerous:  dangerous,
		defaultDir: defaultDir,
		runner:     runner,
		bridges:    make(map[string]*agent.Bridge),
	}
}

func (o *Orchestrator) SetEventHandler(handler EventHandler) {
	o.onEvent = handler
}

// GetOrCreate returns the bridge for a working directory, creating it
// on first use. Paths are canonicalized so aliases of the same
// directory share one bridge.
func (o *Orchestrator) GetOrCreate(workDir string) (*agent.Bridge, error) {
	if strings.TrimSpace(workDir) == "" {
		workDir = o.defaultDir
	}
	canonical, err := canonicalize(workDir)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if b, ok := o.bridges[canonical]; ok {
		return b, nil
	}

	b := agent.NewBridge(o.agentBin, canonical, o.dangerous)
	b.SetPublisher(func(event stream.Event) {
		if o.onEvent != nil {
			o.onEvent(canonical, event)
		}
	})
	o.bridges[canonical] = b
	return b, nil
}

// HandleMessage resolves the target bridge and submits the message.
func (o *Orchestrator) HandleMessage(content, workDir, token string, autoApprove bool) error {
	b, err := o.GetOrCreate(workDir)
	if err != nil {
		return err
	}
	return b.Submit(content, token, autoApprove)
}

// ScanWorkspace discovers projects under root (default workspace root).
func (o *Orchestrator) ScanWorkspace(root string) (protocol.WorkspaceProjects, error) {
	if strings.TrimSpace(root) == "" {
		root = o.defaultDir
	}
	return workspace.Scan(root)
}

// BrowseFiles lists one directory level.
func (o *Orchestrator) BrowseFiles(path string) (protocol.Entries, error) {
	if strings.TrimSpace(path) == "" {
		path = o.defaultDir
	}
	return workspace.Browse(path)
}

// RunCommand delegates to the command multiplexer.
func (o *Orchestrator) RunCommand(req protocol.CommandRun) error {
	dir := req.WorkingDir
	if strings.TrimSpace(dir) == "" {
		dir = o.defaultDir
	}
	return o.runner.Run(req.ID, req.Command, dir)
}

// CreateProject creates the directory tree if absent. It does not
// scaffold any content.
func (o *Orchestrator) CreateProject(path, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("project name is required")
	}
	if strings.TrimSpace(path) == "" {
		path = o.defaultDir
	}
	target := filepath.Join(path, name)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}
	return target, nil
}

// BridgeCount reports the number of live bridge entries.
func (o *Orchestrator) BridgeCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bridges)
}

// ShutdownAll terminates every bridge process and running command, then
// clears the registry. Safe to call more than once.
func (o *Orchestrator) ShutdownAll() {
	o.mu.Lock()
	bridges := make([]*agent.Bridge, 0, len(o.bridges))
	for _, b := range o.bridges {
		bridges = append(bridges, b)
	}
	o.bridges = make(map[string]*agent.Bridge)
	o.mu.Unlock()

	for _, b := range bridges {
		b.Terminate()
	}
	o.runner.KillAll()
}

// canonicalize resolves a working directory to an absolute,
// symlink-free path. Nonexistent paths keep their absolute form so the
// spawn failure surfaces on submit instead.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
