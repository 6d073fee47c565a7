package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pairlink/pairlink/internal/agent"
	"github.com/pairlink/pairlink/internal/approval"
	"github.com/pairlink/pairlink/internal/command"
	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/internal/orchestrator"
	"github.com/pairlink/pairlink/internal/protocol"
	"github.com/pairlink/pairlink/internal/stream"
	"github.com/pairlink/pairlink/internal/terminal"
	"github.com/pairlink/pairlink/internal/workspace"
	"github.com/pairlink/pairlink/internal/ws"
)

// Host is the daemon that owns one pairing code: it bridges the relay
// link to local agent processes, shell commands, terminals, and the
// approval hook server.
type Host struct {
	cfg       *config.Config
	client    *ws.Client
	orch      *orchestrator.Orchestrator
	runner    *command.Runner
	terminals *terminal.Manager
	approvals *approval.Server
	watcher   *workspace.Watcher
}

func main() {
	configPath := flag.String("config", "/etc/pairlink/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Relay.WSURL == "" {
		log.Fatal("relay.ws_url is required")
	}
	if cfg.Relay.Code == "" {
		log.Fatal("relay.code is required")
	}

	host := &Host{cfg: cfg}
	if err := host.Run(); err != nil {
		log.Fatalf("Host error: %v", err)
	}
}

func (h *Host) Run() error {
	h.runner = command.NewRunner()
	h.runner.SetOutputHandler(func(id, streamName string, data []byte) {
		h.send(protocol.TypeCommandOutput, protocol.CommandOutput{
			ID:     id,
			Stream: streamName,
			Data:   string(data),
		})
	})
	h.runner.SetExitHandler(func(id string, exitCode int, durationMS int64) {
		h.send(protocol.TypeCommandExit, protocol.CommandExit{
			ID:         id,
			ExitCode:   exitCode,
			DurationMS: durationMS,
		})
	})

	h.orch = orchestrator.New(h.cfg.Agent.Bin, h.cfg.Agent.Dangerous, h.cfg.Workspace.Root, h.runner)
	h.orch.SetEventHandler(h.handleBridgeEvent)

	h.terminals = terminal.NewManager(h.cfg.Terminal.Shell)
	h.terminals.SetOutputHandler(func(terminalID string, data []byte) {
		h.send(protocol.TypeTerminalOutput, protocol.TerminalOutput{
			TerminalID: terminalID,
			Data:       base64.StdEncoding.EncodeToString(data),
		})
	})
	h.terminals.SetStatusHandler(func(terminalID, status, message string) {
		h.send(protocol.TypeTerminalStatus, protocol.TerminalStatus{
			TerminalID: terminalID,
			Status:     status,
			Message:    message,
		})
	})

	h.approvals = approval.NewServer(
		h.cfg.Approvals.HTTPListen,
		time.Duration(h.cfg.Approvals.TimeoutMs)*time.Millisecond,
	)
	h.approvals.SetRequestHandler(func(req protocol.PermissionRequest) {
		h.send(protocol.TypePermissionRequest, req)
	})
	if err := h.approvals.Start(); err != nil {
		return err
	}
	// Operators point the agent CLI's permission hook at this endpoint.
	log.Printf("agent permission hook endpoint: %s", h.approvals.HookURL())

	watcher, err := workspace.NewWatcher(h.cfg.Workspace.Root, func() {
		h.send(protocol.TypeWorkspaceChanged, protocol.WorkspaceChanged{Root: h.cfg.Workspace.Root})
	})
	if err != nil {
		log.Printf("workspace watcher disabled: %v", err)
	} else {
		h.watcher = watcher
	}

	backoff := time.Duration(h.cfg.Relay.ReconnectBackoffMs) * time.Millisecond
	h.client = ws.NewClient(h.cfg.Relay.WSURL, backoff)
	h.client.SetMessageHandler(h.handleMessage)
	h.client.SetOnConnect(func() {
		err := h.client.Send(protocol.TypeRegister, protocol.Register{
			Code:       h.cfg.Relay.Code,
			WorkingDir: h.cfg.Workspace.Root,
		})
		if err != nil {
			log.Printf("Failed to register: %v", err)
		}
	})
	if err := h.client.Connect(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	if h.watcher != nil {
		h.watcher.Close()
	}
	h.terminals.CloseAll()
	h.orch.ShutdownAll()
	h.approvals.Stop()
	h.client.Close()

	return nil
}

// send pushes one envelope toward the relay. Delivery is best effort;
// a dropped frame during reconnect is acceptable.
func (h *Host) send(msgType string, payload any) {
	if err := h.client.Send(msgType, payload); err != nil {
		log.Printf("send %s failed: %v", msgType, err)
	}
}

func (h *Host) handleMessage(msgType string, payload json.RawMessage) {
	switch msgType {
	case protocol.TypeRegistered:
		var p protocol.Registered
		if err := json.Unmarshal(payload, &p); err == nil && p.OK {
			log.Printf("registered with relay as code %s", h.cfg.Relay.Code)
		}

	case protocol.TypeMessage:
		var p protocol.Message
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad message payload: %v", err)
			return
		}
		if err := h.orch.HandleMessage(p.Content, p.WorkingDir, p.SessionID, p.AutoApprove); err != nil {
			h.send(protocol.TypeResponse, protocol.Response{
				Content: err.Error(),
				Kind:    "error",
				Done:    true,
			})
		}

	case protocol.TypeCommandRun:
		var p protocol.CommandRun
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad command.run payload: %v", err)
			return
		}
		if err := h.orch.RunCommand(p); err != nil {
			h.send(protocol.TypeCommandOutput, protocol.CommandOutput{
				ID:     p.ID,
				Stream: "stderr",
				Data:   err.Error() + "\n",
			})
			h.send(protocol.TypeCommandExit, protocol.CommandExit{ID: p.ID, ExitCode: 1})
		}

	case protocol.TypeWorkspaceScan:
		var p protocol.WorkspaceScan
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad workspace.scan payload: %v", err)
			return
		}
		projects, err := h.orch.ScanWorkspace(p.Root)
		if err != nil {
			h.send(protocol.TypeError, protocol.Error{Message: err.Error()})
			return
		}
		h.send(protocol.TypeWorkspaceProjects, projects)

	case protocol.TypeBrowse:
		var p protocol.Browse
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad fs.browse payload: %v", err)
			return
		}
		entries, err := h.orch.BrowseFiles(p.Path)
		if err != nil {
			h.send(protocol.TypeError, protocol.Error{Message: err.Error()})
			return
		}
		h.send(protocol.TypeEntries, entries)

	case protocol.TypeProjectCreate:
		var p protocol.ProjectCreate
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad project.create payload: %v", err)
			return
		}
		target, err := h.orch.CreateProject(p.Path, p.Name)
		if err != nil {
			h.send(protocol.TypeProjectCreated, protocol.ProjectCreated{OK: false, Error: err.Error()})
			return
		}
		h.send(protocol.TypeProjectCreated, protocol.ProjectCreated{Path: target, OK: true})

	case protocol.TypePermissionResponse:
		var p protocol.PermissionResponse
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad permission_response payload: %v", err)
			return
		}
		if !h.approvals.DeliverDecision(p.RequestID, p.Approved) {
			log.Printf("approval %s already resolved", p.RequestID)
		}

	case protocol.TypeTerminalAttach:
		var p protocol.TerminalAttach
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad terminal.attach payload: %v", err)
			return
		}
		workDir := p.WorkingDir
		if workDir == "" {
			workDir = h.cfg.Workspace.Root
		}
		if err := h.terminals.Attach(p.TerminalID, workDir, p.Cols, p.Rows); err != nil {
			log.Printf("terminal attach failed: %v", err)
		}

	case protocol.TypeTerminalInput:
		var p protocol.TerminalInput
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad terminal.input payload: %v", err)
			return
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			log.Printf("bad terminal input encoding: %v", err)
			return
		}
		if err := h.terminals.Input(p.TerminalID, data); err != nil {
			log.Printf("terminal input failed: %v", err)
		}

	case protocol.TypeTerminalResize:
		var p protocol.TerminalResize
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad terminal.resize payload: %v", err)
			return
		}
		if err := h.terminals.Resize(p.TerminalID, p.Cols, p.Rows); err != nil {
			log.Printf("terminal resize failed: %v", err)
		}

	case protocol.TypeTerminalDetach:
		var p protocol.TerminalDetach
		if err := json.Unmarshal(payload, &p); err != nil {
			log.Printf("bad terminal.detach payload: %v", err)
			return
		}
		h.terminals.Detach(p.TerminalID)
	}
}

// handleBridgeEvent maps normalized agent events onto wire payloads.
func (h *Host) handleBridgeEvent(workDir string, event stream.Event) {
	switch event.Kind {
	case stream.EventText:
		if event.Final {
			h.send(protocol.TypeResponse, protocol.Response{Kind: "text", Done: true})
			return
		}
		h.send(protocol.TypeResponse, protocol.Response{Content: event.Text, Kind: "text"})

	case stream.EventToolUse:
		h.send(protocol.TypeActivity, protocol.Activity{
			Kind:    "tool_use",
			Tool:    event.Tool,
			Message: event.Description,
			Input:   event.ToolInput,
		})

	case stream.EventProgress:
		h.send(protocol.TypeActivity, protocol.Activity{
			Kind:    "progress",
			Message: event.Description,
		})

	case stream.EventResult:
		h.send(protocol.TypeResult, protocol.Result{
			Result:     event.Result,
			IsError:    event.IsError,
			CostUSD:    event.CostUSD,
			DurationMS: event.DurationMS,
			SessionID:  event.SessionID,
		})

	case agent.EventStatus:
		h.send(protocol.TypeActivity, protocol.Activity{
			Kind:    "status",
			Message: event.Description,
		})

	case agent.EventError:
		h.send(protocol.TypeResponse, protocol.Response{
			Content: event.Text,
			Kind:    "error",
			Done:    true,
		})
	}
}
