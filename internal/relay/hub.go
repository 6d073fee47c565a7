// Package relay implements the rendezvous hub: a pairing code maps to
// at most one host connection and any number of viewers, with pure
// store-and-forward routing between them.
package relay

import (
	"encoding/json"
	"log"
	"strings"
	"sync"

	"github.com/pairlink/pairlink/internal/protocol"
)

// Conn is one connected peer, transport-agnostic so the hub can be
// tested without sockets.
type Conn interface {
	ID() string
	Send(msgType string, payload any) error
}

// hostToViewers lists host-origin types fanned out to every viewer.
var hostToViewers = map[string]bool{
	protocol.TypeResponse:          true,
	protocol.TypeActivity:          true,
	protocol.TypeResult:            true,
	protocol.TypePermissionRequest: true,
	protocol.TypeCommandOutput:     true,
	protocol.TypeCommandExit:       true,
	protocol.TypeWorkspaceProjects: true,
	protocol.TypeWorkspaceChanged:  true,
	protocol.TypeEntries:           true,
	protocol.TypeProjectCreated:    true,
	protocol.TypeTerminalOutput:    true,
	protocol.TypeTerminalStatus:    true,
}

// viewerToHost lists viewer-origin types forwarded to the room's host.
// TypeMessage is handled separately because it is sender-tagged and has
// a no-host error reply.
var viewerToHost = map[string]bool{
	protocol.TypePermissionResponse: true,
	protocol.TypeCommandRun:         true,
	protocol.TypeWorkspaceScan:      true,
	protocol.TypeBrowse:             true,
	protocol.TypeProjectCreate:      true,
	protocol.TypeTerminalAttach:     true,
	protocol.TypeTerminalInput:      true,
	protocol.TypeTerminalResize:     true,
	protocol.TypeTerminalDetach:     true,
}

type room struct {
	code       string
	host       Conn
	viewers    map[string]Conn
	workingDir string
}

type connState struct {
	code   string
	isHost bool
}

// Hub owns the room registry. Construct one per relay instance; there
// are no package-level singletons.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*room
	states  map[string]connState
	metrics *Metrics
}

func NewHub(metrics *Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]*room),
		states:  make(map[string]connState),
		metrics: metrics,
	}
}

// RoomCount reports the number of live rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// normalizeCode folds pairing codes to upper case so client keyboards
// that auto-capitalize cannot split a room.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// HandleMessage routes one inbound envelope from conn.
func (h *Hub) HandleMessage(conn Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegister:
		var p protocol.Register
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("relay: bad register from %s: %v", conn.ID(), err)
			return
		}
		h.register(conn, normalizeCode(p.Code), p.WorkingDir)

	case protocol.TypeJoin:
		var p protocol.Join
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Printf("relay: bad join from %s: %v", conn.ID(), err)
			return
		}
		h.join(conn, normalizeCode(p.Code))

	case protocol.TypeMessage:
		h.forwardMessage(conn, env.Payload)

	default:
		switch {
		case hostToViewers[env.Type]:
			h.broadcast(conn, env.Type, env.Payload)
		case viewerToHost[env.Type]:
			h.toHost(conn, env.Type, env.Payload)
		default:
			log.Printf("relay: unknown message type %q from %s", env.Type, conn.ID())
		}
	}
}

func (h *Hub) register(conn Conn, code, workingDir string) {
	if code == "" {
		_ = conn.Send(protocol.TypeRegistered, protocol.Registered{OK: false})
		return
	}

	h.mu.Lock()
	h.detachLocked(conn.ID())

	r, ok := h.rooms[code]
	if !ok {
		r = &room{code: code, viewers: make(map[string]Conn)}
		h.rooms[code] = r
	}
	// A new registration replaces any prior host; the old connection
	// simply loses the role.
	if r.host != nil && r.host.ID() != conn.ID() {
		delete(h.states, r.host.ID())
	}
	r.host = conn
	if workingDir != "" {
		r.workingDir = workingDir
	}
	h.states[conn.ID()] = connState{code: code, isHost: true}
	viewers := viewerList(r)
	dir := r.workingDir
	h.updateMetricsLocked()
	h.mu.Unlock()

	for _, v := range viewers {
		_ = v.Send(protocol.TypeStatus, protocol.Status{State: "connected", WorkingDir: dir})
	}
	_ = conn.Send(protocol.TypeRegistered, protocol.Registered{OK: true})
	log.Printf("relay: host %s registered code %s", conn.ID(), code)
}

func (h *Hub) join(conn Conn, code string) {
	if code == "" {
		return
	}

	h.mu.Lock()
	h.detachLocked(conn.ID())

	r, ok := h.rooms[code]
	if !ok {
		r = &room{code: code, viewers: make(map[string]Conn)}
		h.rooms[code] = r
	}
	r.viewers[conn.ID()] = conn
	h.states[conn.ID()] = connState{code: code, isHost: false}
	hostBound := r.host != nil
	dir := r.workingDir
	h.updateMetricsLocked()
	h.mu.Unlock()

	state := "disconnected"
	if hostBound {
		state = "connected"
	}
	_ = conn.Send(protocol.TypeStatus, protocol.Status{State: state, WorkingDir: dir})
	log.Printf("relay: viewer %s joined code %s", conn.ID(), code)
}

// forwardMessage tags the sender identity and relays to the host.
func (h *Hub) forwardMessage(conn Conn, payload json.RawMessage) {
	h.mu.Lock()
	host := h.hostForLocked(conn.ID())
	h.mu.Unlock()

	if host == nil {
		_ = conn.Send(protocol.TypeError, protocol.Error{Message: "no host is connected for this code"})
		return
	}

	var msg protocol.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("relay: bad message from %s: %v", conn.ID(), err)
		return
	}
	msg.Sender = conn.ID()
	if err := host.Send(protocol.TypeMessage, msg); err != nil {
		log.Printf("relay: forward to host failed: %v", err)
	}
	h.countForward(protocol.TypeMessage)
}

// broadcast fans a host-origin payload out to every viewer in the room.
// Only the room's host may originate these types.
func (h *Hub) broadcast(conn Conn, msgType string, payload json.RawMessage) {
	h.mu.Lock()
	state, ok := h.states[conn.ID()]
	if !ok || !state.isHost {
		h.mu.Unlock()
		log.Printf("relay: dropping %s from non-host %s", msgType, conn.ID())
		return
	}
	var viewers []Conn
	if r, exists := h.rooms[state.code]; exists {
		viewers = viewerList(r)
	}
	h.mu.Unlock()

	for _, v := range viewers {
		if err := v.Send(msgType, payload); err != nil {
			log.Printf("relay: broadcast to %s failed: %v", v.ID(), err)
		}
	}
	h.countForward(msgType)
}

// toHost forwards a viewer-origin payload to the room's host, if bound.
func (h *Hub) toHost(conn Conn, msgType string, payload json.RawMessage) {
	h.mu.Lock()
	state, ok := h.states[conn.ID()]
	if !ok || state.isHost {
		h.mu.Unlock()
		log.Printf("relay: dropping %s from non-viewer %s", msgType, conn.ID())
		return
	}
	host := h.hostForLocked(conn.ID())
	h.mu.Unlock()

	if host == nil {
		return
	}
	if err := host.Send(msgType, payload); err != nil {
		log.Printf("relay: forward to host failed: %v", err)
	}
	h.countForward(msgType)
}

// Disconnect removes a connection and garbage-collects its room when
// neither a host nor any viewer remains.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	state, ok := h.states[conn.ID()]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.states, conn.ID())

	r, exists := h.rooms[state.code]
	if !exists {
		h.updateMetricsLocked()
		h.mu.Unlock()
		return
	}

	var viewers []Conn
	wasHost := state.isHost && r.host != nil && r.host.ID() == conn.ID()
	if wasHost {
		r.host = nil
		viewers = viewerList(r)
	} else {
		delete(r.viewers, conn.ID())
	}
	if r.host == nil && len(r.viewers) == 0 {
		delete(h.rooms, state.code)
	}
	h.updateMetricsLocked()
	h.mu.Unlock()

	for _, v := range viewers {
		_ = v.Send(protocol.TypeStatus, protocol.Status{State: "disconnected"})
	}
	log.Printf("relay: %s disconnected from code %s", conn.ID(), state.code)
}

// hostForLocked resolves the sender's room host. Callers hold h.mu.
func (h *Hub) hostForLocked(connID string) Conn {
	state, ok := h.states[connID]
	if !ok {
		return nil
	}
	r, exists := h.rooms[state.code]
	if !exists {
		return nil
	}
	return r.host
}

// detachLocked clears any previous role of the connection so register
// and join are idempotent per connection. Callers hold h.mu.
func (h *Hub) detachLocked(connID string) {
	state, ok := h.states[connID]
	if !ok {
		return
	}
	delete(h.states, connID)
	r, exists := h.rooms[state.code]
	if !exists {
		return
	}
	if state.isHost && r.host != nil && r.host.ID() == connID {
		r.host = nil
	} else {
		delete(r.viewers, connID)
	}
	if r.host == nil && len(r.viewers) == 0 {
		delete(h.rooms, state.code)
	}
}

func (h *Hub) updateMetricsLocked() {
	if h.metrics == nil {
		return
	}
	h.metrics.Rooms.Set(float64(len(h.rooms)))
	h.metrics.Connections.Set(float64(len(h.states)))
}

func (h *Hub) countForward(msgType string) {
	if h.metrics != nil {
		h.metrics.Forwards.WithLabelValues(msgType).Inc()
	}
}

func viewerList(r *room) []Conn {
	viewers := make([]Conn, 0, len(r.viewers))
	for _, v := range r.viewers {
		viewers = append(viewers, v)
	}
	return viewers
}
