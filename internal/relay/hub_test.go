package relay

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pairlink/pairlink/internal/protocol"
)

type sentMsg struct {
	Type    string
	Payload any
}

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []sentMsg
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMsg{Type: msgType, Payload: payload})
	return nil
}

func (c *fakeConn) byType(msgType string) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentMsg
	for _, m := range c.sent {
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

func send(h *Hub, conn Conn, msgType string, payload any) {
	raw, _ := json.Marshal(payload)
	h.HandleMessage(conn, protocol.Envelope{Type: msgType, Payload: raw})
}

// mustDecode re-decodes a recorded payload. Host-origin fan-out arrives
// as raw JSON, hub-authored payloads as typed structs; a marshal round
// trip flattens both.
func mustDecode(t *testing.T, payload any, out any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterThenJoin(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	viewer := &fakeConn{id: "viewer"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "ABC123", WorkingDir: "/work"})
	acks := host.byType(protocol.TypeRegistered)
	if len(acks) != 1 || !acks[0].Payload.(protocol.Registered).OK {
		t.Fatalf("missing registered ack: %+v", acks)
	}

	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "ABC123"})
	statuses := viewer.byType(protocol.TypeStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected one status, got %+v", statuses)
	}
	status := statuses[0].Payload.(protocol.Status)
	if status.State != "connected" || status.WorkingDir != "/work" {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestJoinBeforeRegister(t *testing.T) {
	h := NewHub(nil)
	viewer := &fakeConn{id: "viewer"}
	host := &fakeConn{id: "host"}

	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "XYZ"})
	status := viewer.byType(protocol.TypeStatus)[0].Payload.(protocol.Status)
	if status.State != "disconnected" {
		t.Errorf("expected disconnected before host binds, got %+v", status)
	}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "XYZ"})
	statuses := viewer.byType(protocol.TypeStatus)
	if len(statuses) != 2 || statuses[1].Payload.(protocol.Status).State != "connected" {
		t.Errorf("viewer not notified of host arrival: %+v", statuses)
	}
}

func TestCodeNormalization(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	viewer := &fakeConn{id: "viewer"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "abc123"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: " ABC123 "})

	if h.RoomCount() != 1 {
		t.Fatalf("codes differing only in case split the room: %d rooms", h.RoomCount())
	}
	status := viewer.byType(protocol.TypeStatus)[0].Payload.(protocol.Status)
	if status.State != "connected" {
		t.Errorf("viewer did not find the host: %+v", status)
	}
}

func TestMessageRoutingTagsSender(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	viewer := &fakeConn{id: "viewer-1"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "R"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "R"})
	send(h, viewer, protocol.TypeMessage, protocol.Message{Content: "list files"})

	msgs := host.byType(protocol.TypeMessage)
	if len(msgs) != 1 {
		t.Fatalf("host received %d messages", len(msgs))
	}
	msg := msgs[0].Payload.(protocol.Message)
	if msg.Content != "list files" || msg.Sender != "viewer-1" {
		t.Errorf("unexpected forwarded message: %+v", msg)
	}
}

func TestNoHostError(t *testing.T) {
	h := NewHub(nil)
	viewer := &fakeConn{id: "viewer"}
	other := &fakeConn{id: "other"}

	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "EMPTY"})
	send(h, other, protocol.TypeJoin, protocol.Join{Code: "EMPTY"})
	send(h, viewer, protocol.TypeMessage, protocol.Message{Content: "hello"})

	if errs := viewer.byType(protocol.TypeError); len(errs) != 1 {
		t.Fatalf("sender should get exactly one no-host error, got %d", len(errs))
	}
	if errs := other.byType(protocol.TypeError); len(errs) != 0 {
		t.Errorf("other viewer should get nothing, got %+v", errs)
	}
}

func TestHostBroadcastExcludesHost(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	v1 := &fakeConn{id: "v1"}
	v2 := &fakeConn{id: "v2"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "B"})
	send(h, v1, protocol.TypeJoin, protocol.Join{Code: "B"})
	send(h, v2, protocol.TypeJoin, protocol.Join{Code: "B"})

	send(h, host, protocol.TypeResponse, protocol.Response{Content: "hi", Kind: "text"})

	for _, v := range []*fakeConn{v1, v2} {
		if got := v.byType(protocol.TypeResponse); len(got) != 1 {
			t.Errorf("viewer %s got %d responses", v.id, len(got))
		}
	}
	if got := host.byType(protocol.TypeResponse); len(got) != 0 {
		t.Errorf("host should not receive its own broadcast")
	}
}

func TestPermissionRoundtrip(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	viewer := &fakeConn{id: "viewer"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "P"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "P"})

	send(h, host, protocol.TypePermissionRequest, protocol.PermissionRequest{RequestID: "req-1", Action: "Edit"})
	if got := viewer.byType(protocol.TypePermissionRequest); len(got) != 1 {
		t.Fatalf("viewer got %d permission requests", len(got))
	}

	send(h, viewer, protocol.TypePermissionResponse, protocol.PermissionResponse{RequestID: "req-1", Approved: true})
	if got := host.byType(protocol.TypePermissionResponse); len(got) != 1 {
		t.Fatalf("host got %d permission responses", len(got))
	}
}

func TestForwardingRespectsRoles(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	v1 := &fakeConn{id: "v1"}
	v2 := &fakeConn{id: "v2"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "G"})
	send(h, v1, protocol.TypeJoin, protocol.Join{Code: "G"})
	send(h, v2, protocol.TypeJoin, protocol.Join{Code: "G"})

	// A viewer cannot speak with the host's voice.
	send(h, v1, protocol.TypeResponse, protocol.Response{Content: "spoof", Kind: "text"})
	if got := v2.byType(protocol.TypeResponse); len(got) != 0 {
		t.Errorf("viewer-origin response was fanned out: %+v", got)
	}

	// The host cannot issue viewer-origin requests to itself.
	send(h, host, protocol.TypeCommandRun, protocol.CommandRun{ID: "c1", Command: "ls"})
	if got := host.byType(protocol.TypeCommandRun); len(got) != 0 {
		t.Errorf("host-origin command.run was reflected to the host: %+v", got)
	}
}

func TestHostReplacement(t *testing.T) {
	h := NewHub(nil)
	oldHost := &fakeConn{id: "old"}
	newHost := &fakeConn{id: "new"}
	viewer := &fakeConn{id: "viewer"}

	send(h, oldHost, protocol.TypeRegister, protocol.Register{Code: "C"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "C"})
	send(h, newHost, protocol.TypeRegister, protocol.Register{Code: "C"})

	send(h, viewer, protocol.TypeMessage, protocol.Message{Content: "ping"})
	if got := newHost.byType(protocol.TypeMessage); len(got) != 1 {
		t.Errorf("new host got %d messages", len(got))
	}
	if got := oldHost.byType(protocol.TypeMessage); len(got) != 0 {
		t.Errorf("evicted host still receives messages")
	}
	if h.RoomCount() != 1 {
		t.Errorf("room count = %d", h.RoomCount())
	}
}

func TestRoomLifecycle(t *testing.T) {
	h := NewHub(nil)

	// Host alone: disconnect removes the room.
	host := &fakeConn{id: "host"}
	send(h, host, protocol.TypeRegister, protocol.Register{Code: "GC"})
	if h.RoomCount() != 1 {
		t.Fatalf("room not created")
	}
	h.Disconnect(host)
	if h.RoomCount() != 0 {
		t.Fatalf("empty room not collected")
	}

	// Host plus viewer: disconnecting the host keeps the room and
	// notifies the viewer.
	host2 := &fakeConn{id: "host2"}
	viewer := &fakeConn{id: "viewer"}
	send(h, host2, protocol.TypeRegister, protocol.Register{Code: "GC2"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "GC2"})
	h.Disconnect(host2)

	if h.RoomCount() != 1 {
		t.Fatalf("room with viewer was collected")
	}
	statuses := viewer.byType(protocol.TypeStatus)
	last := statuses[len(statuses)-1].Payload.(protocol.Status)
	if last.State != "disconnected" {
		t.Errorf("viewer not told of host loss: %+v", last)
	}

	h.Disconnect(viewer)
	if h.RoomCount() != 0 {
		t.Errorf("room not collected after last viewer left")
	}

	// Disconnecting an unknown connection is a no-op.
	h.Disconnect(&fakeConn{id: "stranger"})
}

func TestHappyPathScenario(t *testing.T) {
	h := NewHub(nil)
	host := &fakeConn{id: "host"}
	viewer := &fakeConn{id: "viewer"}

	send(h, host, protocol.TypeRegister, protocol.Register{Code: "ABC123"})
	send(h, viewer, protocol.TypeJoin, protocol.Join{Code: "ABC123"})
	send(h, viewer, protocol.TypeMessage, protocol.Message{Content: "list files"})

	if got := host.byType(protocol.TypeMessage); len(got) != 1 {
		t.Fatalf("host did not receive the message")
	}

	// Host streams back one delta, a done marker, and a result.
	send(h, host, protocol.TypeResponse, protocol.Response{Content: "Found 3 files", Kind: "text", Done: false})
	send(h, host, protocol.TypeResponse, protocol.Response{Kind: "text", Done: true})
	send(h, host, protocol.TypeResult, protocol.Result{CostUSD: 0.002, IsError: false})

	responses := viewer.byType(protocol.TypeResponse)
	if len(responses) != 2 {
		t.Fatalf("viewer got %d responses", len(responses))
	}
	var first, second protocol.Response
	mustDecode(t, responses[0].Payload, &first)
	mustDecode(t, responses[1].Payload, &second)
	if first.Content != "Found 3 files" || first.Done || !second.Done {
		t.Errorf("unexpected response sequence: %+v %+v", first, second)
	}
	results := viewer.byType(protocol.TypeResult)
	if len(results) != 1 {
		t.Fatalf("viewer got %d results", len(results))
	}
	var result protocol.Result
	mustDecode(t, results[0].Payload, &result)
	if result.CostUSD != 0.002 || result.IsError {
		t.Errorf("unexpected result: %+v", result)
	}
}
