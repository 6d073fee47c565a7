package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairlink/pairlink/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Pairing codes are the access boundary; origin is not.
		return true
	},
}

// wsConn adapts a websocket connection to the hub's Conn interface.
// Writes are serialized; gorilla connections do not allow concurrent
// writers.
type wsConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the network-facing relay: /ws for peers, /metrics for
// Prometheus.
type Server struct {
	addr string
	hub  *Hub
	reg  *prometheus.Registry
}

func NewServer(addr string) *Server {
	reg := prometheus.NewRegistry()
	return &Server{
		addr: addr,
		hub:  NewHub(NewMetrics(reg)),
		reg:  reg,
	}
}

// Hub exposes the room registry, mainly for tests.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	log.Printf("relay listening on %s", s.addr)
	return http.ListenAndServe(s.addr, mux)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay: upgrade failed: %v", err)
		return
	}

	conn := &wsConn{id: uuid.New().String(), conn: ws}
	defer func() {
		s.hub.Disconnect(conn)
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("relay: bad frame from %s: %v", conn.id, err)
			continue
		}
		s.hub.HandleMessage(conn, env)
	}
}
