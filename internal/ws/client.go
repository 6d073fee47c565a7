// Package ws is the host side of the relay link: a dialing websocket
// client that reconnects with a fixed backoff and re-announces itself
// on every successful connect.
package ws

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairlink/pairlink/internal/protocol"
)

type MessageHandler func(msgType string, payload json.RawMessage)

type Client struct {
	url     string
	backoff time.Duration

	mu           sync.Mutex
	conn         *websocket.Conn
	reconnecting bool
	onMessage    MessageHandler
	onConnect    func()
	done         chan struct{}
}

func NewClient(url string, backoff time.Duration) *Client {
	return &Client{
		url:     url,
		backoff: backoff,
		done:    make(chan struct{}),
	}
}

// SetMessageHandler installs the handler for inbound envelopes. Set it
// before Connect.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

// SetOnConnect installs a callback fired after every successful dial,
// including reconnects. The host re-registers its pairing code here.
func (c *Client) SetOnConnect(handler func()) {
	c.onConnect = handler
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	c.reconnecting = false

	go c.reader(conn)

	if c.onConnect != nil {
		go c.onConnect()
	}

	return nil
}

func (c *Client) reader(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.reconnect()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("ws: read error: %v", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("ws: bad frame: %v", err)
			continue
		}

		if c.onMessage != nil {
			c.onMessage(env.Type, env.Payload)
		}
	}
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.conn = nil
	c.mu.Unlock()

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		case <-time.After(c.backoff):
		}

		attempt++
		if err := c.Connect(); err == nil {
			log.Printf("ws: reconnected after %d attempts", attempt)
			return
		}
	}
}

func (c *Client) Send(msgType string, payload any) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() {
	close(c.done)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}
