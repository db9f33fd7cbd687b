// Package intelclient is the agent-facing SDK for the threat exchange:
// it dials the coordinator's event channel, registers, sends
// heartbeats and threat reports, and delivers ioc_verified /
// client_status events to the caller's handlers.
package intelclient

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Config configures a Client.
type Config struct {
	ExchangeURL string // ws:// or wss:// coordinator address, e.g. "ws://localhost:8080/ws"
	ClientID    string
	Hostname    string
	Version     string

	HeartbeatInterval time.Duration // default 30s
}

// IOC mirrors the coordinator's wire representation of an indicator.
type IOC struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel string            `json:"threat_level"`
	Status      string            `json:"status"`
	FirstSeen   int64             `json:"first_seen"`
	LastSeen    int64             `json:"last_seen"`
	ReportCount int               `json:"report_count"`
	VerifiedAt  *int64            `json:"verified_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Submission is the payload for ReportThreat.
type Submission struct {
	Type        string            `json:"type"`
	Value       string            `json:"value"`
	ThreatLevel string            `json:"threat_level"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Handlers are the caller's callbacks for unsolicited events.
type Handlers struct {
	OnVerified     func(ioc IOC)
	OnClientStatus func(clientID string, online bool, trust float64)
	OnSync         func(iocs []IOC, cursor int64)
	OnAck          func(iocID, status string)
	OnNack         func(reason string)
}

// Client is a live connection to the exchange's event channel.
type Client struct {
	cfg      Config
	handlers Handlers

	mu   sync.Mutex
	conn *websocket.Conn
	done chan struct{}

	logger *log.Logger
}

func New(cfg Config, handlers Handlers) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   log.New(log.Writer(), "[intelclient] ", log.LstdFlags),
	}
}

// Connect dials the coordinator, sends the register envelope, and
// launches the background read loop and heartbeat ticker. It returns
// once the register envelope is sent (or the dial fails); it does not
// wait for the initial sync_response, which reaches OnSync later.
func (c *Client) Connect() error {
	u, err := url.Parse(c.cfg.ExchangeURL)
	if err != nil {
		return fmt.Errorf("invalid exchange url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}

	c.mu.Lock()
	c.conn = conn
	c.done = make(chan struct{})
	c.mu.Unlock()

	if err := c.send("register", map[string]string{
		"client_id": c.cfg.ClientID,
		"hostname":  c.cfg.Hostname,
		"version":   c.cfg.Version,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	go c.readLoop()
	go c.heartbeatLoop()
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	return c.conn.Close()
}

// ReportThreat submits an IOC observation.
func (c *Client) ReportThreat(sub Submission) error {
	return c.send("report_threat", map[string]interface{}{
		"client_id": c.cfg.ClientID,
		"ioc":       sub,
	})
}

// SyncRequest asks the coordinator for every verified IOC since cursor.
func (c *Client) SyncRequest(cursor int64) error {
	return c.send("sync_request", map[string]interface{}{
		"client_id": c.cfg.ClientID,
		"cursor":    cursor,
	})
}

func (c *Client) send(event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}{Event: event, Payload: body}

	envBody, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, envBody)
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = c.send("heartbeat", map[string]interface{}{
				"client_id": c.cfg.ClientID,
				"at":        time.Now().Unix(),
			})
		case <-c.done:
			return
		}
	}
}

func (c *Client) readLoop() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Printf("read loop ended: %v", err)
			return
		}

		var env struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		c.dispatch(env.Event, payload)
	}
}

func (c *Client) dispatch(event string, raw []byte) {
	switch event {
	case "ioc_verified":
		var v struct {
			IOC IOC `json:"ioc"`
		}
		if json.Unmarshal(raw, &v) == nil && c.handlers.OnVerified != nil {
			c.handlers.OnVerified(v.IOC)
		}
	case "client_status":
		var v struct {
			ClientID string  `json:"client_id"`
			Online   bool    `json:"online"`
			Trust    float64 `json:"trust"`
		}
		if json.Unmarshal(raw, &v) == nil && c.handlers.OnClientStatus != nil {
			c.handlers.OnClientStatus(v.ClientID, v.Online, v.Trust)
		}
	case "sync_response":
		var v struct {
			IOCs   []IOC `json:"iocs"`
			Cursor int64 `json:"cursor"`
		}
		if json.Unmarshal(raw, &v) == nil && c.handlers.OnSync != nil {
			c.handlers.OnSync(v.IOCs, v.Cursor)
		}
	case "report_ack":
		var v struct {
			IOCID  string `json:"ioc_id"`
			Status string `json:"status"`
		}
		if json.Unmarshal(raw, &v) == nil && c.handlers.OnAck != nil {
			c.handlers.OnAck(v.IOCID, v.Status)
		}
	case "report_nack":
		var v struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &v) == nil && c.handlers.OnNack != nil {
			c.handlers.OnNack(v.Error)
		}
	}
}
