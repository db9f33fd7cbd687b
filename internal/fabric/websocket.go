package fabric

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocx/threatfabric/internal/apperr"
	"github.com/ocx/threatfabric/internal/model"
)

// upgrader validates the request Origin before accepting a WebSocket
// upgrade. In production with EXCHANGE_ALLOWED_ORIGINS set, only the
// origins it lists are accepted. In production without it (a warning is
// logged) and outside production, every origin is allowed, so local
// agents and dev tooling can connect without extra configuration.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("EXCHANGE_ENV")
	allowedRaw := os.Getenv("EXCHANGE_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	if env == "production" {
		log.Println("[fabric] EXCHANGE_ALLOWED_ORIGINS not set in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// ServeWebSocket upgrades the HTTP request and drives the event-channel
// protocol for the lifetime of the connection: a read loop that decodes
// inbound envelopes and dispatches them to the Fabric, and a write pump
// that drains the session's bounded outbound queue.
func (f *Fabric) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[fabric] websocket upgrade failed: %v", err)
		return
	}

	var closeOnce sync.Once
	done := make(chan struct{})
	closeConn := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	_, firstMsg, err := conn.ReadMessage()
	if err != nil {
		closeConn()
		return
	}
	var env inboundEnvelope
	if err := json.Unmarshal(firstMsg, &env); err != nil || env.Event != "register" {
		closeConn()
		return
	}
	var reg registerEvent
	if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.ClientID == "" {
		closeConn()
		return
	}

	ctx := context.Background()
	sess, snapshot, cursor, err := f.Connect(ctx, reg.ClientID, reg.Hostname, reg.Version, closeConn)
	if err != nil {
		closeConn()
		return
	}
	defer func() {
		f.Disconnect(sess.ClientID)
		closeConn()
	}()

	if body, err := json.Marshal(syncResponseEvent{Event: "sync_response", IOCs: iocsToDTO(snapshot), Cursor: cursor.Unix()}); err == nil {
		f.enqueueTo(sess, kindOther, body)
	}

	go f.writePump(conn, sess, done, closeConn)
	go f.pingLoop(conn, done)

	f.readLoop(ctx, conn, sess, done, closeConn)
}

func (f *Fabric) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, done chan struct{}, closeConn func()) {
	defer closeConn()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}

		handlerCtx, cancel := context.WithTimeout(ctx, time.Duration(f.cfg.HandlerTimeoutSec)*time.Second)
		f.dispatch(handlerCtx, sess, env)
		cancel()
	}
}

func (f *Fabric) dispatch(ctx context.Context, sess *Session, env inboundEnvelope) {
	switch env.Event {
	case "heartbeat":
		var hb heartbeatEvent
		if json.Unmarshal(env.Payload, &hb) == nil {
			_ = f.Heartbeat(ctx, sess.ClientID)
		}
	case "report_threat":
		var rt reportThreatEvent
		if err := json.Unmarshal(env.Payload, &rt); err != nil {
			f.SendNack(sess.ClientID, "malformed report_threat payload")
			return
		}
		result, err := f.ReportThreat(ctx, sess.ClientID, rt.IOC.toModel())
		if err != nil {
			if ctx.Err() != nil {
				f.SendNack(sess.ClientID, string(apperr.KindTimeout))
			} else {
				f.SendNack(sess.ClientID, err.Error())
			}
			return
		}
		f.SendAck(sess.ClientID, result.IOCID, result.Status)
	case "sync_request":
		var sr syncRequestEvent
		if err := json.Unmarshal(env.Payload, &sr); err != nil {
			return
		}
		cursor := time.Unix(sr.Cursor, 0).UTC()
		iocs, newCursor, err := f.SyncRequest(ctx, sess.ClientID, cursor)
		if err != nil {
			return
		}
		if body, err := json.Marshal(syncResponseEvent{Event: "sync_response", IOCs: iocsToDTO(iocs), Cursor: newCursor.Unix()}); err == nil {
			f.enqueueTo(sess, kindOther, body)
		}
	}
}

func (f *Fabric) writePump(conn *websocket.Conn, sess *Session, done chan struct{}, closeConn func()) {
	defer closeConn()
	for {
		select {
		case <-sess.queue.notify:
			for _, frame := range sess.queue.drain() {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, frame.body); err != nil {
					return
				}
			}
		case <-done:
			return
		}
	}
}

func (f *Fabric) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func iocsToDTO(iocs []*model.IOC) []*iocDTO {
	out := make([]*iocDTO, 0, len(iocs))
	for _, ioc := range iocs {
		out = append(out, iocToDTO(ioc))
	}
	return out
}
