// Package fabric implements the real-time distribution fabric: the
// connection registry and event bus binding the trust manager and
// aggregator to many concurrent clients. It translates inbound
// transport events into aggregator/trust-manager calls and fans
// verification and status events back out to subscribers.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/trust"
)

// Session is a live client's connection state: its outbound queue,
// sync cursor, and the hook the transport layer uses to force-close the
// underlying connection when the back-pressure policy demands it.
type Session struct {
	ClientID string
	Hostname string
	Version  string
	Online   bool

	queue      *outboundQueue
	cursor     time.Time
	forceClose func()
}

// CursorStore persists client sync cursors outside the process, so a
// client's last-seen cursor survives a coordinator restart and is
// visible to every replica behind the fabric, not just whichever one it
// last connected to. Fabric always keeps its own in-process map as a
// fast-path cache regardless of whether a CursorStore is configured.
type CursorStore interface {
	GetCursor(ctx context.Context, clientID string) (time.Time, bool, error)
	PutCursor(ctx context.Context, clientID string, cursor time.Time) error
}

// Fabric is the distribution fabric. One instance is owned by the
// Coordinator Facade; tests construct fresh ones rather than reaching
// for a package-level singleton.
type Fabric struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cursors  map[string]time.Time // preserved across disconnects

	agg         *aggregator.Aggregator
	trust       *trust.Manager
	cfg         config.FabricConfig
	bus         EventBus
	cursorStore CursorStore

	logger *log.Logger
}

// New wires a Fabric with a LocalEventBus, correct for a single
// coordinator replica. Call SetEventBus to swap in a Redis- or
// Pub/Sub-backed bus before accepting connections in a multi-replica
// deployment.
func New(agg *aggregator.Aggregator, trustMgr *trust.Manager, cfg config.FabricConfig) *Fabric {
	f := &Fabric{
		sessions: make(map[string]*Session),
		cursors:  make(map[string]time.Time),
		agg:      agg,
		trust:    trustMgr,
		cfg:      cfg,
		bus:      NewLocalEventBus(),
		logger:   log.New(log.Writer(), "[fabric] ", log.LstdFlags),
	}
	f.subscribeBus()
	return f
}

// SetCursorStore wires a durable, cross-replica cursor store. Call it
// once during startup, before ServeWebSocket sees traffic; without one,
// cursors are preserved only in-process and are lost on restart or
// unavailable to a client's next connection landing on a different
// replica.
func (f *Fabric) SetCursorStore(cs CursorStore) {
	f.mu.Lock()
	f.cursorStore = cs
	f.mu.Unlock()
}

// SetEventBus swaps the fabric's cross-replica event bus, closing the
// previous one and resubscribing local delivery handlers on the new
// one. Call it once during startup, before ServeWebSocket sees traffic.
func (f *Fabric) SetEventBus(bus EventBus) {
	if f.bus != nil {
		f.bus.Close()
	}
	f.bus = bus
	f.subscribeBus()
}

func (f *Fabric) subscribeBus() {
	if f.bus == nil {
		return
	}
	f.bus.Subscribe(EventIOCVerified, func(ctx context.Context, ev *Event) error {
		idVal, _ := ev.Payload["ioc_id"].(string)
		if idVal == "" {
			return nil
		}
		ioc, err := f.agg.Get(ctx, idVal)
		if err != nil {
			return nil // already expired/unknown locally, nothing to fan out
		}
		f.fanOutVerified(ioc)
		return nil
	})
	f.bus.Subscribe(EventClientStatus, func(_ context.Context, ev *Event) error {
		clientID, _ := ev.Payload["client_id"].(string)
		online, _ := ev.Payload["online"].(bool)
		trustVal, _ := ev.Payload["trust"].(float64)
		if clientID == "" {
			return nil
		}
		f.fanOutClientStatus(clientID, online, trustVal)
		return nil
	})
}

// Connect registers a new session for client_id, replacing any existing
// one under that id (a reconnect). It returns the session plus the
// initial snapshot to send: verified IOCs since the preserved cursor if
// one exists, otherwise the most recent 1000 verified IOCs.
func (f *Fabric) Connect(ctx context.Context, clientID, hostname, version string, forceClose func()) (*Session, []*model.IOC, time.Time, error) {
	if clientID == "" {
		return nil, nil, time.Time{}, fmt.Errorf("client_id is required")
	}

	f.mu.Lock()
	cursor, known := f.cursors[clientID]
	cursorStore := f.cursorStore
	f.mu.Unlock()

	if !known && cursorStore != nil {
		if stored, found, err := cursorStore.GetCursor(ctx, clientID); err != nil {
			f.logger.Printf("cursor store lookup failed for %s: %v", clientID, err)
		} else if found {
			cursor, known = stored, true
		}
	}

	f.mu.Lock()
	sess := &Session{
		ClientID:   clientID,
		Hostname:   hostname,
		Version:    version,
		Online:     true,
		queue:      newOutboundQueue(f.cfg.OutboundQueueSize),
		cursor:     cursor,
		forceClose: forceClose,
	}
	f.sessions[clientID] = sess
	f.mu.Unlock()

	if err := f.trust.RegisterHeartbeat(ctx, clientID, time.Now().UTC()); err != nil {
		f.logger.Printf("register_heartbeat failed for %s: %v", clientID, err)
	}

	var snapshot []*model.IOC
	var newCursor time.Time
	var err error
	if known {
		snapshot, newCursor, err = f.agg.PullSince(ctx, cursor)
	} else {
		snapshot, newCursor, err = f.agg.PullSince(ctx, time.Time{})
		if len(snapshot) > 1000 {
			snapshot = snapshot[len(snapshot)-1000:]
		}
	}
	if err != nil {
		return sess, nil, cursor, err
	}

	sess.cursor = newCursor
	f.persistCursor(ctx, clientID, newCursor)
	f.broadcastClientStatus(clientID, true)
	return sess, snapshot, newCursor, nil
}

// persistCursor writes a client's cursor into the in-process map and,
// if a durable CursorStore is configured, through to it as well.
func (f *Fabric) persistCursor(ctx context.Context, clientID string, cursor time.Time) {
	f.mu.Lock()
	f.cursors[clientID] = cursor
	cs := f.cursorStore
	f.mu.Unlock()

	if cs == nil {
		return
	}
	if err := cs.PutCursor(ctx, clientID, cursor); err != nil {
		f.logger.Printf("cursor store write failed for %s: %v", clientID, err)
	}
}

// Heartbeat refreshes a client's liveness without touching trust value
// directly — only the responsiveness factor, folded in at the next
// report outcome.
func (f *Fabric) Heartbeat(ctx context.Context, clientID string) error {
	return f.trust.RegisterHeartbeat(ctx, clientID, time.Now().UTC())
}

// ReportThreat submits an IOC on behalf of clientID and, on a fresh
// promotion to verified, fans the ioc_verified event out to every live
// subscriber (including the reporter itself).
func (f *Fabric) ReportThreat(ctx context.Context, clientID string, sub model.IOCSubmission) (*model.SubmitResult, error) {
	result, err := f.agg.Submit(ctx, clientID, sub)
	if err != nil {
		return nil, err
	}
	if result.NewlyVerified {
		ioc, gerr := f.agg.Get(ctx, result.IOCID)
		if gerr == nil {
			f.broadcastVerified(ioc)
		}
	}
	return result, nil
}

// SyncRequest returns every verified IOC since cursor and advances the
// caller's session cursor to match.
func (f *Fabric) SyncRequest(ctx context.Context, clientID string, cursor time.Time) ([]*model.IOC, time.Time, error) {
	iocs, newCursor, err := f.agg.PullSince(ctx, cursor)
	if err != nil {
		return nil, cursor, err
	}
	f.mu.Lock()
	if sess, ok := f.sessions[clientID]; ok {
		sess.cursor = newCursor
	}
	f.mu.Unlock()
	f.persistCursor(ctx, clientID, newCursor)
	return iocs, newCursor, nil
}

// Disconnect marks a client offline and preserves its cursor for the
// next Connect. It does not touch trust.
func (f *Fabric) Disconnect(clientID string) {
	f.mu.Lock()
	sess, ok := f.sessions[clientID]
	if ok {
		delete(f.sessions, clientID)
	}
	f.mu.Unlock()

	if ok {
		f.persistCursor(context.Background(), clientID, sess.cursor)
		f.broadcastClientStatus(clientID, false)
	}
}

// broadcastVerified publishes ioc_verified to the cross-replica event
// bus; subscribeBus's handler (which also runs for events this
// replica itself published, via the local delivery every EventBus
// implementation provides) performs the actual per-session fan-out.
func (f *Fabric) broadcastVerified(ioc *model.IOC) {
	if f.bus == nil {
		f.fanOutVerified(ioc)
		return
	}
	err := f.bus.Publish(context.Background(), &Event{
		Type:    EventIOCVerified,
		Source:  "aggregator",
		Payload: map[string]interface{}{"ioc_id": ioc.ID},
	})
	if err != nil {
		f.logger.Printf("failed to publish ioc_verified: %v", err)
		f.fanOutVerified(ioc) // still deliver to this replica's own sessions
	}
}

func (f *Fabric) fanOutVerified(ioc *model.IOC) {
	body, err := json.Marshal(iocVerifiedEvent{Event: "ioc_verified", IOC: iocToDTO(ioc)})
	if err != nil {
		f.logger.Printf("failed to encode ioc_verified: %v", err)
		return
	}

	f.mu.RLock()
	targets := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	for _, s := range targets {
		f.enqueueTo(s, kindOther, body)
	}
}

func (f *Fabric) broadcastClientStatus(clientID string, online bool) {
	trustVal := 0.0
	if score, err := f.trust.Get(context.Background(), clientID); err == nil && score != nil {
		trustVal = score.Value
	}

	if f.bus == nil {
		f.fanOutClientStatus(clientID, online, trustVal)
		return
	}
	err := f.bus.Publish(context.Background(), &Event{
		Type:    EventClientStatus,
		Source:  "fabric",
		Payload: map[string]interface{}{"client_id": clientID, "online": online, "trust": trustVal},
	})
	if err != nil {
		f.logger.Printf("failed to publish client_status: %v", err)
		f.fanOutClientStatus(clientID, online, trustVal)
	}
}

func (f *Fabric) fanOutClientStatus(clientID string, online bool, trustVal float64) {
	body, err := json.Marshal(clientStatusEvent{Event: "client_status", ClientID: clientID, Online: online, Trust: trustVal})
	if err != nil {
		return
	}

	f.mu.RLock()
	targets := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	for _, s := range targets {
		f.enqueueTo(s, kindClientStatus, body)
	}
}

// SendAck unicasts a report_ack to the sender. It is exempt from the
// client_status drop policy — it is a direct response to an action the
// client just took.
func (f *Fabric) SendAck(clientID, iocID string, status model.Status) {
	body, err := json.Marshal(reportAckEvent{Event: "report_ack", IOCID: iocID, Status: string(status)})
	if err != nil {
		return
	}
	f.mu.RLock()
	sess, ok := f.sessions[clientID]
	f.mu.RUnlock()
	if ok {
		f.enqueueTo(sess, kindOther, body)
	}
}

// SendNack unicasts a report_nack when a handler times out or a
// submission is rejected.
func (f *Fabric) SendNack(clientID, reason string) {
	body, err := json.Marshal(reportNackEvent{Event: "report_nack", Error: reason})
	if err != nil {
		return
	}
	f.mu.RLock()
	sess, ok := f.sessions[clientID]
	f.mu.RUnlock()
	if ok {
		f.enqueueTo(sess, kindOther, body)
	}
}

func (f *Fabric) enqueueTo(sess *Session, kind outboundKind, body []byte) {
	if !sess.queue.enqueue(kind, body) {
		f.logger.Printf("session %s outbound queue saturated, closing", sess.ClientID)
		f.mu.Lock()
		delete(f.sessions, sess.ClientID)
		f.mu.Unlock()
		if sess.forceClose != nil {
			sess.forceClose()
		}
	}
}

// Session looks up a live session by client id.
func (f *Fabric) Session(clientID string) (*Session, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.sessions[clientID]
	return s, ok
}

// Snapshot returns the client_id and online flag for every session ever
// seen (live or disconnected-but-cursor-preserved), for GET /clients.
func (f *Fabric) Snapshot() []ClientSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]ClientSnapshot, 0, len(f.sessions)+len(f.cursors))
	for id, s := range f.sessions {
		out = append(out, ClientSnapshot{ClientID: id, Online: true, Hostname: s.Hostname, Version: s.Version})
		seen[id] = true
	}
	for id := range f.cursors {
		if !seen[id] {
			out = append(out, ClientSnapshot{ClientID: id, Online: false})
		}
	}
	return out
}

type ClientSnapshot struct {
	ClientID string
	Online   bool
	Hostname string
	Version  string
}

// OnlineCount returns the number of currently connected sessions.
func (f *Fabric) OnlineCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sessions)
}

// ReapStaleClients force-closes any session whose trust record shows
// no heartbeat within maxAge, so a half-open TCP connection doesn't
// keep a dead client marked online indefinitely. It returns the
// number of sessions closed.
func (f *Fabric) ReapStaleClients(ctx context.Context, now time.Time, maxAge time.Duration) int {
	f.mu.RLock()
	targets := make([]*Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		targets = append(targets, s)
	}
	f.mu.RUnlock()

	reaped := 0
	for _, s := range targets {
		score, err := f.trust.Get(ctx, s.ClientID)
		if err != nil || score == nil {
			continue
		}
		if now.Sub(score.LastHeartbeatAt) <= maxAge {
			continue
		}
		f.logger.Printf("reaping stale client %s, last heartbeat %s ago", s.ClientID, now.Sub(score.LastHeartbeatAt))
		if s.forceClose != nil {
			s.forceClose()
		}
		reaped++
	}
	return reaped
}
