package fabric

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/trust"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	f, _ := newTestFabricWithStore(t)
	return f
}

func newTestFabricWithStore(t *testing.T) (*Fabric, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	trustCfg := config.TrustConfig{
		InitialTrust: 0.5, MinTrust: 0.1, MaxTrust: 1.0, LearningRate: 0.25,
		ContributionNorm: 50, ResponsivenessTau: 60, ConsistencyWindow: 20,
		Weights: config.TrustWeights{Accuracy: 0.4, Contribution: 0.2, Responsiveness: 0.2, Consistency: 0.2},
		DecayRate: 0.95, DecayIntervalSec: 3600,
	}
	trustMgr := trust.NewManager(st, trustCfg)
	queue := aggregator.NewOutcomeQueue(trustMgr, 64, 3)
	t.Cleanup(queue.Stop)

	agg := aggregator.New(st, trustMgr, queue, config.IOCConfig{TTLDays: 30},
		config.ConsensusConfig{Threshold: 2, TrustAverage: 0.6, CriticalBypass: true, CriticalMinTrust: 0.8})

	return New(agg, trustMgr, config.FabricConfig{OutboundQueueSize: 16, HeartbeatIntervalSec: 30}), st
}

func TestFabric_ConnectRegistersSessionAndMarksOnline(t *testing.T) {
	f := newTestFabric(t)
	sess, _, _, err := f.Connect(context.Background(), "c1", "host-1", "1.0.0", nil)
	require.NoError(t, err)
	assert.True(t, sess.Online)
	assert.Equal(t, 1, f.OnlineCount())
}

func TestFabric_ConnectRequiresClientID(t *testing.T) {
	f := newTestFabric(t)
	_, _, _, err := f.Connect(context.Background(), "", "host", "1.0", nil)
	assert.Error(t, err)
}

func TestFabric_DisconnectPreservesCursorForNextConnect(t *testing.T) {
	f, st := newTestFabricWithStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "reporter-a", Value: 0.9, LastUpdatedAt: time.Now()}))

	// Verify one IOC so there is a non-zero cursor to preserve.
	_, err := f.ReportThreat(ctx, "reporter-a", model.IOCSubmission{Type: model.IOCURL, Value: "http://bad.example/x", ThreatLevel: model.ThreatCritical})
	require.NoError(t, err)

	_, snapshot, cursor, err := f.Connect(ctx, "c1", "h", "v", nil)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	require.False(t, cursor.IsZero())

	f.Disconnect("c1")
	assert.Equal(t, 0, f.OnlineCount())

	_, snapshotAfter, _, err := f.Connect(ctx, "c1", "h", "v", nil)
	require.NoError(t, err)
	assert.Empty(t, snapshotAfter, "reconnecting with a preserved cursor returns nothing new since that cursor")
}

// drainEventually polls a session's outbound queue until the bus's
// async delivery goroutine has had a chance to enqueue frames,
// accumulating everything drained across polls.
func drainEventually(t *testing.T, sess *Session, timeout time.Duration) []outboundFrame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var all []outboundFrame
	for time.Now().Before(deadline) {
		all = append(all, sess.queue.drain()...)
		time.Sleep(5 * time.Millisecond)
	}
	all = append(all, sess.queue.drain()...)
	return all
}

func TestFabric_ReportThreat_NewlyVerifiedFiresBroadcastOnlyOnce(t *testing.T) {
	f, st := newTestFabricWithStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "A", Value: 0.7, LastUpdatedAt: time.Now()}))
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "B", Value: 0.7, LastUpdatedAt: time.Now()}))

	_, _, _, err := f.Connect(ctx, "A", "h", "v", nil)
	require.NoError(t, err)

	sub := model.IOCSubmission{Type: model.IOCFileHash, Value: "deadbeefdeadbeefdeadbeefdeadbeef", ThreatLevel: model.ThreatMedium}

	res1, err := f.ReportThreat(ctx, "A", sub)
	require.NoError(t, err)
	assert.False(t, res1.NewlyVerified)

	res2, err := f.ReportThreat(ctx, "B", sub)
	require.NoError(t, err)
	assert.True(t, res2.NewlyVerified)

	sessA, ok := f.Session("A")
	require.True(t, ok)
	frames := drainEventually(t, sessA, 200*time.Millisecond)
	var verifiedCount int
	for _, fr := range frames {
		if fr.kind == kindOther {
			verifiedCount++
		}
	}
	assert.Equal(t, 1, verifiedCount, "ioc_verified must be delivered exactly once to a continuously connected subscriber")
}

func TestFabric_SyncRequest_AdvancesCursor(t *testing.T) {
	f, st := newTestFabricWithStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "r1", Value: 0.9, LastUpdatedAt: time.Now()}))

	_, err := f.ReportThreat(ctx, "r1", model.IOCSubmission{Type: model.IOCURL, Value: "http://bad.example/y", ThreatLevel: model.ThreatCritical})
	require.NoError(t, err)

	iocs, cursor, err := f.SyncRequest(ctx, "c1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, iocs, 1)
	assert.False(t, cursor.IsZero())
}

func TestFabric_ReapStaleClients_ClosesSessionsPastMaxAge(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()
	closed := false

	_, _, _, err := f.Connect(ctx, "stale-1", "h", "v", func() { closed = true })
	require.NoError(t, err)

	n := f.ReapStaleClients(ctx, time.Now().Add(time.Hour), time.Minute)
	assert.Equal(t, 1, n)
	assert.True(t, closed, "ReapStaleClients must invoke the session's forceClose hook")
}

func TestFabric_ReapStaleClients_LeavesRecentHeartbeatsAlone(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	_, _, _, err := f.Connect(ctx, "fresh-1", "h", "v", func() { t.Fatal("should not be force-closed") })
	require.NoError(t, err)

	n := f.ReapStaleClients(ctx, time.Now(), time.Hour)
	assert.Equal(t, 0, n)
}

func TestFabric_SendAck_UnicastsToSenderOnly(t *testing.T) {
	f := newTestFabric(t)
	ctx := context.Background()

	_, _, _, err := f.Connect(ctx, "A", "h", "v", nil)
	require.NoError(t, err)
	_, _, _, err = f.Connect(ctx, "B", "h", "v", nil)
	require.NoError(t, err)

	f.SendAck("A", "ioc-1", model.StatusPending)

	sessA, _ := f.Session("A")
	sessB, _ := f.Session("B")
	framesA := drainEventually(t, sessA, 100*time.Millisecond)
	framesB := drainEventually(t, sessB, 100*time.Millisecond)

	assert.True(t, containsEvent(framesA, "report_ack"), "the sender must receive its report_ack")
	assert.False(t, containsEvent(framesB, "report_ack"), "report_ack must never be broadcast to other sessions")
}

func containsEvent(frames []outboundFrame, event string) bool {
	for _, f := range frames {
		var envelope struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(f.body, &envelope); err == nil && envelope.Event == event {
			return true
		}
	}
	return false
}
