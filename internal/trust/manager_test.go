package trust

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
)

func testConfig() config.TrustConfig {
	return config.TrustConfig{
		InitialTrust:      0.5,
		MinTrust:          0.1,
		MaxTrust:          1.0,
		LearningRate:      0.25,
		ContributionNorm:  50,
		ResponsivenessTau: 60,
		ConsistencyWindow: 20,
		Weights:           config.TrustWeights{Accuracy: 0.40, Contribution: 0.20, Responsiveness: 0.20, Consistency: 0.20},
		DecayRate:         0.95,
		DecayIntervalSec:  3600,
	}
}

func TestManager_Get_CreatesUnknownClientAtInitialTrust(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), testConfig())
	s, err := m.Get(context.Background(), "new-client")
	require.NoError(t, err)
	assert.Equal(t, 0.5, s.Value)
	assert.Equal(t, "new-client", s.ClientID)
}

func TestManager_UpdateOnReport_ValueStaysWithinBounds(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), testConfig())
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 10; i++ {
		s, err := m.UpdateOnReport(ctx, "c1", model.OutcomeRejected, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.Value, testConfig().MinTrust)
		assert.LessOrEqual(t, s.Value, testConfig().MaxTrust)
	}

	final, err := m.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Less(t, final.Value, 0.5, "an all-rejected reporter should trend down from the initial trust")
	assert.GreaterOrEqual(t, final.Value, testConfig().MinTrust, "trust must never fall below MinTrust")
}

func TestManager_UpdateOnReport_AcceptedTrendsUp(t *testing.T) {
	m := NewManager(store.NewMemoryStore(), testConfig())
	ctx := context.Background()
	now := time.Now()

	// Give the client a recent heartbeat so responsiveness is near 1.
	require.NoError(t, m.RegisterHeartbeat(ctx, "c1", now))

	var last float64 = 0.5
	for i := 0; i < 5; i++ {
		s, err := m.UpdateOnReport(ctx, "c1", model.OutcomeAccepted, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.Value, last-1e-9, "an accepted-only reporter's trust should not decrease")
		last = s.Value
	}
}

func TestManager_UpdateOnReport_RecordsAuditTrail(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st, testConfig())
	ctx := context.Background()
	now := time.Now()

	_, err := m.UpdateOnReport(ctx, "c1", model.OutcomeAccepted, now)
	require.NoError(t, err)

	s, ok, err := st.GetTrustScore(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), s.ReportsAccepted)
}

func TestManager_ApplyDecayTick_MatchesClosedFormAfterNIntervals(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	m := NewManager(st, cfg)
	ctx := context.Background()

	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "f", Value: 0.9, LastUpdatedAt: time.Now().Add(-2 * time.Hour)}))

	require.NoError(t, m.ApplyDecayTick(ctx, time.Now(), time.Hour, 3))

	s, ok, err := st.GetTrustScore(ctx, "f")
	require.NoError(t, err)
	require.True(t, ok)

	expected := cfg.InitialTrust + (0.9-cfg.InitialTrust)*math.Pow(cfg.DecayRate, 3)
	assert.InDelta(t, expected, s.Value, 1e-9)
	assert.InDelta(t, 0.843, expected, 1e-3, "matches the documented worked example")
}

func TestManager_ApplyDecayTick_NeverIncreasesMissedIntervalsBelowOne(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	m := NewManager(st, cfg)
	ctx := context.Background()

	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "g", Value: 0.9, LastUpdatedAt: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, m.ApplyDecayTick(ctx, time.Now(), time.Hour, 0)) // should be treated as 1

	s, _, err := st.GetTrustScore(ctx, "g")
	require.NoError(t, err)
	expected := cfg.InitialTrust + (0.9-cfg.InitialTrust)*cfg.DecayRate
	assert.InDelta(t, expected, s.Value, 1e-9)
}

func TestManager_ApplyDecayTick_SkipsClientsUpdatedWithinTheInterval(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := testConfig()
	m := NewManager(st, cfg)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "fresh", Value: 0.9, LastUpdatedAt: now.Add(-5 * time.Minute)}))
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "stale", Value: 0.9, LastUpdatedAt: now.Add(-2 * time.Hour)}))

	require.NoError(t, m.ApplyDecayTick(ctx, now, time.Hour, 1))

	fresh, _, err := st.GetTrustScore(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 0.9, fresh.Value, "a client updated within the interval must not be decayed")

	stale, _, err := st.GetTrustScore(ctx, "stale")
	require.NoError(t, err)
	assert.Less(t, stale.Value, 0.9, "a client quiet for longer than the interval must be decayed")
}

func TestManager_RegisterHeartbeat_PersistsTimestamp(t *testing.T) {
	st := store.NewMemoryStore()
	m := NewManager(st, testConfig())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.RegisterHeartbeat(ctx, "h1", now))

	s, ok, err := st.GetTrustScore(ctx, "h1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, now, s.LastHeartbeatAt, time.Second)
}
