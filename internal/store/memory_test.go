package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/threatfabric/internal/model"
)

func TestMemoryStore_PutGetIOC_RoundTrips(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	ioc := &model.IOC{ID: "abc", Type: model.IOCDomain, Value: "evil.example.com", Status: model.StatusPending}
	require.NoError(t, st.PutIOC(ctx, ioc))

	got, ok, err := st.GetIOC(ctx, "abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "evil.example.com", got.Value)
}

func TestMemoryStore_GetIOC_ClonesSoCallerMutationsDontLeak(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.PutIOC(ctx, &model.IOC{ID: "abc", Metadata: map[string]string{"k": "v"}}))

	got, _, err := st.GetIOC(ctx, "abc")
	require.NoError(t, err)
	got.Metadata["k"] = "mutated"

	again, _, err := st.GetIOC(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMemoryStore_ListIOCs_FiltersByStatusTypeThreatLevelSince(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, st.PutIOC(ctx, &model.IOC{
		ID: "a", Status: model.StatusPending, Type: model.IOCDomain,
		ThreatLevel: model.ThreatLow, LastSeen: now.Add(-time.Hour),
	}))
	require.NoError(t, st.PutIOC(ctx, &model.IOC{
		ID: "b", Status: model.StatusVerified, Type: model.IOCIPAddress,
		ThreatLevel: model.ThreatHigh, LastSeen: now,
	}))

	verified, err := st.ListIOCs(ctx, Filter{Status: model.StatusVerified})
	require.NoError(t, err)
	require.Len(t, verified, 1)
	assert.Equal(t, "b", verified[0].ID)

	since, err := st.ListIOCs(ctx, Filter{Since: now.Add(-time.Minute)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "b", since[0].ID)
}

func TestMemoryStore_VerifiedSince_OrdersByVerifiedAtAscending(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	t1 := time.Now().UTC()
	t2 := t1.Add(time.Minute)

	require.NoError(t, st.PutIOC(ctx, &model.IOC{ID: "later", Status: model.StatusVerified, VerifiedAt: &t2}))
	require.NoError(t, st.PutIOC(ctx, &model.IOC{ID: "earlier", Status: model.StatusVerified, VerifiedAt: &t1}))
	require.NoError(t, st.PutIOC(ctx, &model.IOC{ID: "pending", Status: model.StatusPending}))

	out, err := st.VerifiedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "earlier", out[0].ID)
	assert.Equal(t, "later", out[1].ID)
}

func TestMemoryStore_ReportersFor_ReturnsSortedDistinctClients(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.PutReport(ctx, &model.IOCReport{IOCID: "x", ClientID: "bob"}))
	require.NoError(t, st.PutReport(ctx, &model.IOCReport{IOCID: "x", ClientID: "alice"}))
	require.NoError(t, st.PutReport(ctx, &model.IOCReport{IOCID: "y", ClientID: "carol"}))

	reporters, err := st.ReportersFor(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, reporters)
}

func TestMemoryStore_TrustScoreRoundTripAndSnapshot(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "c1", Value: 0.7}))
	require.NoError(t, st.PutTrustScore(ctx, &model.TrustScore{ClientID: "c2", Value: 0.3}))

	snap, err := st.SnapshotTrustScores(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Equal(t, 0.7, snap["c1"].Value)
}

func TestMemoryStore_PutIOCRejectsMissingID(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	err := st.PutIOC(ctx, &model.IOC{})
	assert.Error(t, err)
}
