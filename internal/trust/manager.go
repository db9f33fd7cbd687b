// Package trust implements the reporter reputation system: a per-client
// score in [MinTrust, MaxTrust] derived from accuracy, contribution
// volume, heartbeat responsiveness, and outcome consistency, updated on
// every report outcome and decayed on a schedule for clients that go
// quiet. The aggregator reads scores to weight consensus; nothing else
// in the exchange is allowed to mutate a TrustScore directly.
package trust

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/striped"
)

// stripeSize is the width of the per-client lock stripe. Distinct
// client_ids hash to distinct (usually) mutexes so concurrent reports
// from different reporters never block each other; same-client updates
// serialize to keep the read-modify-write on a TrustScore race-free.
const stripeSize = 256

// Manager is the trust manager: the only component allowed to read or
// mutate TrustScore records.
type Manager struct {
	st    store.TrustStore
	cfg   config.TrustConfig
	locks *striped.Locks
}

func NewManager(st store.TrustStore, cfg config.TrustConfig) *Manager {
	return &Manager{st: st, cfg: cfg, locks: striped.New(stripeSize)}
}

// Get returns the client's current trust score, creating one at
// InitialTrust if this is the first time the client has been seen.
func (m *Manager) Get(ctx context.Context, clientID string) (*model.TrustScore, error) {
	m.locks.Lock(clientID)
	defer m.locks.Unlock(clientID)
	return m.getOrInit(ctx, clientID)
}

func (m *Manager) getOrInit(ctx context.Context, clientID string) (*model.TrustScore, error) {
	s, ok, err := m.st.GetTrustScore(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if ok {
		return s, nil
	}
	s = &model.TrustScore{
		ClientID:      clientID,
		Value:         m.cfg.InitialTrust,
		LastUpdatedAt: time.Now(),
	}
	if err := m.st.PutTrustScore(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterHeartbeat records that a client is alive. It does not by
// itself recompute the trust value — responsiveness is folded in at
// the next UpdateOnReport — but it does persist LastHeartbeatAt so the
// heartbeat-reap sweep can detect silent clients.
func (m *Manager) RegisterHeartbeat(ctx context.Context, clientID string, at time.Time) error {
	m.locks.Lock(clientID)
	defer m.locks.Unlock(clientID)

	s, err := m.getOrInit(ctx, clientID)
	if err != nil {
		return err
	}
	s.LastHeartbeatAt = at
	return m.st.PutTrustScore(ctx, s)
}

// UpdateOnReport folds a single report outcome into the client's trust
// score and returns the updated record. OutcomeSubmitted increments
// ReportsTotal; OutcomeAccepted / OutcomeRejected increment
// ReportsAccepted / ReportsRejected and append to RecentOutcomes. Every
// outcome then recomputes Value.
func (m *Manager) UpdateOnReport(ctx context.Context, clientID string, outcome model.ReportOutcome, now time.Time) (*model.TrustScore, error) {
	m.locks.Lock(clientID)
	defer m.locks.Unlock(clientID)

	s, err := m.getOrInit(ctx, clientID)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case model.OutcomeSubmitted:
		s.ReportsTotal++
	case model.OutcomeAccepted:
		s.ReportsAccepted++
		s.RecentOutcomes = pushOutcome(s.RecentOutcomes, 1.0, m.cfg.ConsistencyWindow)
	case model.OutcomeRejected:
		s.ReportsRejected++
		s.RecentOutcomes = pushOutcome(s.RecentOutcomes, 0.0, m.cfg.ConsistencyWindow)
	default:
		return nil, fmt.Errorf("trust: unknown report outcome %q", outcome)
	}

	old := s.Value
	s.Value = m.recompute(s, now)
	s.LastUpdatedAt = now

	if err := m.st.PutTrustScore(ctx, s); err != nil {
		return nil, err
	}

	reason := model.ReasonReport
	switch outcome {
	case model.OutcomeAccepted:
		reason = model.ReasonAccepted
	case model.OutcomeRejected:
		reason = model.ReasonRejected
	}
	_ = m.st.AppendTrustEvent(ctx, &model.TrustEvent{
		ClientID: clientID,
		At:       now,
		Delta:    s.Value - old,
		Reason:   reason,
	})

	return s, nil
}

// recompute derives the blended trust value from the four factors
// described in the design: accuracy, contribution volume, heartbeat
// responsiveness, and outcome consistency.
func (m *Manager) recompute(s *model.TrustScore, now time.Time) float64 {
	judged := s.ReportsAccepted + s.ReportsRejected
	var accuracy float64
	if judged > 0 {
		accuracy = float64(s.ReportsAccepted) / float64(judged)
	}

	norm := m.cfg.ContributionNorm
	if norm <= 0 {
		norm = 1
	}
	contribution := math.Min(1.0, float64(s.ReportsTotal)/norm)

	responsiveness := 1.0
	if !s.LastHeartbeatAt.IsZero() {
		tau := m.cfg.ResponsivenessTau
		if tau <= 0 {
			tau = 1
		}
		dt := now.Sub(s.LastHeartbeatAt).Seconds()
		if dt < 0 {
			dt = 0
		}
		responsiveness = math.Exp(-dt / tau)
	}

	consistency := 1.0
	if n := len(s.RecentOutcomes); n >= 2 {
		consistency = 1.0 - clamp01(stddev(s.RecentOutcomes))
	}

	w := m.cfg.Weights
	raw := w.Accuracy*accuracy + w.Contribution*contribution +
		w.Responsiveness*responsiveness + w.Consistency*consistency

	alpha := m.cfg.LearningRate
	blended := alpha*raw + (1-alpha)*s.Value
	return clamp(blended, m.cfg.MinTrust, m.cfg.MaxTrust)
}

// ApplyDecayTick applies one decay interval's worth of decay to every
// client whose trust score hasn't been touched since the last interval
// boundary, used by the decay scheduler. A client whose LastUpdatedAt
// (set by report outcomes, not by heartbeats) falls inside the last
// interval is left alone — the decay rule
// only pulls quiet clients back toward initial_trust, not ones actively
// earning their score. missedIntervals lets the caller catch up after a
// coordinator restart by applying DecayRate^missedIntervals in one pass
// instead of drifting the value on the next live tick.
func (m *Manager) ApplyDecayTick(ctx context.Context, now time.Time, interval time.Duration, missedIntervals int) error {
	if missedIntervals < 1 {
		missedIntervals = 1
	}
	snapshot, err := m.st.SnapshotTrustScores(ctx)
	if err != nil {
		return err
	}
	factor := math.Pow(m.cfg.DecayRate, float64(missedIntervals))

	for clientID := range snapshot {
		m.locks.Lock(clientID)
		s, ok, err := m.st.GetTrustScore(ctx, clientID)
		if err == nil && ok && (interval <= 0 || now.Sub(s.LastUpdatedAt) >= interval) {
			old := s.Value
			s.Value = clamp(m.cfg.InitialTrust+(s.Value-m.cfg.InitialTrust)*factor, m.cfg.MinTrust, m.cfg.MaxTrust)
			s.LastUpdatedAt = now
			if perr := m.st.PutTrustScore(ctx, s); perr == nil && s.Value != old {
				_ = m.st.AppendTrustEvent(ctx, &model.TrustEvent{
					ClientID: clientID,
					At:       now,
					Delta:    s.Value - old,
					Reason:   model.ReasonDecay,
				})
			}
		}
		m.locks.Unlock(clientID)
	}
	return nil
}

// Snapshot returns every client's current trust score, for the status
// endpoint. The aggregator's consensus trust average reads each
// reporter through Get instead.
func (m *Manager) Snapshot(ctx context.Context) (map[string]*model.TrustScore, error) {
	return m.st.SnapshotTrustScores(ctx)
}

func pushOutcome(outcomes []float64, v float64, window int) []float64 {
	if window <= 0 {
		window = 1
	}
	outcomes = append(outcomes, v)
	if len(outcomes) > window {
		outcomes = outcomes[len(outcomes)-window:]
	}
	return outcomes
}

func stddev(vals []float64) float64 {
	n := float64(len(vals))
	if n == 0 {
		return 0
	}
	var mean float64
	for _, v := range vals {
		mean += v
	}
	mean /= n
	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / n)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }
