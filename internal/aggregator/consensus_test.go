package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
)

func consensusConfig() config.ConsensusConfig {
	return config.ConsensusConfig{
		Threshold:        2,
		TrustAverage:     0.6,
		CriticalBypass:   true,
		CriticalMinTrust: 0.8,
	}
}

func TestEvaluateConsensus_BelowThresholdDoesNotVerify(t *testing.T) {
	cfg := consensusConfig()
	assert.False(t, EvaluateConsensus(cfg.Threshold-1, 0.9, model.ThreatHigh, cfg))
}

func TestEvaluateConsensus_ThresholdMetButTrustTooLowDoesNotVerify(t *testing.T) {
	cfg := consensusConfig()
	assert.False(t, EvaluateConsensus(cfg.Threshold, 0.5, model.ThreatHigh, cfg))
}

func TestEvaluateConsensus_ThresholdAndTrustMetVerifies(t *testing.T) {
	cfg := consensusConfig()
	assert.True(t, EvaluateConsensus(cfg.Threshold, cfg.TrustAverage, model.ThreatHigh, cfg))
}

func TestEvaluateConsensus_CriticalSingleHighlyTrustedReporterVerifiesImmediately(t *testing.T) {
	cfg := consensusConfig()
	assert.True(t, EvaluateConsensus(1, 0.85, model.ThreatCritical, cfg))
}

func TestEvaluateConsensus_CriticalSingleLowTrustReporterDoesNotVerify(t *testing.T) {
	cfg := consensusConfig()
	assert.False(t, EvaluateConsensus(1, 0.5, model.ThreatCritical, cfg))
}

func TestEvaluateConsensus_CriticalBypassDisabledFallsBackToOrdinaryRule(t *testing.T) {
	cfg := consensusConfig()
	cfg.CriticalBypass = false
	assert.False(t, EvaluateConsensus(1, 0.95, model.ThreatCritical, cfg))
	assert.True(t, EvaluateConsensus(2, 0.95, model.ThreatCritical, cfg))
}
