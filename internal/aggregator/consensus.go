package aggregator

import (
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
)

// EvaluateConsensus is the pending -> verified promotion predicate,
// kept as a pure function of its inputs so it is unit-testable without
// any store or trust manager in the loop.
//
// The ordinary rule requires both a reporter-count threshold and a
// minimum mean trust across distinct reporters. Critical-severity IOCs
// get the threshold relaxed by one so a single highly-trusted reporter
// can verify immediately — surfacing severe threats faster is worth the
// relaxed bar.
func EvaluateConsensus(reportCount int, meanTrust float64, threatLevel model.ThreatLevel, cfg config.ConsensusConfig) bool {
	threshold := cfg.Threshold
	if cfg.CriticalBypass && threatLevel == model.ThreatCritical {
		threshold--
		if threshold < 1 {
			threshold = 1
		}
		if reportCount >= threshold && meanTrust >= cfg.CriticalMinTrust {
			return true
		}
	}
	return reportCount >= cfg.Threshold && meanTrust >= cfg.TrustAverage
}
