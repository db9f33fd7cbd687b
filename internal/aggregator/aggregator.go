// Package aggregator implements the intelligence aggregator: the
// component that deduplicates IOCs across reporters, records
// per-reporter provenance, and applies the trust-weighted consensus
// rule governing the pending -> verified -> expired lifecycle.
package aggregator

import (
	"context"
	"time"

	"github.com/ocx/threatfabric/internal/apperr"
	"github.com/ocx/threatfabric/internal/config"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/striped"
)

const stripeSize = 256

// Aggregator is the intelligence aggregator. It owns no transport
// concerns — the Distribution Fabric and the Coordinator Facade call
// into it and react to its results.
type Aggregator struct {
	st      store.IOCStore
	trust   TrustReader
	queue   *OutcomeQueue
	cfg     config.IOCConfig
	cons    config.ConsensusConfig
	locks   *striped.Locks
}

func New(st store.IOCStore, trust TrustReader, queue *OutcomeQueue, iocCfg config.IOCConfig, consCfg config.ConsensusConfig) *Aggregator {
	return &Aggregator{
		st:    st,
		trust: trust,
		queue: queue,
		cfg:   iocCfg,
		cons:  consCfg,
		locks: striped.New(stripeSize),
	}
}

// Submit is idempotent on (client_id, ioc_id); see the submit algorithm
// in the component design. It and ExpireSweep are the only entry points
// that mutate an IOC row, both under the per-ioc_id stripe lock, so distinct IOCs
// progress fully in parallel while a single IOC's reports are totally
// ordered.
func (a *Aggregator) Submit(ctx context.Context, clientID string, sub model.IOCSubmission) (*model.SubmitResult, error) {
	if clientID == "" {
		return nil, apperr.BadRequest("client_id is required")
	}
	if !sub.Type.Valid() {
		return nil, apperr.BadRequest("unknown ioc_type")
	}
	canonical, err := model.CanonicalizeValue(sub.Type, sub.Value)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadRequest, "value failed canonicalization", err)
	}
	if sub.ThreatLevel != "" && !sub.ThreatLevel.Valid() {
		return nil, apperr.BadRequest("unknown threat_level")
	}
	threatLevel := sub.ThreatLevel
	if threatLevel == "" {
		threatLevel = model.ThreatLow
	}

	iocID := model.ComputeID(sub.Type, canonical)
	a.locks.Lock(iocID)
	defer a.locks.Unlock(iocID)

	now := time.Now().UTC()

	ioc, exists, err := a.st.GetIOC(ctx, iocID)
	if err != nil {
		return nil, apperr.Internal("failed to read ioc", err)
	}

	if !exists {
		ioc = &model.IOC{
			ID:          iocID,
			Type:        sub.Type,
			Value:       canonical,
			ThreatLevel: threatLevel,
			Status:      model.StatusPending,
			FirstSeen:   now,
			LastSeen:    now,
			ReportCount: 1,
			Metadata:    cloneMeta(sub.Metadata),
		}
		trustAtReport := a.trustValue(ctx, clientID)
		if err := a.st.PutIOC(ctx, ioc); err != nil {
			return nil, apperr.Internal("failed to persist new ioc", err)
		}
		if err := a.st.PutReport(ctx, &model.IOCReport{
			IOCID: iocID, ClientID: clientID, ReportedAt: now, LastSeen: now,
			ReporterTrustAtReport: trustAtReport,
		}); err != nil {
			return nil, apperr.Internal("failed to persist ioc report", err)
		}
		res, err := a.evaluateAndRespond(ctx, ioc, model.OutcomeCreated, now)
		a.queue.Enqueue(clientID, model.OutcomeSubmitted)
		return res, err
	}

	existingReport, hasReported, err := a.st.GetReport(ctx, iocID, clientID)
	if err != nil {
		return nil, apperr.Internal("failed to read ioc report", err)
	}

	if hasReported {
		existingReport.LastSeen = now
		if err := a.st.PutReport(ctx, existingReport); err != nil {
			return nil, apperr.Internal("failed to update ioc report", err)
		}
		ioc.LastSeen = now
		if ioc.Metadata == nil {
			ioc.Metadata = map[string]string{}
		}
		mergeMeta(ioc.Metadata, sub.Metadata)
		if err := a.st.PutIOC(ctx, ioc); err != nil {
			return nil, apperr.Internal("failed to update ioc", err)
		}
		return &model.SubmitResult{IOCID: iocID, Outcome: model.OutcomeUpdated, NewlyVerified: false, Status: ioc.Status}, nil
	}

	// New reporter for an existing IOC.
	ioc.ReportCount++
	ioc.LastSeen = now
	if ioc.Metadata == nil {
		ioc.Metadata = map[string]string{}
	}
	mergeMeta(ioc.Metadata, sub.Metadata)
	trustAtReport := a.trustValue(ctx, clientID)
	if err := a.st.PutReport(ctx, &model.IOCReport{
		IOCID: iocID, ClientID: clientID, ReportedAt: now, LastSeen: now,
		ReporterTrustAtReport: trustAtReport,
	}); err != nil {
		return nil, apperr.Internal("failed to persist ioc report", err)
	}
	if err := a.st.PutIOC(ctx, ioc); err != nil {
		return nil, apperr.Internal("failed to persist ioc", err)
	}
	res, err := a.evaluateAndRespond(ctx, ioc, model.OutcomeUpdated, now)
	a.queue.Enqueue(clientID, model.OutcomeSubmitted)
	return res, err
}

// evaluateAndRespond checks the consensus predicate and, on a fresh
// promotion, flips the IOC to verified and schedules accepted credits
// for every reporter. It runs inside the caller's per-ioc_id lock so the
// "fires exactly once" guarantee holds.
func (a *Aggregator) evaluateAndRespond(ctx context.Context, ioc *model.IOC, outcome model.SubmitOutcome, now time.Time) (*model.SubmitResult, error) {
	newlyVerified := false

	if ioc.Status == model.StatusPending {
		meanTrust, err := a.meanReporterTrust(ctx, ioc.ID)
		if err != nil {
			return nil, apperr.Internal("failed to compute mean reporter trust", err)
		}
		if EvaluateConsensus(ioc.ReportCount, meanTrust, ioc.ThreatLevel, a.cons) {
			ioc.Status = model.StatusVerified
			ioc.VerifiedAt = &now
			newlyVerified = true
			if err := a.st.PutIOC(ctx, ioc); err != nil {
				return nil, apperr.Internal("failed to persist verification", err)
			}
			a.creditReporters(ctx, ioc.ID)
		}
	}

	return &model.SubmitResult{
		IOCID:         ioc.ID,
		Outcome:       outcome,
		NewlyVerified: newlyVerified,
		Status:        ioc.Status,
	}, nil
}

func (a *Aggregator) creditReporters(ctx context.Context, iocID string) {
	reporters, err := a.st.ReportersFor(ctx, iocID)
	if err != nil {
		return
	}
	for _, clientID := range reporters {
		a.queue.Enqueue(clientID, model.OutcomeAccepted)
	}
}

func (a *Aggregator) meanReporterTrust(ctx context.Context, iocID string) (float64, error) {
	reporters, err := a.st.ReportersFor(ctx, iocID)
	if err != nil {
		return 0, err
	}
	if len(reporters) == 0 {
		return 0, nil
	}
	var sum float64
	for _, clientID := range reporters {
		sum += a.trustValue(ctx, clientID)
	}
	return sum / float64(len(reporters)), nil
}

func (a *Aggregator) trustValue(ctx context.Context, clientID string) float64 {
	s, err := a.trust.Get(ctx, clientID)
	if err != nil || s == nil {
		return 0
	}
	return s.Value
}

// Get returns a single IOC by id.
func (a *Aggregator) Get(ctx context.Context, iocID string) (*model.IOC, error) {
	ioc, ok, err := a.st.GetIOC(ctx, iocID)
	if err != nil {
		return nil, apperr.Internal("failed to read ioc", err)
	}
	if !ok {
		return nil, apperr.NotFound("ioc not found")
	}
	return ioc, nil
}

// Query filters IOCs by any combination of status, type, threat level,
// and a since cursor on last_seen.
func (a *Aggregator) Query(ctx context.Context, f store.Filter) ([]*model.IOC, error) {
	iocs, err := a.st.ListIOCs(ctx, f)
	if err != nil {
		return nil, apperr.Internal("failed to list iocs", err)
	}
	return iocs, nil
}

// PullSince returns every verified IOC with verified_at > cursor,
// ordered by verified_at, plus the new cursor to present next time.
func (a *Aggregator) PullSince(ctx context.Context, cursor time.Time) ([]*model.IOC, time.Time, error) {
	iocs, err := a.st.VerifiedSince(ctx, cursor)
	if err != nil {
		return nil, cursor, apperr.Internal("failed to pull verified iocs", err)
	}
	newCursor := cursor
	if len(iocs) > 0 {
		newCursor = *iocs[len(iocs)-1].VerifiedAt
	}
	return iocs, newCursor, nil
}

// ExpireSweep marks pending IOCs whose last_seen is older than ioc_ttl as
// expired, debiting every reporter's trust with a rejected outcome —
// the IOC never made it to verified, so its reporters were wrong (or at
// least unconfirmed).
func (a *Aggregator) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	ttl := time.Duration(a.cfg.TTLDays) * 24 * time.Hour
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	pending, err := a.st.ListIOCs(ctx, store.Filter{Status: model.StatusPending})
	if err != nil {
		return 0, apperr.Internal("failed to list pending iocs", err)
	}

	expired := 0
	for _, ioc := range pending {
		if now.Sub(ioc.LastSeen) <= ttl {
			continue
		}
		a.locks.Lock(ioc.ID)
		fresh, ok, err := a.st.GetIOC(ctx, ioc.ID)
		if err == nil && ok && fresh.Status == model.StatusPending && now.Sub(fresh.LastSeen) > ttl {
			fresh.Status = model.StatusExpired
			if perr := a.st.PutIOC(ctx, fresh); perr == nil {
				expired++
				reporters, rerr := a.st.ReportersFor(ctx, fresh.ID)
				if rerr == nil {
					for _, clientID := range reporters {
						a.queue.Enqueue(clientID, model.OutcomeRejected)
					}
				}
			}
		}
		a.locks.Unlock(ioc.ID)
	}
	return expired, nil
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func mergeMeta(dst, src map[string]string) {
	if src == nil {
		return
	}
	if dst == nil {
		return
	}
	for k, v := range src {
		dst[k] = v
	}
}
