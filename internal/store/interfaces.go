// Package store defines the persistence boundary for the exchange: the
// four logical tables described in the design (iocs, ioc_reports,
// trust_scores, trust_events) behind a single interface so the trust
// manager and aggregator can run against an in-memory store in tests and
// a Postgres- or Spanner-backed store in production.
package store

import (
	"context"
	"time"

	"github.com/ocx/threatfabric/internal/model"
)

// Filter selects IOCs for IOCStore.ListIOCs. Zero-value fields are
// treated as "no filter on this dimension".
type Filter struct {
	Status      model.Status
	Type        model.IOCType
	ThreatLevel model.ThreatLevel
	Since       time.Time // LastSeen > Since
}

// IOCStore persists IOC rows and their per-reporter provenance.
type IOCStore interface {
	GetIOC(ctx context.Context, id string) (*model.IOC, bool, error)
	PutIOC(ctx context.Context, ioc *model.IOC) error
	ListIOCs(ctx context.Context, f Filter) ([]*model.IOC, error)
	// VerifiedSince returns verified IOCs with VerifiedAt > cursor, ordered
	// by VerifiedAt ascending — the pull_since cursor query.
	VerifiedSince(ctx context.Context, cursor time.Time) ([]*model.IOC, error)

	GetReport(ctx context.Context, iocID, clientID string) (*model.IOCReport, bool, error)
	PutReport(ctx context.Context, r *model.IOCReport) error
	ReportersFor(ctx context.Context, iocID string) ([]string, error)
}

// TrustStore persists per-client reputation and its audit trail.
type TrustStore interface {
	GetTrustScore(ctx context.Context, clientID string) (*model.TrustScore, bool, error)
	PutTrustScore(ctx context.Context, s *model.TrustScore) error
	AppendTrustEvent(ctx context.Context, e *model.TrustEvent) error
	SnapshotTrustScores(ctx context.Context) (map[string]*model.TrustScore, error)
}

// Store is the full persistence surface the coordinator depends on.
type Store interface {
	IOCStore
	TrustStore
	Close() error
}
