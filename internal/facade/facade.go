// Package facade implements the Coordinator Facade: the thin request
// router that sits in front of the Trust Manager, Aggregator, and
// Distribution Fabric. The HTTP API goes through here. WebSocket events
// do not: the event handlers in internal/fabric call
// Fabric.ReportThreat and Fabric.SyncRequest directly.
package facade

import (
	"context"
	"time"

	"github.com/ocx/threatfabric/internal/aggregator"
	"github.com/ocx/threatfabric/internal/apperr"
	"github.com/ocx/threatfabric/internal/fabric"
	"github.com/ocx/threatfabric/internal/model"
	"github.com/ocx/threatfabric/internal/store"
	"github.com/ocx/threatfabric/internal/trust"
)

// Coordinator is the facade. cmd/server wires exactly one instance per
// process from fresh component instances — never a package singleton.
type Coordinator struct {
	Trust *trust.Manager
	Agg   *aggregator.Aggregator
	Fab   *fabric.Fabric
}

func New(trustMgr *trust.Manager, agg *aggregator.Aggregator, fab *fabric.Fabric) *Coordinator {
	return &Coordinator{Trust: trustMgr, Agg: agg, Fab: fab}
}

// SystemStatus answers GET /status.
type SystemStatus struct {
	TotalClients   int     `json:"total_clients"`
	OnlineClients  int     `json:"online_clients"`
	TotalIOCs      int     `json:"total_iocs"`
	VerifiedIOCs   int     `json:"verified_iocs"`
	AverageTrust   float64 `json:"average_trust"`
}

func (c *Coordinator) Status(ctx context.Context) (*SystemStatus, error) {
	scores, err := c.Trust.Snapshot(ctx)
	if err != nil {
		return nil, apperr.Internal("failed to snapshot trust scores", err)
	}
	var trustSum float64
	for _, s := range scores {
		trustSum += s.Value
	}
	avgTrust := 0.0
	if len(scores) > 0 {
		avgTrust = trustSum / float64(len(scores))
	}

	all, err := c.Agg.Query(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	verified := 0
	for _, ioc := range all {
		if ioc.Status == model.StatusVerified {
			verified++
		}
	}

	return &SystemStatus{
		TotalClients:  len(scores),
		OnlineClients: c.Fab.OnlineCount(),
		TotalIOCs:     len(all),
		VerifiedIOCs:  verified,
		AverageTrust:  avgTrust,
	}, nil
}

// ClientProfile answers one row of GET /clients.
type ClientProfile struct {
	ClientID string  `json:"client_id"`
	Online   bool    `json:"online"`
	Hostname string  `json:"hostname,omitempty"`
	Version  string  `json:"version,omitempty"`
	Trust    float64 `json:"trust"`
}

func (c *Coordinator) Clients(ctx context.Context) ([]ClientProfile, error) {
	snaps := c.Fab.Snapshot()
	out := make([]ClientProfile, 0, len(snaps))
	for _, s := range snaps {
		trustVal := 0.0
		if score, err := c.Trust.Get(ctx, s.ClientID); err == nil && score != nil {
			trustVal = score.Value
		}
		out = append(out, ClientProfile{
			ClientID: s.ClientID,
			Online:   s.Online,
			Hostname: s.Hostname,
			Version:  s.Version,
			Trust:    trustVal,
		})
	}
	return out, nil
}

// IOCs answers GET /iocs with the given filter.
func (c *Coordinator) IOCs(ctx context.Context, f store.Filter) ([]*model.IOC, error) {
	return c.Agg.Query(ctx, f)
}

// IOC answers GET /iocs/{id}.
func (c *Coordinator) IOC(ctx context.Context, iocID string) (*model.IOC, error) {
	return c.Agg.Get(ctx, iocID)
}

// ReportThreat answers POST /report_threat: submit on behalf of
// clientID and, on fresh promotion, let the Fabric broadcast
// ioc_verified.
func (c *Coordinator) ReportThreat(ctx context.Context, clientID string, sub model.IOCSubmission) (*model.SubmitResult, error) {
	return c.Fab.ReportThreat(ctx, clientID, sub)
}

// SyncIntel answers GET /sync_intel.
func (c *Coordinator) SyncIntel(ctx context.Context, clientID string, cursor time.Time) ([]*model.IOC, time.Time, error) {
	return c.Fab.SyncRequest(ctx, clientID, cursor)
}
