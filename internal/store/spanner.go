package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/ocx/threatfabric/internal/model"
)

// SpannerStore implements Store against Cloud Spanner, for deployments
// that need multi-region strongly-consistent reads over the IOC table
// and are willing to trade Postgres's simplicity for that. Bulk reads
// (ListIOCs, SnapshotTrustScores) use a bounded-staleness read-only
// transaction; GetIOC is a strong single read. Each write is a single
// InsertOrUpdate mutation sent with Apply; no read-write transaction
// couples an IOC row write with its report insert.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerStore dials the given database path
// (projects/P/instances/I/databases/D) and returns a ready Store. Schema
// creation is out of scope here — Spanner DDL is applied out-of-band via
// the deployment pipeline, matching how the exchange's other Spanner
// consumer expects the database to already exist.
func NewSpannerStore(ctx context.Context, project, instance, dbName string) (*SpannerStore, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, dbName)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client: %w", err)
	}
	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[spanner-store] ", log.LstdFlags),
	}, nil
}

const staleness = 15 * time.Second

func (s *SpannerStore) GetIOC(ctx context.Context, id string) (*model.IOC, bool, error) {
	row, err := s.client.Single().ReadRow(ctx, "Iocs", spanner.Key{id}, []string{
		"Id", "IocType", "Value", "ThreatLevel", "Status", "FirstSeen", "LastSeen",
		"ReportCount", "VerifiedAt", "Metadata",
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	ioc, err := decodeIOCRow(row)
	if err != nil {
		return nil, false, err
	}
	return ioc, true, nil
}

func decodeIOCRow(row *spanner.Row) (*model.IOC, error) {
	var ioc model.IOC
	var verifiedAt spanner.NullTime
	var metaRaw spanner.NullString
	if err := row.Columns(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.ThreatLevel, &ioc.Status,
		&ioc.FirstSeen, &ioc.LastSeen, &ioc.ReportCount, &verifiedAt, &metaRaw); err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		ioc.VerifiedAt = &t
	}
	if metaRaw.Valid && metaRaw.StringVal != "" {
		if err := json.Unmarshal([]byte(metaRaw.StringVal), &ioc.Metadata); err != nil {
			return nil, err
		}
	}
	return &ioc, nil
}

func (s *SpannerStore) PutIOC(ctx context.Context, ioc *model.IOC) error {
	metaRaw, err := json.Marshal(ioc.Metadata)
	if err != nil {
		return err
	}
	var verifiedAt interface{}
	if ioc.VerifiedAt != nil {
		verifiedAt = *ioc.VerifiedAt
	}
	mutation := spanner.InsertOrUpdate("Iocs",
		[]string{"Id", "IocType", "Value", "ThreatLevel", "Status", "FirstSeen", "LastSeen",
			"ReportCount", "VerifiedAt", "Metadata"},
		[]interface{}{ioc.ID, string(ioc.Type), ioc.Value, string(ioc.ThreatLevel), string(ioc.Status),
			ioc.FirstSeen, ioc.LastSeen, ioc.ReportCount, verifiedAt, string(metaRaw)},
	)
	_, err = s.client.Apply(ctx, []*spanner.Mutation{mutation})
	return err
}

func (s *SpannerStore) ListIOCs(ctx context.Context, f Filter) ([]*model.IOC, error) {
	sql := `SELECT Id, IocType, Value, ThreatLevel, Status, FirstSeen, LastSeen, ReportCount,
		VerifiedAt, Metadata FROM Iocs WHERE TRUE`
	params := map[string]interface{}{}
	if f.Status != "" {
		sql += " AND Status = @status"
		params["status"] = string(f.Status)
	}
	if f.Type != "" {
		sql += " AND IocType = @iocType"
		params["iocType"] = string(f.Type)
	}
	if f.ThreatLevel != "" {
		sql += " AND ThreatLevel = @threatLevel"
		params["threatLevel"] = string(f.ThreatLevel)
	}
	if !f.Since.IsZero() {
		sql += " AND LastSeen > @since"
		params["since"] = f.Since
	}
	sql += " ORDER BY LastSeen ASC"

	iter := s.client.Single().WithTimestampBound(spanner.MaxStaleness(staleness)).
		Query(ctx, spanner.Statement{SQL: sql, Params: params})
	defer iter.Stop()

	var out []*model.IOC
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ioc, err := decodeIOCRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	return out, nil
}

func (s *SpannerStore) VerifiedSince(ctx context.Context, cursor time.Time) ([]*model.IOC, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT Id, IocType, Value, ThreatLevel, Status, FirstSeen, LastSeen, ReportCount,
			VerifiedAt, Metadata FROM Iocs
			WHERE Status = @status AND VerifiedAt > @cursor ORDER BY VerifiedAt ASC`,
		Params: map[string]interface{}{"status": string(model.StatusVerified), "cursor": cursor},
	})
	defer iter.Stop()

	var out []*model.IOC
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ioc, err := decodeIOCRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	return out, nil
}

func (s *SpannerStore) GetReport(ctx context.Context, iocID, clientID string) (*model.IOCReport, bool, error) {
	row, err := s.client.Single().ReadRow(ctx, "IocReports", spanner.Key{iocID, clientID},
		[]string{"IocId", "ClientId", "ReportedAt", "LastSeen", "ReporterTrustAtReport"})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	var r model.IOCReport
	if err := row.Columns(&r.IOCID, &r.ClientID, &r.ReportedAt, &r.LastSeen, &r.ReporterTrustAtReport); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *SpannerStore) PutReport(ctx context.Context, r *model.IOCReport) error {
	mutation := spanner.InsertOrUpdate("IocReports",
		[]string{"IocId", "ClientId", "ReportedAt", "LastSeen", "ReporterTrustAtReport"},
		[]interface{}{r.IOCID, r.ClientID, r.ReportedAt, r.LastSeen, r.ReporterTrustAtReport},
	)
	_, err := s.client.Apply(ctx, []*spanner.Mutation{mutation})
	return err
}

func (s *SpannerStore) ReportersFor(ctx context.Context, iocID string) ([]string, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL:    `SELECT ClientId FROM IocReports WHERE IocId = @iocId ORDER BY ClientId`,
		Params: map[string]interface{}{"iocId": iocID},
	})
	defer iter.Stop()

	var out []string
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var clientID string
		if err := row.Columns(&clientID); err != nil {
			return nil, err
		}
		out = append(out, clientID)
	}
	return out, nil
}

func (s *SpannerStore) GetTrustScore(ctx context.Context, clientID string) (*model.TrustScore, bool, error) {
	row, err := s.client.Single().ReadRow(ctx, "TrustScores", spanner.Key{clientID}, []string{
		"ClientId", "Value", "ReportsTotal", "ReportsAccepted", "ReportsRejected",
		"LastHeartbeatAt", "LastUpdatedAt", "RecentOutcomes",
	})
	if err != nil {
		if spanner.ErrCode(err) == codes.NotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	score, err := decodeTrustScoreRow(row)
	if err != nil {
		return nil, false, err
	}
	return score, true, nil
}

func decodeTrustScoreRow(row *spanner.Row) (*model.TrustScore, error) {
	var s model.TrustScore
	var heartbeat spanner.NullTime
	var outcomesRaw spanner.NullString
	if err := row.Columns(&s.ClientID, &s.Value, &s.ReportsTotal, &s.ReportsAccepted, &s.ReportsRejected,
		&heartbeat, &s.LastUpdatedAt, &outcomesRaw); err != nil {
		return nil, err
	}
	if heartbeat.Valid {
		s.LastHeartbeatAt = heartbeat.Time
	}
	if outcomesRaw.Valid && outcomesRaw.StringVal != "" {
		if err := json.Unmarshal([]byte(outcomesRaw.StringVal), &s.RecentOutcomes); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func (s *SpannerStore) PutTrustScore(ctx context.Context, score *model.TrustScore) error {
	outcomesRaw, err := json.Marshal(score.RecentOutcomes)
	if err != nil {
		return err
	}
	var heartbeat interface{}
	if !score.LastHeartbeatAt.IsZero() {
		heartbeat = score.LastHeartbeatAt
	}
	mutation := spanner.InsertOrUpdate("TrustScores",
		[]string{"ClientId", "Value", "ReportsTotal", "ReportsAccepted", "ReportsRejected",
			"LastHeartbeatAt", "LastUpdatedAt", "RecentOutcomes"},
		[]interface{}{score.ClientID, score.Value, score.ReportsTotal, score.ReportsAccepted,
			score.ReportsRejected, heartbeat, score.LastUpdatedAt, string(outcomesRaw)},
	)
	_, err = s.client.Apply(ctx, []*spanner.Mutation{mutation})
	return err
}

func (s *SpannerStore) AppendTrustEvent(ctx context.Context, e *model.TrustEvent) error {
	auditID := fmt.Sprintf("%s-%d", e.ClientID, e.At.UnixNano())
	mutation := spanner.Insert("TrustEvents",
		[]string{"ClientId", "AuditId", "At", "Delta", "Reason"},
		[]interface{}{e.ClientID, auditID, e.At, e.Delta, string(e.Reason)},
	)
	_, err := s.client.Apply(ctx, []*spanner.Mutation{mutation})
	return err
}

func (s *SpannerStore) SnapshotTrustScores(ctx context.Context) (map[string]*model.TrustScore, error) {
	iter := s.client.Single().WithTimestampBound(spanner.MaxStaleness(staleness)).
		Query(ctx, spanner.Statement{SQL: `SELECT ClientId, Value, ReportsTotal, ReportsAccepted,
			ReportsRejected, LastHeartbeatAt, LastUpdatedAt, RecentOutcomes FROM TrustScores`})
	defer iter.Stop()

	out := make(map[string]*model.TrustScore)
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		score, err := decodeTrustScoreRow(row)
		if err != nil {
			return nil, err
		}
		out[score.ClientID] = score
	}
	return out, nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
