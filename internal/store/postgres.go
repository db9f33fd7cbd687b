package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/ocx/threatfabric/internal/model"
)

// PostgresStore persists the four logical tables in a real Postgres
// database via database/sql. Each method runs its statements directly
// on the pool with no explicit transaction, so an IOC row write and its
// report insert are separate, independently committed statements.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection, verifies it, and ensures the
// schema (including the meta.schema_version row) exists.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	log.Printf("[store] connecting to postgres at %s", dsnRedacted(dsn))
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	ps := &PostgresStore{db: db}
	if err := ps.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[store] postgres schema ready")
	return ps, nil
}

const schemaVersion = 1

func (p *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (schema_version INT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS iocs (
			id TEXT PRIMARY KEY,
			ioc_type TEXT NOT NULL,
			value TEXT NOT NULL,
			threat_level TEXT NOT NULL,
			status TEXT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			report_count INT NOT NULL,
			verified_at TIMESTAMPTZ,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_iocs_status ON iocs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_iocs_last_seen ON iocs(last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_iocs_verified_at ON iocs(verified_at)`,
		`CREATE TABLE IF NOT EXISTS ioc_reports (
			ioc_id TEXT NOT NULL,
			client_id TEXT NOT NULL,
			reported_at TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			reporter_trust_at_report DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (ioc_id, client_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ioc_reports_client ON ioc_reports(client_id)`,
		`CREATE TABLE IF NOT EXISTS trust_scores (
			client_id TEXT PRIMARY KEY,
			value DOUBLE PRECISION NOT NULL,
			reports_total BIGINT NOT NULL,
			reports_accepted BIGINT NOT NULL,
			reports_rejected BIGINT NOT NULL,
			last_heartbeat_at TIMESTAMPTZ,
			last_updated_at TIMESTAMPTZ NOT NULL,
			recent_outcomes JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS trust_events (
			client_id TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			delta DOUBLE PRECISION NOT NULL,
			reason TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	var count int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM meta`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := p.db.ExecContext(ctx, `INSERT INTO meta(schema_version) VALUES ($1)`, schemaVersion); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) GetIOC(ctx context.Context, id string) (*model.IOC, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, ioc_type, value, threat_level, status,
		first_seen, last_seen, report_count, verified_at, metadata FROM iocs WHERE id = $1`, id)
	ioc, err := scanIOC(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ioc, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIOC(row rowScanner) (*model.IOC, error) {
	var ioc model.IOC
	var metaRaw []byte
	var verifiedAt sql.NullTime
	if err := row.Scan(&ioc.ID, &ioc.Type, &ioc.Value, &ioc.ThreatLevel, &ioc.Status,
		&ioc.FirstSeen, &ioc.LastSeen, &ioc.ReportCount, &verifiedAt, &metaRaw); err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		ioc.VerifiedAt = &t
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &ioc.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &ioc, nil
}

func (p *PostgresStore) PutIOC(ctx context.Context, ioc *model.IOC) error {
	metaRaw, err := json.Marshal(ioc.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO iocs (id, ioc_type, value, threat_level, status, first_seen, last_seen, report_count, verified_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			threat_level = EXCLUDED.threat_level,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen,
			report_count = EXCLUDED.report_count,
			verified_at = EXCLUDED.verified_at,
			metadata = EXCLUDED.metadata
	`, ioc.ID, ioc.Type, ioc.Value, ioc.ThreatLevel, ioc.Status, ioc.FirstSeen, ioc.LastSeen,
		ioc.ReportCount, ioc.VerifiedAt, metaRaw)
	return err
}

func (p *PostgresStore) ListIOCs(ctx context.Context, f Filter) ([]*model.IOC, error) {
	query := `SELECT id, ioc_type, value, threat_level, status, first_seen, last_seen,
		report_count, verified_at, metadata FROM iocs WHERE 1=1`
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		query += fmt.Sprintf(" AND ioc_type = $%d", len(args))
	}
	if f.ThreatLevel != "" {
		args = append(args, f.ThreatLevel)
		query += fmt.Sprintf(" AND threat_level = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND last_seen > $%d", len(args))
	}
	query += " ORDER BY last_seen ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) VerifiedSince(ctx context.Context, cursor time.Time) ([]*model.IOC, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ioc_type, value, threat_level, status,
		first_seen, last_seen, report_count, verified_at, metadata
		FROM iocs WHERE status = $1 AND verified_at > $2 ORDER BY verified_at ASC`,
		model.StatusVerified, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.IOC
	for rows.Next() {
		ioc, err := scanIOC(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ioc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetReport(ctx context.Context, iocID, clientID string) (*model.IOCReport, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT ioc_id, client_id, reported_at, last_seen,
		reporter_trust_at_report FROM ioc_reports WHERE ioc_id = $1 AND client_id = $2`, iocID, clientID)
	var r model.IOCReport
	err := row.Scan(&r.IOCID, &r.ClientID, &r.ReportedAt, &r.LastSeen, &r.ReporterTrustAtReport)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (p *PostgresStore) PutReport(ctx context.Context, r *model.IOCReport) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ioc_reports (ioc_id, client_id, reported_at, last_seen, reporter_trust_at_report)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (ioc_id, client_id) DO UPDATE SET last_seen = EXCLUDED.last_seen
	`, r.IOCID, r.ClientID, r.ReportedAt, r.LastSeen, r.ReporterTrustAtReport)
	return err
}

func (p *PostgresStore) ReportersFor(ctx context.Context, iocID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT client_id FROM ioc_reports WHERE ioc_id = $1 ORDER BY client_id`, iocID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTrustScore(ctx context.Context, clientID string) (*model.TrustScore, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT client_id, value, reports_total, reports_accepted,
		reports_rejected, last_heartbeat_at, last_updated_at, recent_outcomes
		FROM trust_scores WHERE client_id = $1`, clientID)

	var s model.TrustScore
	var heartbeat sql.NullTime
	var outcomesRaw []byte
	err := row.Scan(&s.ClientID, &s.Value, &s.ReportsTotal, &s.ReportsAccepted, &s.ReportsRejected,
		&heartbeat, &s.LastUpdatedAt, &outcomesRaw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if heartbeat.Valid {
		s.LastHeartbeatAt = heartbeat.Time
	}
	if len(outcomesRaw) > 0 {
		if err := json.Unmarshal(outcomesRaw, &s.RecentOutcomes); err != nil {
			return nil, false, err
		}
	}
	return &s, true, nil
}

func (p *PostgresStore) PutTrustScore(ctx context.Context, s *model.TrustScore) error {
	outcomesRaw, err := json.Marshal(s.RecentOutcomes)
	if err != nil {
		return err
	}
	var heartbeat interface{}
	if !s.LastHeartbeatAt.IsZero() {
		heartbeat = s.LastHeartbeatAt
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trust_scores (client_id, value, reports_total, reports_accepted, reports_rejected,
			last_heartbeat_at, last_updated_at, recent_outcomes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (client_id) DO UPDATE SET
			value = EXCLUDED.value,
			reports_total = EXCLUDED.reports_total,
			reports_accepted = EXCLUDED.reports_accepted,
			reports_rejected = EXCLUDED.reports_rejected,
			last_heartbeat_at = EXCLUDED.last_heartbeat_at,
			last_updated_at = EXCLUDED.last_updated_at,
			recent_outcomes = EXCLUDED.recent_outcomes
	`, s.ClientID, s.Value, s.ReportsTotal, s.ReportsAccepted, s.ReportsRejected,
		heartbeat, s.LastUpdatedAt, outcomesRaw)
	return err
}

func (p *PostgresStore) AppendTrustEvent(ctx context.Context, e *model.TrustEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trust_events (client_id, at, delta, reason)
		VALUES ($1,$2,$3,$4)`, e.ClientID, e.At, e.Delta, e.Reason)
	return err
}

func (p *PostgresStore) SnapshotTrustScores(ctx context.Context) (map[string]*model.TrustScore, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT client_id, value, reports_total, reports_accepted,
		reports_rejected, last_heartbeat_at, last_updated_at, recent_outcomes FROM trust_scores`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*model.TrustScore)
	for rows.Next() {
		var s model.TrustScore
		var heartbeat sql.NullTime
		var outcomesRaw []byte
		if err := rows.Scan(&s.ClientID, &s.Value, &s.ReportsTotal, &s.ReportsAccepted, &s.ReportsRejected,
			&heartbeat, &s.LastUpdatedAt, &outcomesRaw); err != nil {
			return nil, err
		}
		if heartbeat.Valid {
			s.LastHeartbeatAt = heartbeat.Time
		}
		if len(outcomesRaw) > 0 {
			_ = json.Unmarshal(outcomesRaw, &s.RecentOutcomes)
		}
		out[s.ClientID] = &s
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// dsnRedacted strips credentials from a DSN for logging.
func dsnRedacted(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		return "***" + dsn[i:]
	}
	return dsn
}
