// Package sqlite implements internal/store.Store on top of modernc.org/sqlite,
// the same pure-Go driver and PRAGMA-tuned connection style used elsewhere in
// the codebase's database layer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aristath/arbiter/internal/domain"
	"github.com/aristath/arbiter/internal/store"
)

// Store is a modernc.org/sqlite-backed implementation of store.Store. A
// single WAL-mode database holds all five logical tables: market_links,
// opportunities, platform_pair_stats, opportunity_attribution and
// correlation_rules.
type Store struct {
	conn *sql.DB
}

// buildConnectionString mirrors the balanced "standard" profile: WAL mode,
// NORMAL synchronous, foreign keys on, a 5s busy timeout, a modest page
// cache. There is only one profile here; opportunities and links are
// neither an append-only ledger nor pure ephemeral cache.
func buildConnectionString(path string) string {
	connStr := path + "?_pragma=journal_mode(WAL)"
	connStr += "&_pragma=synchronous(NORMAL)"
	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=cache_size(-16000)"
	return connStr
}

// Open creates (or attaches to) a SQLite database at path and applies the
// schema. path may be ":memory:" for tests; any other value, a "file:" URI
// included, is resolved as a filesystem path.
func Open(path string) (*Store, error) {
	if path != ":memory:" && path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = absPath
	}

	conn, err := sql.Open("sqlite", buildConnectionString(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(1 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS market_links (
	id          TEXT PRIMARY KEY,
	market_a    TEXT NOT NULL,
	market_b    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	source      TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_market_links_a ON market_links(market_a);
CREATE INDEX IF NOT EXISTS idx_market_links_b ON market_links(market_b);

CREATE TABLE IF NOT EXISTS opportunities (
	id              TEXT PRIMARY KEY,
	type            TEXT NOT NULL,
	markets_json    TEXT NOT NULL,
	edge_pct        REAL NOT NULL,
	profit_per_100  REAL NOT NULL,
	score           REAL NOT NULL,
	confidence      REAL NOT NULL,
	total_liquidity REAL NOT NULL,
	status          TEXT NOT NULL,
	discovered_at   DATETIME NOT NULL,
	expires_at      DATETIME NOT NULL,
	taken           INTEGER NOT NULL DEFAULT 0,
	fill_prices_json TEXT NOT NULL DEFAULT '{}',
	realized_pnl    REAL NOT NULL DEFAULT 0,
	closed_at       DATETIME,
	notes           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);
CREATE INDEX IF NOT EXISTS idx_opportunities_discovered ON opportunities(discovered_at);

CREATE TABLE IF NOT EXISTS platform_pair_stats (
	platform_a          TEXT NOT NULL,
	platform_b          TEXT NOT NULL,
	total_opportunities INTEGER NOT NULL DEFAULT 0,
	taken               INTEGER NOT NULL DEFAULT 0,
	wins                INTEGER NOT NULL DEFAULT 0,
	total_profit        REAL NOT NULL DEFAULT 0,
	avg_edge            REAL NOT NULL DEFAULT 0,
	last_updated        DATETIME NOT NULL,
	PRIMARY KEY (platform_a, platform_b)
);

CREATE TABLE IF NOT EXISTS opportunity_attribution (
	opportunity_id     TEXT PRIMARY KEY,
	edge_source        TEXT NOT NULL,
	discovered_at      DATETIME NOT NULL,
	executed_at        DATETIME,
	closed_at          DATETIME,
	expected_slippage  REAL NOT NULL DEFAULT 0,
	actual_slippage    REAL NOT NULL DEFAULT 0,
	fill_rate          REAL NOT NULL DEFAULT 0,
	execution_time_ms  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS correlation_rules (
	id          TEXT PRIMARY KEY,
	pattern_a   TEXT NOT NULL,
	pattern_b   TEXT NOT NULL,
	type        TEXT NOT NULL,
	correlation REAL NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, schema)
	return err
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// --- links ---

func (s *Store) SaveLink(ctx context.Context, link domain.Link) error {
	metaJSON, err := json.Marshal(link.Metadata)
	if err != nil {
		return fmt.Errorf("marshal link metadata: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO market_links (id, market_a, market_b, confidence, source, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			market_a=excluded.market_a, market_b=excluded.market_b,
			confidence=excluded.confidence, source=excluded.source, metadata=excluded.metadata
	`, link.ID, string(link.A), string(link.B), link.Confidence, string(link.Source), string(metaJSON))
	if err != nil {
		return fmt.Errorf("save link: %w", err)
	}
	return nil
}

func (s *Store) DeleteLink(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM market_links WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

func (s *Store) AllLinks(ctx context.Context) ([]domain.Link, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id, market_a, market_b, confidence, source, metadata FROM market_links`)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var out []domain.Link
	for rows.Next() {
		var (
			l        domain.Link
			a, b     string
			source   string
			metaJSON string
		)
		if err := rows.Scan(&l.ID, &a, &b, &l.Confidence, &source, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.A = domain.MarketKey(a)
		l.B = domain.MarketKey(b)
		l.Source = domain.LinkProvenance(source)
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &l.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal link metadata: %w", err)
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- opportunities ---

func (s *Store) SaveOpportunity(ctx context.Context, rec store.OpportunityRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO opportunities (
			id, type, markets_json, edge_pct, profit_per_100, score, confidence,
			total_liquidity, status, discovered_at, expires_at, taken,
			fill_prices_json, realized_pnl, closed_at, notes
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, markets_json=excluded.markets_json, edge_pct=excluded.edge_pct,
			profit_per_100=excluded.profit_per_100, score=excluded.score, confidence=excluded.confidence,
			total_liquidity=excluded.total_liquidity, status=excluded.status,
			discovered_at=excluded.discovered_at, expires_at=excluded.expires_at, taken=excluded.taken,
			fill_prices_json=excluded.fill_prices_json, realized_pnl=excluded.realized_pnl,
			closed_at=excluded.closed_at, notes=excluded.notes
	`,
		rec.ID, string(rec.Type), rec.MarketsJSON, rec.EdgePct, rec.ProfitPer100, rec.Score, rec.Confidence,
		rec.TotalLiquidity, string(rec.Status), rec.DiscoveredAt, rec.ExpiresAt, rec.Taken,
		rec.FillPricesJSON, rec.RealizedPnL, rec.ClosedAt, rec.Notes,
	)
	if err != nil {
		return fmt.Errorf("save opportunity: %w", err)
	}
	return nil
}

func scanOpportunity(row interface {
	Scan(dest ...any) error
}) (store.OpportunityRecord, error) {
	var (
		rec         store.OpportunityRecord
		typ, status string
		taken       int
		closedAt    sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &typ, &rec.MarketsJSON, &rec.EdgePct, &rec.ProfitPer100, &rec.Score, &rec.Confidence,
		&rec.TotalLiquidity, &status, &rec.DiscoveredAt, &rec.ExpiresAt, &taken,
		&rec.FillPricesJSON, &rec.RealizedPnL, &closedAt, &rec.Notes,
	)
	if err != nil {
		return store.OpportunityRecord{}, err
	}
	rec.Type = domain.OpportunityType(typ)
	rec.Status = domain.OpportunityStatus(status)
	rec.Taken = taken != 0
	if closedAt.Valid {
		t := closedAt.Time
		rec.ClosedAt = &t
	}
	return rec, nil
}

const opportunityColumns = `id, type, markets_json, edge_pct, profit_per_100, score, confidence,
	total_liquidity, status, discovered_at, expires_at, taken, fill_prices_json, realized_pnl, closed_at, notes`

func (s *Store) GetOpportunity(ctx context.Context, id string) (store.OpportunityRecord, bool, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE id = ?`, id)
	rec, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return store.OpportunityRecord{}, false, nil
	}
	if err != nil {
		return store.OpportunityRecord{}, false, fmt.Errorf("get opportunity: %w", err)
	}
	return rec, true, nil
}

func (s *Store) GetOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]store.OpportunityRecord, error) {
	query := `SELECT ` + opportunityColumns + ` FROM opportunities WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND discovered_at >= ?`
		args = append(args, filter.Since)
	}
	query += ` ORDER BY discovered_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	var out []store.OpportunityRecord
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan opportunity: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteOpportunitiesOlderThan returns the deleted rows before removing them,
// so callers (analytics) can archive-before-delete.
func (s *Store) DeleteOpportunitiesOlderThan(ctx context.Context, cutoff time.Time) ([]store.OpportunityRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT `+opportunityColumns+` FROM opportunities WHERE discovered_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query expiring opportunities: %w", err)
	}
	var victims []store.OpportunityRecord
	for rows.Next() {
		rec, err := scanOpportunity(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expiring opportunity: %w", err)
		}
		victims = append(victims, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM opportunities WHERE discovered_at < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete expiring opportunities: %w", err)
	}
	return victims, nil
}

// --- platform pair stats ---

func (s *Store) IncrementPlatformPairStats(ctx context.Context, a, b string, taken, win bool, profit, edge float64) error {
	takenInc, winInc := 0, 0
	if taken {
		takenInc = 1
	}
	if win {
		winInc = 1
	}
	now := time.Now()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO platform_pair_stats (platform_a, platform_b, total_opportunities, taken, wins, total_profit, avg_edge, last_updated)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(platform_a, platform_b) DO UPDATE SET
			total_opportunities = total_opportunities + 1,
			taken = taken + excluded.taken,
			wins = wins + excluded.wins,
			total_profit = total_profit + excluded.total_profit,
			avg_edge = ((avg_edge * (total_opportunities)) + excluded.avg_edge) / (total_opportunities + 1),
			last_updated = excluded.last_updated
	`, a, b, takenInc, winInc, profit, edge, now)
	if err != nil {
		return fmt.Errorf("increment platform pair stats: %w", err)
	}
	return nil
}

func (s *Store) GetPlatformPairs(ctx context.Context) ([]store.PlatformPairStats, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT platform_a, platform_b, total_opportunities, taken, wins, total_profit, avg_edge, last_updated
		FROM platform_pair_stats
	`)
	if err != nil {
		return nil, fmt.Errorf("query platform pairs: %w", err)
	}
	defer rows.Close()

	var out []store.PlatformPairStats
	for rows.Next() {
		var p store.PlatformPairStats
		if err := rows.Scan(&p.PlatformA, &p.PlatformB, &p.TotalOpportunities, &p.Taken, &p.Wins, &p.TotalProfit, &p.AvgEdge, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan platform pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- attribution ---

func (s *Store) SaveAttribution(ctx context.Context, attr store.Attribution) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO opportunity_attribution (
			opportunity_id, edge_source, discovered_at, executed_at, closed_at,
			expected_slippage, actual_slippage, fill_rate, execution_time_ms
		) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(opportunity_id) DO UPDATE SET
			edge_source=excluded.edge_source, discovered_at=excluded.discovered_at,
			executed_at=excluded.executed_at, closed_at=excluded.closed_at,
			expected_slippage=excluded.expected_slippage, actual_slippage=excluded.actual_slippage,
			fill_rate=excluded.fill_rate, execution_time_ms=excluded.execution_time_ms
	`, attr.OpportunityID, attr.EdgeSource, attr.DiscoveredAt, attr.ExecutedAt, attr.ClosedAt,
		attr.ExpectedSlippage, attr.ActualSlippage, attr.FillRate, attr.ExecutionTimeMs)
	if err != nil {
		return fmt.Errorf("save attribution: %w", err)
	}
	return nil
}

func (s *Store) GetAttributions(ctx context.Context, since time.Time) ([]store.Attribution, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT opportunity_id, edge_source, discovered_at, executed_at, closed_at,
			expected_slippage, actual_slippage, fill_rate, execution_time_ms
		FROM opportunity_attribution
		WHERE discovered_at >= ?
		ORDER BY discovered_at DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query attributions: %w", err)
	}
	defer rows.Close()

	var out []store.Attribution
	for rows.Next() {
		var (
			a          store.Attribution
			executedAt sql.NullTime
			closedAt   sql.NullTime
		)
		if err := rows.Scan(&a.OpportunityID, &a.EdgeSource, &a.DiscoveredAt, &executedAt, &closedAt,
			&a.ExpectedSlippage, &a.ActualSlippage, &a.FillRate, &a.ExecutionTimeMs); err != nil {
			return nil, fmt.Errorf("scan attribution: %w", err)
		}
		if executedAt.Valid {
			t := executedAt.Time
			a.ExecutedAt = &t
		}
		if closedAt.Valid {
			t := closedAt.Time
			a.ClosedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- correlation rules ---

func (s *Store) SaveCorrelationRule(ctx context.Context, rule store.CorrelationRuleRecord) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO correlation_rules (id, pattern_a, pattern_b, type, correlation, description, created_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			pattern_a=excluded.pattern_a, pattern_b=excluded.pattern_b, type=excluded.type,
			correlation=excluded.correlation, description=excluded.description
	`, rule.ID, rule.PatternA, rule.PatternB, rule.Type, rule.Correlation, rule.Description, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("save correlation rule: %w", err)
	}
	return nil
}

// --- performance attribution ---

// attributionGroupExpr renders the SQL grouping key expression for a
// dimension. edge_bucket/liquidity_bucket/confidence_bucket are computed
// with CASE expressions rather than a stored column.
func attributionGroupExpr(dim store.AttributionDimension) (string, error) {
	switch dim {
	case store.DimensionEdgeSource:
		return "a.edge_source", nil
	case store.DimensionHourOfDay:
		return "strftime('%H', a.discovered_at)", nil
	case store.DimensionDayOfWeek:
		return "strftime('%w', a.discovered_at)", nil
	case store.DimensionEdgeBucket:
		return `CASE
			WHEN o.edge_pct < 1 THEN 'edge_0-1pct'
			WHEN o.edge_pct < 2 THEN 'edge_1-2pct'
			WHEN o.edge_pct < 5 THEN 'edge_2-5pct'
			ELSE 'edge_5pct+'
		END`, nil
	case store.DimensionLiquidityBucket:
		return `CASE
			WHEN o.total_liquidity < 1000 THEN 'liquidity_<1k'
			WHEN o.total_liquidity < 10000 THEN 'liquidity_1k-10k'
			WHEN o.total_liquidity < 50000 THEN 'liquidity_10k-50k'
			ELSE 'liquidity_50k+'
		END`, nil
	case store.DimensionConfidenceBucket:
		return `CASE
			WHEN o.confidence < 0.5 THEN 'confidence_<0.5'
			WHEN o.confidence < 0.75 THEN 'confidence_0.5-0.75'
			WHEN o.confidence < 0.9 THEN 'confidence_0.75-0.9'
			ELSE 'confidence_0.9+'
		END`, nil
	default:
		return "", fmt.Errorf("unknown attribution dimension: %s", dim)
	}
}

func (s *Store) AttributionBreakdown(ctx context.Context, dim store.AttributionDimension, since time.Time) ([]store.BucketStat, error) {
	groupExpr, err := attributionGroupExpr(dim)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT
			%s AS bucket_key,
			COUNT(*) AS samples,
			AVG(CASE WHEN o.realized_pnl > 0 THEN 1.0 ELSE 0.0 END) AS win_rate,
			AVG(o.realized_pnl) AS avg_profit,
			AVG(a.actual_slippage) AS avg_slippage
		FROM opportunity_attribution a
		JOIN opportunities o ON o.id = a.opportunity_id
		WHERE a.discovered_at >= ? AND o.closed_at IS NOT NULL
		GROUP BY bucket_key
		ORDER BY bucket_key
	`, groupExpr)

	rows, err := s.conn.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("query attribution breakdown: %w", err)
	}
	defer rows.Close()

	var out []store.BucketStat
	for rows.Next() {
		var b store.BucketStat
		if err := rows.Scan(&b.Key, &b.Samples, &b.WinRate, &b.AvgProfit, &b.AvgSlippage); err != nil {
			return nil, fmt.Errorf("scan attribution breakdown: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DecayCurve(ctx context.Context, since time.Time) ([]store.DecayPoint, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT
			CAST((julianday(o.closed_at) - julianday(o.discovered_at)) * 1440 / 15 AS INTEGER) * 15 AS hold_bucket,
			COUNT(*) AS samples,
			AVG(o.realized_pnl) AS avg_profit
		FROM opportunities o
		WHERE o.discovered_at >= ? AND o.closed_at IS NOT NULL
		GROUP BY hold_bucket
		ORDER BY hold_bucket
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query decay curve: %w", err)
	}
	defer rows.Close()

	var out []store.DecayPoint
	for rows.Next() {
		var d store.DecayPoint
		if err := rows.Scan(&d.HoldMinutesBucket, &d.Samples, &d.AvgProfit); err != nil {
			return nil, fmt.Errorf("scan decay point: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) AllCorrelationRules(ctx context.Context) ([]store.CorrelationRuleRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, pattern_a, pattern_b, type, correlation, description, created_at FROM correlation_rules
	`)
	if err != nil {
		return nil, fmt.Errorf("query correlation rules: %w", err)
	}
	defer rows.Close()

	var out []store.CorrelationRuleRecord
	for rows.Next() {
		var r store.CorrelationRuleRecord
		if err := rows.Scan(&r.ID, &r.PatternA, &r.PatternB, &r.Type, &r.Correlation, &r.Description, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan correlation rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
