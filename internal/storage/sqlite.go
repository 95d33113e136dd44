package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the RAG schema: documents, chunks,
// the query log, query-chunk rows, and business events. Vector operations
// on rag_chunks live in the retrieval package, which shares the same *sql.DB.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "ragpipe.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying database for the vector store layer.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Query log ---

// SaveQueryRecord persists a served query. Exactly one record exists per
// query id; a second save for the same id is an error.
func (s *Store) SaveQueryRecord(r QueryRecord) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO rag_query_log (query_id, query, route, cached, cache_similarity, latency_ms,
			quality_score, quality_action, quality_reason, degraded, high_intent, converted,
			conversion_value, agent_id, session_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.QueryID, r.Query, r.Route, boolToInt(r.Cached), r.CacheSimilarity, r.LatencyMS,
		r.QualityScore, r.QualityAction, r.QualityReason, boolToInt(r.Degraded),
		boolToInt(r.HighIntent), boolToInt(r.Converted), r.ConversionValue,
		r.AgentID, r.SessionID, metadataOrEmpty(r.MetadataJSON), createdAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving query record %s: %w", r.QueryID, err)
	}
	return nil
}

// SaveQueryChunks writes the retrieval result set for one query in a single
// transaction. Ranks must form a contiguous 1..k sequence.
func (s *Store) SaveQueryChunks(rows []QueryChunkRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning query chunks transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO rag_query_chunks (query_id, chunk_id, similarity, rank, feedback_weight)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing query chunks statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.Exec(row.QueryID, row.ChunkID, row.Similarity, row.Rank, row.FeedbackWeight); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting query chunk rank %d: %w", row.Rank, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetQueryRecord(queryID string) (QueryRecord, error) {
	var r QueryRecord
	var createdAt string
	var cached, degraded, highIntent, converted int
	err := s.db.QueryRow(`
		SELECT query_id, query, route, cached, cache_similarity, latency_ms, quality_score,
			quality_action, quality_reason, degraded, high_intent, converted, conversion_value,
			agent_id, session_id, metadata, created_at
		FROM rag_query_log WHERE query_id = ?`, queryID,
	).Scan(&r.QueryID, &r.Query, &r.Route, &cached, &r.CacheSimilarity, &r.LatencyMS,
		&r.QualityScore, &r.QualityAction, &r.QualityReason, &degraded, &highIntent,
		&converted, &r.ConversionValue, &r.AgentID, &r.SessionID, &r.MetadataJSON, &createdAt)
	if err == sql.ErrNoRows {
		return QueryRecord{}, ErrNotFound
	}
	if err != nil {
		return QueryRecord{}, err
	}
	r.Cached = cached != 0
	r.Degraded = degraded != 0
	r.HighIntent = highIntent != 0
	r.Converted = converted != 0
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return QueryRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// GetQueryChunks returns the recorded retrieval set for a query in rank order.
func (s *Store) GetQueryChunks(queryID string) ([]QueryChunkRow, error) {
	rows, err := s.db.Query(`
		SELECT query_id, chunk_id, similarity, rank, feedback_weight
		FROM rag_query_chunks WHERE query_id = ? ORDER BY rank ASC`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueryChunkRow
	for rows.Next() {
		var row QueryChunkRow
		if err := rows.Scan(&row.QueryID, &row.ChunkID, &row.Similarity, &row.Rank, &row.FeedbackWeight); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// --- Business events ---

// AppendBusinessEvent records a downstream fact attributed to a query. In the
// same transaction it updates the query record's conversion fields:
// high_intent_detected marks the query high-intent, deal_closed marks it
// converted and adds the event value to its conversion total.
func (s *Store) AppendBusinessEvent(ev BusinessEvent) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM rag_query_log WHERE query_id = ?", ev.QueryID).Scan(&exists); err != nil {
		return fmt.Errorf("checking query %s: %w", ev.QueryID, err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning business event transaction: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO rag_business_events (id, query_id, event_type, event_value, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.QueryID, ev.EventType, ev.EventValue, metadataOrEmpty(ev.MetadataJSON),
		createdAt.Format(time.RFC3339),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("inserting business event: %w", err)
	}

	switch ev.EventType {
	case EventHighIntent:
		if _, err := tx.Exec(`UPDATE rag_query_log SET high_intent = 1 WHERE query_id = ?`, ev.QueryID); err != nil {
			tx.Rollback()
			return fmt.Errorf("marking high intent: %w", err)
		}
	case EventDealClosed:
		if _, err := tx.Exec(`
			UPDATE rag_query_log SET converted = 1, conversion_value = conversion_value + ?
			WHERE query_id = ?`, ev.EventValue, ev.QueryID); err != nil {
			tx.Rollback()
			return fmt.Errorf("marking conversion: %w", err)
		}
	}

	return tx.Commit()
}

// ListBusinessEvents returns events for a query in append order.
func (s *Store) ListBusinessEvents(queryID string) ([]BusinessEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, query_id, event_type, event_value, metadata, created_at
		FROM rag_business_events WHERE query_id = ? ORDER BY created_at ASC`, queryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []BusinessEvent
	for rows.Next() {
		var ev BusinessEvent
		var createdAt string
		if err := rows.Scan(&ev.ID, &ev.QueryID, &ev.EventType, &ev.EventValue, &ev.MetadataJSON, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		ev.CreatedAt = t
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- ROI aggregates ---

// QueryCounts returns total, cached, high-intent, and converted query counts
// since the given time.
func (s *Store) QueryCounts(since time.Time) (total, cached, highIntent, converted int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(cached), 0),
			COALESCE(SUM(high_intent), 0),
			COALESCE(SUM(converted), 0)
		FROM rag_query_log WHERE created_at >= ?`,
		since.UTC().Format(time.RFC3339),
	).Scan(&total, &cached, &highIntent, &converted)
	return
}

// Latencies returns latencies in ms for queries since the given time,
// split by cache-hit status, sorted ascending.
func (s *Store) Latencies(since time.Time, cachedOnly bool) ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT latency_ms FROM rag_query_log
		WHERE created_at >= ? AND cached = ? ORDER BY latency_ms ASC`,
		since.UTC().Format(time.RFC3339), boolToInt(cachedOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var latencies []int64
	for rows.Next() {
		var l int64
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		latencies = append(latencies, l)
	}
	return latencies, rows.Err()
}

// Revenue sums deal_closed event values since the given time.
func (s *Store) Revenue(since time.Time) (float64, error) {
	var sum float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(event_value), 0) FROM rag_business_events
		WHERE event_type = ? AND created_at >= ?`,
		EventDealClosed, since.UTC().Format(time.RFC3339),
	).Scan(&sum)
	return sum, err
}

// TopAgents returns agents ranked by attributed revenue since the given time.
func (s *Store) TopAgents(since time.Time, limit int) ([]AgentRevenue, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.Query(`
		SELECT agent_id, COALESCE(SUM(conversion_value), 0) AS revenue, COUNT(*) AS queries
		FROM rag_query_log
		WHERE created_at >= ? AND agent_id != ''
		GROUP BY agent_id
		ORDER BY revenue DESC, agent_id ASC
		LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []AgentRevenue
	for rows.Next() {
		var a AgentRevenue
		if err := rows.Scan(&a.AgentID, &a.RevenueUSD, &a.Queries); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func metadataOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
