package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog/log"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// Each :memory: connection is its own database.
	if strings.Contains(dataSourceName, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS nodes (
        id TEXT PRIMARY KEY,
        label TEXT NOT NULL,
        name TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes (name);

    CREATE TABLE IF NOT EXISTS relationships (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source_id TEXT NOT NULL,
        type TEXT NOT NULL,
        target_id TEXT NOT NULL,
        context_text TEXT,
        embedding_json TEXT, -- JSON array of float32
        UNIQUE (source_id, type, target_id),
        FOREIGN KEY (source_id) REFERENCES nodes (id),
        FOREIGN KEY (target_id) REFERENCES nodes (id)
    );

    CREATE TABLE IF NOT EXISTS exchanges (
        id TEXT PRIMARY KEY, -- UUID
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// Node methods
func (s *SQLiteStore) UpsertNode(node Node) error {
	stmt, err := s.db.Prepare(`
        INSERT INTO nodes (id, label, name) VALUES (?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET label = excluded.label, name = excluded.name`)
	if err != nil {
		return fmt.Errorf("failed to prepare node upsert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.Exec(node.ID, node.Label, node.Name); err != nil {
		return fmt.Errorf("failed to execute node upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountNodes() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM nodes").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	return n, nil
}

// Relationship methods

// UpsertRelationship links two existing nodes. It reports false without an
// error when either endpoint is unknown.
func (s *SQLiteStore) UpsertRelationship(sourceID, relType, targetID string) (bool, error) {
	var found int
	err := s.db.QueryRow("SELECT COUNT(*) FROM nodes WHERE id IN (?, ?)", sourceID, targetID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("failed to check relationship endpoints: %w", err)
	}
	want := 2
	if sourceID == targetID {
		want = 1
	}
	if found < want {
		return false, nil
	}

	stmt, err := s.db.Prepare("INSERT OR IGNORE INTO relationships (source_id, type, target_id) VALUES (?, ?, ?)")
	if err != nil {
		return false, fmt.Errorf("failed to prepare relationship insert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.Exec(sourceID, relType, targetID); err != nil {
		return false, fmt.Errorf("failed to execute relationship insert: %w", err)
	}
	return true, nil
}

const relationshipColumns = `
    r.id, a.id, a.name, a.label, r.type, b.id, b.name, b.label,
    COALESCE(r.context_text, ''), COALESCE(r.embedding_json, '')
    FROM relationships r
    JOIN nodes a ON a.id = r.source_id
    JOIN nodes b ON b.id = r.target_id`

func (s *SQLiteStore) ListRelationships() ([]Relationship, error) {
	return s.queryRelationships("SELECT" + relationshipColumns + " ORDER BY r.id")
}

// GetEmbeddedRelationships returns only relationships that have an embedding.
func (s *SQLiteStore) GetEmbeddedRelationships() ([]Relationship, error) {
	return s.queryRelationships("SELECT" + relationshipColumns + " WHERE r.embedding_json IS NOT NULL AND r.embedding_json != '' ORDER BY r.id")
}

func (s *SQLiteStore) queryRelationships(query string, args ...any) ([]Relationship, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.ID, &rel.SourceID, &rel.SourceName, &rel.SourceLabel, &rel.Type,
			&rel.TargetID, &rel.TargetName, &rel.TargetLabel, &rel.ContextText, &rel.EmbeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan relationship row: %w", err)
		}
		if rel.EmbeddingJSON != "" {
			if err := json.Unmarshal([]byte(rel.EmbeddingJSON), &rel.Embedding); err != nil {
				log.Warn().Err(err).Int64("relationship_id", rel.ID).Msg("failed to unmarshal embedding, leaving it empty")
				rel.Embedding = nil
			}
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

func (s *SQLiteStore) SetRelationshipEmbedding(id int64, contextText string, embedding []float32) error {
	embeddingBytes, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}

	stmt, err := s.db.Prepare("UPDATE relationships SET context_text = ?, embedding_json = ? WHERE id = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare embedding update: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.Exec(contextText, string(embeddingBytes), id)
	if err != nil {
		return fmt.Errorf("failed to execute embedding update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("relationship %d not found, embedding not updated", id)
	}
	return nil
}

// NeighborsOf walks up to maxHops edges in either direction from every node
// whose name is in names, nearest first, and returns at most limit entities
// (the seeds themselves included).
func (s *SQLiteStore) NeighborsOf(names []string, maxHops, limit int) ([]Neighbor, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
    WITH RECURSIVE
        edges(a, b) AS (
            SELECT source_id, target_id FROM relationships
            UNION ALL
            SELECT target_id, source_id FROM relationships
        ),
        walk(id, depth) AS (
            SELECT id, 0 FROM nodes WHERE name IN (` + placeholders(len(names)) + `)
            UNION
            SELECT e.b, w.depth + 1 FROM walk w JOIN edges e ON e.a = w.id WHERE w.depth < ?
        )
    SELECT n.name, n.label
    FROM walk w JOIN nodes n ON n.id = w.id
    GROUP BY n.id
    ORDER BY MIN(w.depth), n.name
    LIMIT ?`

	args := stringArgs(names)
	args = append(args, maxHops, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.Name, &n.Label); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor row: %w", err)
		}
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

// RelationshipPatterns lists each distinct (source label, type, target label)
// combination present in the graph.
func (s *SQLiteStore) RelationshipPatterns() ([]RelationshipPattern, error) {
	rows, err := s.db.Query(`
    SELECT DISTINCT a.label, r.type, b.label
    FROM relationships r
    JOIN nodes a ON a.id = r.source_id
    JOIN nodes b ON b.id = r.target_id
    ORDER BY r.type, a.label, b.label`)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationship patterns: %w", err)
	}
	defer rows.Close()

	var patterns []RelationshipPattern
	for rows.Next() {
		var p RelationshipPattern
		if err := rows.Scan(&p.SourceLabel, &p.Type, &p.TargetLabel); err != nil {
			return nil, fmt.Errorf("failed to scan relationship pattern row: %w", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ConnectionsAmong returns every edge whose two endpoints both have a name in names.
func (s *SQLiteStore) ConnectionsAmong(names []string) ([]Connection, error) {
	if len(names) == 0 {
		return nil, nil
	}

	in := placeholders(len(names))
	query := `
    SELECT a.name, r.type, b.name
    FROM relationships r
    JOIN nodes a ON a.id = r.source_id
    JOIN nodes b ON b.id = r.target_id
    WHERE a.name IN (` + in + `) AND b.name IN (` + in + `)
    ORDER BY r.id`

	args := stringArgs(names)
	args = append(args, stringArgs(names)...)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.SourceName, &c.Type, &c.TargetName); err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// ClearGraph removes all nodes and relationships. The exchange log is kept.
func (s *SQLiteStore) ClearGraph() error {
	if _, err := s.db.Exec("DELETE FROM relationships"); err != nil {
		return fmt.Errorf("failed to delete relationships: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM nodes"); err != nil {
		return fmt.Errorf("failed to delete nodes: %w", err)
	}
	_, err := s.db.Exec("DELETE FROM sqlite_sequence WHERE name='relationships'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		log.Warn().Err(err).Msg("could not reset sequence for relationships")
	}
	return nil
}

// Exchange methods
func (s *SQLiteStore) CreateExchange(ex *Exchange) error {
	ex.ID = uuid.NewString()
	ex.CreatedAt = time.Now()

	stmt, err := s.db.Prepare("INSERT INTO exchanges (id, question, answer, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare exchange insert: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.Exec(ex.ID, ex.Question, ex.Answer, ex.CreatedAt); err != nil {
		return fmt.Errorf("failed to execute exchange insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetLastNExchanges(n int) ([]Exchange, error) {
	rows, err := s.db.Query("SELECT id, question, answer, created_at FROM exchanges ORDER BY created_at DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("failed to query exchanges: %w", err)
	}
	defer rows.Close()

	var exchanges []Exchange
	for rows.Next() {
		var ex Exchange
		if err := rows.Scan(&ex.ID, &ex.Question, &ex.Answer, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exchange row: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
