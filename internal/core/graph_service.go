package core

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"graphrag.dev/graph-chat/internal/store"
)

const (
	nodesDir         = "nodes"
	relationshipsDir = "relationships"

	// Spacing between embedding requests to stay under provider rate limits.
	embedInterval    = 50 * time.Millisecond
	embedConcurrency = 4
)

type LoadStats struct {
	Nodes         int `json:"nodes"`
	Relationships int `json:"relationships"`
	Skipped       int `json:"skipped"`
	Embedded      int `json:"embedded"`
}

// GraphService loads a CSV graph directory into the store and embeds every
// relationship so it can be found by similarity.
//
// Layout: nodes/<Label>.csv with id,name columns and
// relationships/<TYPE>.csv with start,end columns.
type GraphService struct {
	dbStore  *store.SQLiteStore
	embedder Embedder
	interval time.Duration

	// Serializes Initialize calls.
	mu sync.Mutex
}

func NewGraphService(db *store.SQLiteStore, embedder Embedder) *GraphService {
	return &GraphService{
		dbStore:  db,
		embedder: embedder,
		interval: embedInterval,
	}
}

// Initialize replaces the stored graph with the contents of dir and embeds it.
func (s *GraphService) Initialize(ctx context.Context, dir string) (LoadStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats LoadStats
	nodeFiles, err := csvFiles(filepath.Join(dir, nodesDir))
	if err != nil {
		return stats, err
	}
	if len(nodeFiles) == 0 {
		return stats, errors.Errorf("no node files found in %s", filepath.Join(dir, nodesDir))
	}
	relFiles, err := csvFiles(filepath.Join(dir, relationshipsDir))
	if err != nil {
		return stats, err
	}

	if err := s.dbStore.ClearGraph(); err != nil {
		return stats, errors.Wrap(err, "failed to clear existing graph")
	}

	for _, path := range nodeFiles {
		n, err := s.importNodes(path, labelFromFile(path))
		if err != nil {
			return stats, err
		}
		stats.Nodes += n
	}
	for _, path := range relFiles {
		created, skipped, err := s.importRelationships(path, strings.ToUpper(labelFromFile(path)))
		if err != nil {
			return stats, err
		}
		stats.Relationships += created
		stats.Skipped += skipped
	}
	log.Info().Int("nodes", stats.Nodes).Int("relationships", stats.Relationships).Int("skipped", stats.Skipped).Msg("graph data loaded")

	embedded, err := s.EmbedRelationships(ctx)
	stats.Embedded = embedded
	if err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *GraphService) importNodes(path, label string) (int, error) {
	rows, err := readCSV(path, "id", "name")
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := s.dbStore.UpsertNode(store.Node{ID: row["id"], Label: label, Name: row["name"]}); err != nil {
			return 0, errors.Wrapf(err, "failed to import node %s from %s", row["id"], path)
		}
	}
	log.Debug().Str("label", label).Int("count", len(rows)).Str("file", path).Msg("imported nodes")
	return len(rows), nil
}

func (s *GraphService) importRelationships(path, relType string) (created, skipped int, err error) {
	rows, err := readCSV(path, "start", "end")
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		ok, err := s.dbStore.UpsertRelationship(row["start"], relType, row["end"])
		if err != nil {
			return created, skipped, errors.Wrapf(err, "failed to import %s relationship from %s", relType, path)
		}
		if !ok {
			log.Warn().Str("type", relType).Str("start", row["start"]).Str("end", row["end"]).Msg("skipping relationship with unknown endpoint")
			skipped++
			continue
		}
		created++
	}
	log.Debug().Str("type", relType).Int("count", created).Str("file", path).Msg("imported relationships")
	return created, skipped, nil
}

// EmbedRelationships computes a context sentence and embedding for every
// stored relationship. Individual failures are logged and skipped.
func (s *GraphService) EmbedRelationships(ctx context.Context) (int, error) {
	rels, err := s.dbStore.ListRelationships()
	if err != nil {
		return 0, errors.Wrap(err, "failed to list relationships for embedding")
	}
	log.Info().Int("relationships", len(rels)).Msg("creating relationship embeddings")

	var (
		mu       sync.Mutex
		embedded int
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for _, rel := range rels {
		select {
		case <-gctx.Done():
			_ = g.Wait()
			return embedded, gctx.Err()
		case <-ticker.C:
		}

		g.Go(func() error {
			text := RelationshipContext(rel)
			embedding, err := s.embedder.GetEmbedding(gctx, text)
			if err != nil {
				log.Warn().Err(err).Int64("relationship_id", rel.ID).Str("context", text).Msg("failed to embed relationship, skipping")
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if err := s.dbStore.SetRelationshipEmbedding(rel.ID, text, embedding); err != nil {
				log.Warn().Err(err).Int64("relationship_id", rel.ID).Msg("failed to store relationship embedding, skipping")
				return nil
			}
			embedded++
			if embedded%10 == 0 {
				log.Info().Int("embedded", embedded).Int("total", len(rels)).Str("context", text).Msg("embedding progress")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return embedded, err
	}

	log.Info().Int("embedded", embedded).Msg("relationship embeddings created")
	return embedded, nil
}

// RelationshipContext renders an edge as the sentence that gets embedded,
// e.g. "Server 'server1' runs_on OS 'Ubuntu 22.04'".
func RelationshipContext(rel store.Relationship) string {
	return fmt.Sprintf("%s '%s' %s %s '%s'",
		rel.SourceLabel, rel.SourceName, strings.ToLower(rel.Type), rel.TargetLabel, rel.TargetName)
}

func csvFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read %s", dir)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func labelFromFile(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// readCSV returns one map per data row keyed by header, requiring the given columns.
func readCSV(path string, required ...string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read header of %s", path)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return nil, errors.Errorf("%s: missing required column %q", path, col)
		}
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read %s", path)
		}
		row := make(map[string]string, len(index))
		for col, i := range index {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			}
		}
		if row[required[0]] == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}
