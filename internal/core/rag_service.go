package core

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"graphrag.dev/graph-chat/internal/store"
)

const (
	NumRelevantRelationships = 10 // top-k relationships by similarity
	ExpansionHops            = 2
	MaxExpandedNodes         = 30

	answerSystemInstruction = `You are an IT infrastructure expert.
You have a knowledge graph of infrastructure entities and how they relate.

Use the provided context to answer accurately:
1. Look at the "Most Relevant Relationships" first
2. Use "Related Entities" for additional context
3. Check "All Connections" for complete picture
4. Answer ONLY what is asked - be concise
5. Use specific entity names from the results

Do NOT add information not in the provided context.`

	refineSystemInstruction = "You refine queries for vector embeddings."
)

var (
	answerOptions = GenerationOptions{Temperature: 0.3, MaxTokens: 1000}
	refineOptions = GenerationOptions{Temperature: 0.2, MaxTokens: 30}
)

// ErrGraphNotInitialized means there is nothing to search yet.
var ErrGraphNotInitialized = errors.New("the knowledge graph has not been initialized")

type SearchResult struct {
	Query                 string
	RefinedQuery          string // shown to the model as "Query Understanding"
	RelevantRelationships []ScoredRelationship
	ExpandedNodes         []store.Neighbor
	Connections           []store.Connection
	TotalEntities         int
}

type RAGService struct {
	dbStore   *store.SQLiteStore
	embedder  Embedder
	completer Completer

	mu            sync.RWMutex
	relationships []store.Relationship // in-memory cache of embedded relationships
}

func NewRAGService(db *store.SQLiteStore, embedder Embedder, completer Completer) (*RAGService, error) {
	s := &RAGService{
		dbStore:   db,
		embedder:  embedder,
		completer: completer,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload refreshes the relationship cache from the store.
func (s *RAGService) Reload() error {
	rels, err := s.dbStore.GetEmbeddedRelationships()
	if err != nil {
		return errors.Wrap(err, "failed to load relationships for RAG service")
	}
	if len(rels) == 0 {
		log.Warn().Msg("RAG service has no embedded relationships; initialize the graph first")
	} else {
		log.Info().Int("relationships", len(rels)).Msg("RAG service loaded relationships")
	}

	s.mu.Lock()
	s.relationships = rels
	s.mu.Unlock()
	return nil
}

// SemanticRelationshipSearch returns the topK relationships most similar to query.
func (s *RAGService) SemanticRelationshipSearch(ctx context.Context, query string, topK int) ([]ScoredRelationship, error) {
	s.mu.RLock()
	rels := s.relationships
	s.mu.RUnlock()

	if len(rels) == 0 {
		return nil, ErrGraphNotInitialized
	}

	queryEmbedding, err := s.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get query embedding")
	}
	return rankBySimilarity(queryEmbedding, rels, topK), nil
}

// HybridSearch combines similarity search over relationships with graph
// expansion around the entities they touch.
func (s *RAGService) HybridSearch(ctx context.Context, query string) (*SearchResult, error) {
	relevant, err := s.SemanticRelationshipSearch(ctx, query, NumRelevantRelationships)
	if err != nil {
		return nil, err
	}

	var involved []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; !ok {
			seen[name] = struct{}{}
			involved = append(involved, name)
		}
	}
	for _, r := range relevant {
		add(r.Relationship.SourceName)
		add(r.Relationship.TargetName)
	}
	log.Debug().Int("relationships", len(relevant)).Int("nodes", len(involved)).Msg("found relevant relationships")

	neighbors, err := s.dbStore.NeighborsOf(involved, ExpansionHops, MaxExpandedNodes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to expand context")
	}

	for _, n := range neighbors {
		add(n.Name)
	}
	connections, err := s.dbStore.ConnectionsAmong(involved)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find connections")
	}
	log.Debug().Int("neighbors", len(neighbors)).Int("connections", len(connections)).Msg("expanded graph context")

	return &SearchResult{
		Query:                 query,
		RelevantRelationships: relevant,
		ExpandedNodes:         neighbors,
		Connections:           connections,
		TotalEntities:         len(involved),
	}, nil
}

// FormatContext renders search results as the context block sent to the model.
func FormatContext(res *SearchResult) string {
	var b strings.Builder
	b.WriteString("=== Knowledge Graph Context ===\n\n")

	if res.RefinedQuery != "" {
		fmt.Fprintf(&b, "Query Understanding: %s\n\n", res.RefinedQuery)
	}

	b.WriteString("Most Relevant Relationships:\n")
	for _, sr := range res.RelevantRelationships {
		r := sr.Relationship
		fmt.Fprintf(&b, "  %s (%s) -[%s]-> %s (%s)\n", r.SourceName, r.SourceLabel, r.Type, r.TargetName, r.TargetLabel)
	}

	if len(res.ExpandedNodes) > 0 {
		b.WriteString("\nRelated Entities:\n")
		for _, n := range res.ExpandedNodes {
			fmt.Fprintf(&b, "  %s: %s\n", n.Label, n.Name)
		}
	}

	if len(res.Connections) > 0 {
		b.WriteString("\nAll Connections:\n")
		for _, c := range res.Connections {
			fmt.Fprintf(&b, "  %s -[%s]-> %s\n", c.SourceName, c.Type, c.TargetName)
		}
	}

	fmt.Fprintf(&b, "\nTotal entities: %d", res.TotalEntities)
	return b.String()
}

// RefineQuery asks the model for a short keyword form of question, using the
// entity labels and relationship types currently in the graph.
func (s *RAGService) RefineQuery(ctx context.Context, question string) (string, error) {
	patterns, err := s.dbStore.RelationshipPatterns()
	if err != nil {
		return "", errors.Wrap(err, "failed to load relationship patterns")
	}

	refined, err := s.completer.Complete(ctx, refineSystemInstruction, refinePrompt(question, patterns), refineOptions)
	if err != nil {
		return "", errors.Wrap(err, "query refinement failed")
	}
	refined = strings.Trim(strings.TrimSpace(refined), `"'`)
	if refined == "" {
		return "", errors.New("query refinement returned nothing")
	}
	return refined, nil
}

func refinePrompt(question string, patterns []store.RelationshipPattern) string {
	var labels []string
	seen := make(map[string]struct{})
	for _, p := range patterns {
		for _, l := range []string{p.SourceLabel, p.TargetLabel} {
			if _, ok := seen[l]; !ok {
				seen[l] = struct{}{}
				labels = append(labels, l)
			}
		}
	}

	var b strings.Builder
	b.WriteString("You are a query refinement expert for knowledge graph embeddings.\n\n")
	fmt.Fprintf(&b, "The knowledge graph has:\n- Entities: %s\n", strings.Join(labels, ", "))
	fmt.Fprintf(&b, "The knowledge graph has these %d relationships:\n", len(patterns))
	for _, p := range patterns {
		fmt.Fprintf(&b, "- %s: %s -> %s\n", p.Type, p.SourceLabel, p.TargetLabel)
	}
	fmt.Fprintf(&b, "\nUser Query: %q\n\n", question)
	b.WriteString(`Refine this into a SHORT, KEYWORD-RICH query for semantic search.

Rules:
1. Use entity types explicitly
2. Use relationship keywords (hosts, runs, located, etc)
3. Maximum 10 words
4. Remove filler words
5. Keep only essential keywords

Examples:
Input: "which servers are in New York"
Output: "servers located New York"

Input: "what OS runs on server5"
Output: "operating system runs server5"

Return ONLY the refined query (no explanation, no quotes).`)
	return b.String()
}

func (s *RAGService) GenerateResponse(ctx context.Context, question string) (string, error) {
	res, err := s.HybridSearch(ctx, question)
	if err != nil {
		return "", err
	}

	res.RefinedQuery, err = s.RefineQuery(ctx, question)
	if err != nil {
		log.Warn().Err(err).Msg("using the raw question as query understanding")
		res.RefinedQuery = question
	}
	log.Debug().Str("refined", res.RefinedQuery).Msg("refined query")

	prompt := fmt.Sprintf("%s\n\nUser Question: %s\n\nAnswer based ONLY on the relationships and entities shown above. Do not provide any form of enumeration for formatting.",
		FormatContext(res), question)

	answer, err := s.completer.Complete(ctx, answerSystemInstruction, prompt, answerOptions)
	if err != nil {
		return "", errors.Wrap(err, "failed to get LLM completion")
	}
	return answer, nil
}
