package core

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphrag.dev/graph-chat/internal/store"
)

var vocabulary = []string{"ubuntu", "london", "crm", "server1", "server2", "runs_on", "located_in", "hosts"}

// keywordEmbedder counts vocabulary terms, which is enough for similarity to
// behave sensibly in tests.
type keywordEmbedder struct {
	failOn string
}

func (e keywordEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	if e.failOn != "" && strings.Contains(lower, e.failOn) {
		return nil, errors.New("embedding quota exceeded")
	}
	vec := make([]float32, len(vocabulary))
	for i, term := range vocabulary {
		vec[i] = float32(strings.Count(lower, term))
	}
	return vec, nil
}

type completionCall struct {
	system string
	prompt string
	opts   GenerationOptions
}

// recordingCompleter answers refinement calls with refined/refineErr and
// everything else with answer/err.
type recordingCompleter struct {
	mu        sync.Mutex
	answer    string
	err       error
	refined   string
	refineErr error
	calls     []completionCall
}

func (c *recordingCompleter) Complete(ctx context.Context, system, prompt string, opts GenerationOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, completionCall{system: system, prompt: prompt, opts: opts})
	if system == refineSystemInstruction {
		return c.refined, c.refineErr
	}
	return c.answer, c.err
}

func (c *recordingCompleter) callsFor(system string) []completionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []completionCall
	for _, call := range c.calls {
		if call.system == system {
			out = append(out, call)
		}
	}
	return out
}

func writeGraphDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"nodes/Server.csv":             "id,name\ns1,server1\ns2,server2\n",
		"nodes/OS.csv":                 "id,name\no1,Ubuntu 22.04\n",
		"nodes/Location.csv":           "id,name\nl1,London\n",
		"nodes/Application.csv":        "id,name\na1,CRM\n",
		"relationships/runs_on.csv":    "start,end\ns1,o1\n",
		"relationships/LOCATED_IN.csv": "start,end\ns1,l1\ns2,l1\n",
		"relationships/HOSTS.csv":      "start,end\ns2,a1\ns2,ghost\n",
		"relationships/ignored.txt":    "not a csv",
		"nodes/README.md":              "not a csv either",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newGraphService(db *store.SQLiteStore, e Embedder) *GraphService {
	gs := NewGraphService(db, e)
	gs.interval = time.Millisecond
	return gs
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.Zero(t, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 2})
	assert.Error(t, err)
	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
}

func TestRelationshipContext(t *testing.T) {
	got := RelationshipContext(store.Relationship{
		SourceLabel: "Server", SourceName: "server1", Type: "RUNS_ON", TargetLabel: "OS", TargetName: "Ubuntu 22.04",
	})
	assert.Equal(t, "Server 'server1' runs_on OS 'Ubuntu 22.04'", got)
}

func TestGraphServiceInitialize(t *testing.T) {
	db := newTestStore(t)
	gs := newGraphService(db, keywordEmbedder{})

	stats, err := gs.Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	assert.Equal(t, LoadStats{Nodes: 5, Relationships: 4, Skipped: 1, Embedded: 4}, stats)

	rels, err := db.GetEmbeddedRelationships()
	require.NoError(t, err)
	require.Len(t, rels, 4)
	for _, r := range rels {
		assert.Equal(t, RelationshipContext(r), r.ContextText)
		assert.Len(t, r.Embedding, len(vocabulary))
	}

	// Re-initializing replaces rather than duplicates.
	stats, err = gs.Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Relationships)
	all, err := db.ListRelationships()
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestGraphServiceSkipsFailedEmbeddings(t *testing.T) {
	db := newTestStore(t)
	gs := newGraphService(db, keywordEmbedder{failOn: "crm"})

	stats, err := gs.Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Embedded)
}

func TestGraphServiceRejectsMissingNodes(t *testing.T) {
	gs := newGraphService(newTestStore(t), keywordEmbedder{})
	_, err := gs.Initialize(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestGraphServiceRejectsMissingColumns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nodes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nodes", "Server.csv"), []byte("key,title\ns1,x\n"), 0o644))

	gs := newGraphService(newTestStore(t), keywordEmbedder{})
	_, err := gs.Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required column "id"`)
}

func TestRAGServiceWithoutGraph(t *testing.T) {
	rag, err := NewRAGService(newTestStore(t), keywordEmbedder{}, &recordingCompleter{})
	require.NoError(t, err)

	_, err = rag.GenerateResponse(context.Background(), "Which servers run Ubuntu?")
	assert.ErrorIs(t, err, ErrGraphNotInitialized)
}

func TestRAGServiceHybridSearch(t *testing.T) {
	db := newTestStore(t)
	_, err := newGraphService(db, keywordEmbedder{}).Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)

	rag, err := NewRAGService(db, keywordEmbedder{}, &recordingCompleter{})
	require.NoError(t, err)

	res, err := rag.HybridSearch(context.Background(), "Which servers run Ubuntu?")
	require.NoError(t, err)
	require.NotEmpty(t, res.RelevantRelationships)
	top := res.RelevantRelationships[0].Relationship
	assert.Equal(t, "server1", top.SourceName)
	assert.Equal(t, "RUNS_ON", top.Type)
	assert.Equal(t, "Ubuntu 22.04", top.TargetName)
	assert.Equal(t, 5, res.TotalEntities)
	assert.Len(t, res.Connections, 4)

	ctxText := FormatContext(res)
	assert.True(t, strings.HasPrefix(ctxText, "=== Knowledge Graph Context ===\n\nMost Relevant Relationships:\n  server1 (Server) -[RUNS_ON]-> Ubuntu 22.04 (OS)\n"))
	assert.Contains(t, ctxText, "\nRelated Entities:\n")
	assert.Contains(t, ctxText, "\nAll Connections:\n  server2 -[HOSTS]-> CRM\n")
	assert.Contains(t, ctxText, "  server1 -[RUNS_ON]-> Ubuntu 22.04\n")
	assert.True(t, strings.HasSuffix(ctxText, "\nTotal entities: 5"))
}

func TestChatServiceAnswerRecordsExchange(t *testing.T) {
	db := newTestStore(t)
	gs := newGraphService(db, keywordEmbedder{})
	completer := &recordingCompleter{answer: "Server 1 runs Ubuntu 22.04.", refined: `"servers runs_on Ubuntu 22.04"`}
	rag, err := NewRAGService(db, keywordEmbedder{}, completer)
	require.NoError(t, err)
	svc := NewChatService(db, rag, gs)

	stats, err := svc.Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Embedded)

	answer, err := svc.Answer(context.Background(), "  Which servers run Ubuntu 22.04?  ")
	require.NoError(t, err)
	assert.Equal(t, "Server 1 runs Ubuntu 22.04.", answer)
	answers := completer.callsFor(answerSystemInstruction)
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0].prompt, "User Question: Which servers run Ubuntu 22.04?")
	assert.Contains(t, answers[0].prompt, "=== Knowledge Graph Context ===\n\nQuery Understanding: servers runs_on Ubuntu 22.04\n\nMost Relevant Relationships:\n")
	assert.Equal(t, answerOptions, answers[0].opts)

	exchanges, err := svc.RecentExchanges(5)
	require.NoError(t, err)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "Which servers run Ubuntu 22.04?", exchanges[0].Question)

	_, err = svc.Answer(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestChatServiceCompletionFailure(t *testing.T) {
	db := newTestStore(t)
	gs := newGraphService(db, keywordEmbedder{})
	rag, err := NewRAGService(db, keywordEmbedder{}, &recordingCompleter{err: errors.New("model overloaded")})
	require.NoError(t, err)
	svc := NewChatService(db, rag, gs)
	_, err = svc.Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)

	_, err = svc.Answer(context.Background(), "Which apps are in London?")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")

	exchanges, err := svc.RecentExchanges(5)
	require.NoError(t, err)
	assert.Empty(t, exchanges)
}

func TestRefineQueryDescribesStoredGraph(t *testing.T) {
	db := newTestStore(t)
	_, err := newGraphService(db, keywordEmbedder{}).Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	completer := &recordingCompleter{refined: "  'servers located London'  "}
	rag, err := NewRAGService(db, keywordEmbedder{}, completer)
	require.NoError(t, err)

	refined, err := rag.RefineQuery(context.Background(), "which servers are in London")
	require.NoError(t, err)
	assert.Equal(t, "servers located London", refined)

	calls := completer.callsFor(refineSystemInstruction)
	require.Len(t, calls, 1)
	assert.Equal(t, refineOptions, calls[0].opts)
	prompt := calls[0].prompt
	assert.Contains(t, prompt, "- Entities: Server, Application, Location, OS\n")
	assert.Contains(t, prompt, "these 3 relationships:\n")
	assert.Contains(t, prompt, "- HOSTS: Server -> Application\n")
	assert.Contains(t, prompt, "- LOCATED_IN: Server -> Location\n")
	assert.Contains(t, prompt, "- RUNS_ON: Server -> OS\n")
	assert.Contains(t, prompt, `User Query: "which servers are in London"`)
}

func TestGenerateResponseFallsBackWhenRefinementFails(t *testing.T) {
	db := newTestStore(t)
	_, err := newGraphService(db, keywordEmbedder{}).Initialize(context.Background(), writeGraphDir(t))
	require.NoError(t, err)
	completer := &recordingCompleter{answer: "server2 hosts CRM", refineErr: errors.New("rate limited")}
	rag, err := NewRAGService(db, keywordEmbedder{}, completer)
	require.NoError(t, err)

	answer, err := rag.GenerateResponse(context.Background(), "Where is the CRM hosted?")
	require.NoError(t, err)
	assert.Equal(t, "server2 hosts CRM", answer)

	answers := completer.callsFor(answerSystemInstruction)
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0].prompt, "Query Understanding: Where is the CRM hosted?\n")
}

func TestRefinementSkippedWithoutGraph(t *testing.T) {
	completer := &recordingCompleter{}
	rag, err := NewRAGService(newTestStore(t), keywordEmbedder{}, completer)
	require.NoError(t, err)

	_, err = rag.GenerateResponse(context.Background(), "Which servers run Ubuntu?")
	assert.ErrorIs(t, err, ErrGraphNotInitialized)
	assert.Empty(t, completer.calls)
}
