package core

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"graphrag.dev/graph-chat/internal/store"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("message is required")

// ChatService answers questions and keeps the exchange log.
type ChatService struct {
	dbStore    *store.SQLiteStore
	ragService *RAGService
	graph      *GraphService
}

func NewChatService(db *store.SQLiteStore, rag *RAGService, graph *GraphService) *ChatService {
	return &ChatService{
		dbStore:    db,
		ragService: rag,
		graph:      graph,
	}
}

func (s *ChatService) Answer(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	log.Info().Str("question", question).Msg("user query")
	answer, err := s.ragService.GenerateResponse(ctx, question)
	if err != nil {
		return "", err
	}

	// The exchange log is for operators; failing to write it does not fail the answer.
	ex := store.Exchange{Question: question, Answer: answer}
	if err := s.dbStore.CreateExchange(&ex); err != nil {
		log.Warn().Err(err).Msg("failed to record exchange")
	}
	return answer, nil
}

// Initialize loads a graph directory and refreshes the retrieval cache.
func (s *ChatService) Initialize(ctx context.Context, dir string) (LoadStats, error) {
	stats, err := s.graph.Initialize(ctx, dir)
	if err != nil {
		return stats, err
	}
	if err := s.ragService.Reload(); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *ChatService) RecentExchanges(n int) ([]store.Exchange, error) {
	return s.dbStore.GetLastNExchanges(n)
}
