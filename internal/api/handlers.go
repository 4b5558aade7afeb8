package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"graphrag.dev/graph-chat/internal/core"
	"graphrag.dev/graph-chat/internal/store"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	maxRequestBodySize = 1 << 20
	maxExchangeLimit   = 200
)

// ChatBackend is what the handlers need from the answering pipeline.
type ChatBackend interface {
	Answer(ctx context.Context, question string) (string, error)
	Initialize(ctx context.Context, dir string) (core.LoadStats, error)
	RecentExchanges(n int) ([]store.Exchange, error)
}

// HealthChecker reports on the graph store.
type HealthChecker interface {
	Ping() error
	CountNodes() (int, error)
}

type APIHandler struct {
	chatService   ChatBackend
	health        HealthChecker
	defaultCSVDir string
}

func NewAPIHandler(cs ChatBackend, health HealthChecker, defaultCSVDir string) *APIHandler {
	return &APIHandler{chatService: cs, health: health, defaultCSVDir: defaultCSVDir}
}

// Envelope is the body of every chat and initialize response.
type Envelope struct {
	Status  string          `json:"status"`
	Answer  string          `json:"answer,omitempty"`
	Message string          `json:"message,omitempty"`
	Stats   *core.LoadStats `json:"stats,omitempty"`
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode response")
	}
}

func errorEnvelope(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Status: StatusError, Message: message})
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Nodes    int    `json:"nodes"`
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(); err != nil {
		log.Error().Err(err).Msg("health check: database unreachable")
		JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: StatusError, Database: "unavailable"})
		return
	}
	nodes, err := h.health.CountNodes()
	if err != nil {
		log.Error().Err(err).Msg("health check: counting nodes failed")
		JSON(w, http.StatusServiceUnavailable, HealthResponse{Status: StatusError, Database: "unavailable"})
		return
	}
	JSON(w, http.StatusOK, HealthResponse{Status: "ok", Database: "ok", Nodes: nodes})
}

type ChatRequest struct {
	Message string `json:"message"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
		errorEnvelope(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		errorEnvelope(w, http.StatusBadRequest, core.ErrEmptyQuestion.Error())
		return
	}

	answer, err := h.chatService.Answer(r.Context(), req.Message)
	if err != nil {
		// An empty graph is a well-formed "cannot answer", not a server fault.
		if errors.Is(err, core.ErrGraphNotInitialized) {
			JSON(w, http.StatusOK, Envelope{Status: StatusError, Message: "The knowledge graph has not been initialized"})
			return
		}
		log.Error().Err(err).Str("question", req.Message).Msg("error answering question")
		errorEnvelope(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, Envelope{Status: StatusSuccess, Answer: answer})
}

type InitializeRequest struct {
	CSVDirectory string `json:"csv_directory"`
}

func (h *APIHandler) InitializeHandler(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			errorEnvelope(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	dir := req.CSVDirectory
	if dir == "" {
		dir = h.defaultCSVDir
	}

	stats, err := h.chatService.Initialize(r.Context(), dir)
	if err != nil {
		log.Error().Err(err).Str("csv_directory", dir).Msg("graph initialization failed")
		errorEnvelope(w, http.StatusInternalServerError, err.Error())
		return
	}

	JSON(w, http.StatusOK, Envelope{Status: StatusSuccess, Message: "Graph initialized with data", Stats: &stats})
}

func (h *APIHandler) ListExchangesHandler(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorEnvelope(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxExchangeLimit)
	}

	exchanges, err := h.chatService.RecentExchanges(limit)
	if err != nil {
		log.Error().Err(err).Msg("error listing exchanges")
		errorEnvelope(w, http.StatusInternalServerError, "Failed to list exchanges")
		return
	}
	if exchanges == nil {
		exchanges = []store.Exchange{}
	}
	JSON(w, http.StatusOK, exchanges)
}
