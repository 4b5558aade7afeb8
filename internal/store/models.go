package store

import "time"

type Node struct {
	ID    string `json:"id"`
	Label string `json:"label"` // e.g. "Server", taken from the CSV file name
	Name  string `json:"name"`
}

// Relationship is a directed edge joined with both endpoint nodes.
type Relationship struct {
	ID            int64     `json:"id"`
	SourceID      string    `json:"source_id"`
	SourceName    string    `json:"source_name"`
	SourceLabel   string    `json:"source_label"`
	Type          string    `json:"type"`
	TargetID      string    `json:"target_id"`
	TargetName    string    `json:"target_name"`
	TargetLabel   string    `json:"target_label"`
	ContextText   string    `json:"context_text,omitempty"`
	Embedding     []float32 `json:"-"` // internal, used for similarity search
	EmbeddingJSON string    `json:"-"` // stored as JSON string in the DB
}

// Connection is a name-level edge between two retrieved entities.
type Connection struct {
	SourceName string `json:"source_name"`
	Type       string `json:"type"`
	TargetName string `json:"target_name"`
}

// RelationshipPattern is one kind of edge, e.g. Server -RUNS_ON-> OS.
type RelationshipPattern struct {
	SourceLabel string `json:"source_label"`
	Type        string `json:"type"`
	TargetLabel string `json:"target_label"`
}

type Neighbor struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Exchange is one question answered by the backend, kept for operators.
type Exchange struct {
	ID        string    `json:"id"` // UUID
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
}
