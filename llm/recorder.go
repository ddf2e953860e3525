package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultCallSubject is the NATS subject call records are published on.
const DefaultCallSubject = "casegen.llm.calls"

// CallRecord describes one LLM call for auditing and cost tracking.
type CallRecord struct {
	RequestID string `json:"request_id"`

	// BatchID and FeatureID correlate the call with the batch slot that issued it.
	BatchID   string `json:"batch_id,omitempty"`
	FeatureID string `json:"feature_id,omitempty"`

	Purpose  string `json:"purpose,omitempty"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
	Provider string `json:"provider"`

	MessagesCount   int    `json:"messages_count"`
	ResponsePreview string `json:"response_preview,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// MaxTokens is the output ceiling requested for the call.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ContextBudget is the context window of the endpoint.
	ContextBudget int `json:"context_budget,omitempty"`

	FinishReason string    `json:"finish_reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	Retries      int       `json:"retries"`
}

func (r *CallRecord) applyContext(ctx context.Context) {
	cc := GetCallContext(ctx)
	r.BatchID = cc.BatchID
	r.FeatureID = cc.FeatureID
}

// CallRecorder receives a record for every completed or failed call.
type CallRecorder interface {
	Record(ctx context.Context, record *CallRecord) error
}

// NATSRecorder publishes call records as JSON on a NATS subject.
type NATSRecorder struct {
	conn    *nats.Conn
	subject string
}

// NewNATSRecorder creates a recorder publishing on subject. Empty subject uses DefaultCallSubject.
func NewNATSRecorder(conn *nats.Conn, subject string) (*NATSRecorder, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is required")
	}
	if subject == "" {
		subject = DefaultCallSubject
	}
	return &NATSRecorder{conn: conn, subject: subject}, nil
}

// Record publishes the call record. The batch id, when present, is appended
// to the subject so consumers can filter per batch.
func (r *NATSRecorder) Record(_ context.Context, record *CallRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}

	subject := r.subject
	if record.BatchID != "" {
		subject += "." + record.BatchID
	}
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish call record: %w", err)
	}
	return nil
}

// SortByStartTime sorts records chronologically by StartedAt.
func SortByStartTime(records []*CallRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
}

// CallContext carries batch correlation ids through a context.
type CallContext struct {
	BatchID   string
	FeatureID string
}

type callContextKey struct{}

// WithCallContext adds correlation ids to a context.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// GetCallContext extracts correlation ids from a context.
func GetCallContext(ctx context.Context) CallContext {
	if cc, ok := ctx.Value(callContextKey{}).(CallContext); ok {
		return cc
	}
	return CallContext{}
}
