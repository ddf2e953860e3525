package testcase

import "time"

// FeatureStatus is the lifecycle state of one feature inside a batch.
type FeatureStatus string

const (
	// FeatureStatusPending indicates the slot exists but no worker has started.
	FeatureStatusPending FeatureStatus = "pending"
	// FeatureStatusGenerating indicates a worker owns the slot.
	FeatureStatusGenerating FeatureStatus = "generating"
	// FeatureStatusCompleted indicates the cases are final.
	FeatureStatusCompleted FeatureStatus = "completed"
	// FeatureStatusFailed indicates the worker gave up; the slot may be retried.
	FeatureStatusFailed FeatureStatus = "failed"
)

// String returns the string representation of the status.
func (s FeatureStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no worker is running for the slot.
func (s FeatureStatus) IsTerminal() bool {
	return s == FeatureStatusCompleted || s == FeatureStatusFailed
}

// CanTransitionTo returns true if the status can move to target.
// The only backward edge is the explicit retry failed → generating.
func (s FeatureStatus) CanTransitionTo(target FeatureStatus) bool {
	switch s {
	case FeatureStatusPending:
		return target == FeatureStatusGenerating
	case FeatureStatusGenerating:
		return target == FeatureStatusCompleted || target == FeatureStatusFailed
	case FeatureStatusFailed:
		return target == FeatureStatusGenerating
	case FeatureStatusCompleted:
		return false
	default:
		return false
	}
}

// FeatureResult is the per-feature slot of a batch. Values are published whole;
// a published FeatureResult is never modified in place.
type FeatureResult struct {
	FeatureID   string        `json:"feature_id"`
	FeatureName string        `json:"feature_name"`
	Status      FeatureStatus `json:"status"`
	Cases       []TestCase    `json:"items"`
	Error       string        `json:"error,omitempty"`

	// Attempts counts worker runs including automatic and user-triggered retries.
	Attempts int `json:"attempts"`

	// DedupDegraded is set when the embedding pass could not run and only
	// title matching was applied.
	DedupDegraded bool   `json:"dedup_degraded,omitempty"`
	DedupNote     string `json:"dedup_note,omitempty"`

	Stats       GenerationStats `json:"stats"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r FeatureResult) Clone() FeatureResult {
	out := r
	if r.Cases != nil {
		out.Cases = make([]TestCase, len(r.Cases))
		for i, tc := range r.Cases {
			steps := make([]string, len(tc.Steps))
			copy(steps, tc.Steps)
			tc.Steps = steps
			out.Cases[i] = tc
		}
	}
	return out
}

// BatchStatus is the overall status of a batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "pending"
	BatchStatusRunning   BatchStatus = "running"
	BatchStatusCompleted BatchStatus = "completed"
	BatchStatusPartial   BatchStatus = "partial"
)

// String returns the string representation of the status.
func (s BatchStatus) String() string {
	return string(s)
}

// DeriveBatchStatus computes the overall status from the feature statuses.
// completed iff every feature completed; partial iff at least one failed and
// none are still pending or generating; pending while no worker has started;
// running otherwise.
func DeriveBatchStatus(features []FeatureResult) BatchStatus {
	if len(features) == 0 {
		return BatchStatusPending
	}
	var pending, generating, completed, failed int
	for _, f := range features {
		switch f.Status {
		case FeatureStatusPending:
			pending++
		case FeatureStatusGenerating:
			generating++
		case FeatureStatusCompleted:
			completed++
		case FeatureStatusFailed:
			failed++
		}
	}
	switch {
	case completed == len(features):
		return BatchStatusCompleted
	case failed > 0 && pending == 0 && generating == 0:
		return BatchStatusPartial
	case pending == len(features):
		return BatchStatusPending
	default:
		return BatchStatusRunning
	}
}

// ProviderInfo records the provider a batch was resolved to.
type ProviderInfo struct {
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
	Model    string `json:"model"`
}

// BatchState is a snapshot of one batch.
type BatchState struct {
	BatchID   string          `json:"batch_id"`
	Status    BatchStatus     `json:"status"`
	Provider  ProviderInfo    `json:"provider"`
	CreatedAt time.Time       `json:"created_at"`
	Features  []FeatureResult `json:"features"`
}

// Feature returns the feature result with the given id.
func (b BatchState) Feature(featureID string) (FeatureResult, bool) {
	for _, f := range b.Features {
		if f.FeatureID == featureID {
			return f, true
		}
	}
	return FeatureResult{}, false
}
