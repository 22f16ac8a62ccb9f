package models

import "time"

// BatchStatus is the aggregate state of a batch, derived on demand.
type BatchStatus string

const (
	// BatchPending means at least one member session is still running.
	BatchPending BatchStatus = "pending"
	// BatchCompleted means every member session reached a terminal state.
	BatchCompleted BatchStatus = "completed"
	// BatchFailed means the expansion failed before any member was created.
	BatchFailed BatchStatus = "failed"
	// BatchUnknown means a member is no longer tracked and nothing is pending.
	BatchUnknown BatchStatus = "unknown"
)

// MemberUnknown is reported for members that were deleted out of band.
const MemberUnknown SessionState = "unknown"

// BatchItem is the outcome of expanding one source item.
type BatchItem struct {
	// Key identifies the source item, e.g. "#42" for an issue.
	Key string `json:"key"`
	// Title is the source item's title.
	Title string `json:"title,omitempty"`
	// SessionID is the first session created for the item.
	SessionID string `json:"session_id,omitempty"`
	// Error is why creation failed, empty on success.
	Error string `json:"error,omitempty"`
	// Retries lists sessions created by RetryFailed, oldest first.
	Retries []string `json:"retries,omitempty"`
}

// Current returns the latest session in the item's retry chain.
func (i BatchItem) Current() string {
	if n := len(i.Retries); n > 0 {
		return i.Retries[n-1]
	}
	return i.SessionID
}

// BatchRequest is a one-to-many expansion of a selection criterion into sessions.
type BatchRequest struct {
	ID             string      `json:"id"`
	Label          string      `json:"label,omitempty"`
	SourceList     []string    `json:"source_list,omitempty"`
	Repo           string      `json:"repo,omitempty"`
	Items          []BatchItem `json:"items"`
	ExpansionError string      `json:"expansion_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Clone returns a deep copy.
func (b *BatchRequest) Clone() *BatchRequest {
	c := *b
	c.SourceList = append([]string(nil), b.SourceList...)
	c.Items = make([]BatchItem, len(b.Items))
	for i, it := range b.Items {
		it.Retries = append([]string(nil), it.Retries...)
		c.Items[i] = it
	}
	return &c
}

// MemberSessionIDs returns the sessions spawned at expansion time, in order.
func (b *BatchRequest) MemberSessionIDs() []string {
	ids := make([]string, 0, len(b.Items))
	for _, it := range b.Items {
		if it.SessionID != "" {
			ids = append(ids, it.SessionID)
		}
	}
	return ids
}

// BatchMemberStatus is the current view of one member.
type BatchMemberStatus struct {
	Key       string       `json:"key"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// BatchStatusReport is the aggregated status of a batch.
type BatchStatusReport struct {
	BatchID string              `json:"batch_id"`
	Status  BatchStatus         `json:"status"`
	Members []BatchMemberStatus `json:"members"`
	Counts  map[string]int      `json:"counts"`
}

// ItemResult is the per-item outcome of a batch or queue operation.
type ItemResult struct {
	Key       string `json:"key"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// OK reports whether the item succeeded.
func (r ItemResult) OK() bool {
	return r.Error == ""
}

// QueueEntry is a deferred session creation.
type QueueEntry struct {
	ID         string        `json:"id"`
	Payload    CreateRequest `json:"payload"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
	LastError  string        `json:"last_error,omitempty"`
}
