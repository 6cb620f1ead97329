package report

import (
	"time"

	"github.com/google/uuid"
)

// History is the audit record of one attempted firing of a report.
//
// JobID, Title, Creator, Type, Destinations and MentionTargets are a snapshot
// taken when the record is created and are never rewritten afterwards.
type History struct {
	ID             string   `json:"id"`
	JobID          string   `json:"job_id"`
	Title          string   `json:"title"`
	Creator        string   `json:"creator"`
	Type           Type     `json:"report_type"`
	Destinations   []string `json:"destinations"`
	MentionTargets []string `json:"mention_targets,omitempty"`

	SentTime *time.Time    `json:"sent_time,omitempty"`
	Content  string        `json:"content"`
	Status   HistoryStatus `json:"status"`

	// DeliveryReceipts maps destination -> delivery token, for successful
	// deliveries only.
	DeliveryReceipts map[string]string `json:"delivery_receipts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPendingHistory snapshots def into a fresh PENDING record.
func NewPendingHistory(def Definition, destinations, mentions []string, now time.Time) *History {
	return &History{
		ID:             uuid.NewString(),
		JobID:          def.ID,
		Title:          def.Title,
		Creator:        def.Creator,
		Type:           def.Type,
		Destinations:   append([]string(nil), destinations...),
		MentionTargets: append([]string(nil), mentions...),
		Status:         HistoryPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Finalize moves a pending record into a terminal state. It is a no-op on a
// record that is already terminal and reports whether it changed anything.
func (h *History) Finalize(status HistoryStatus, content string, receipts map[string]string, now time.Time) bool {
	if h == nil || h.Status.Terminal() || !status.Terminal() {
		return false
	}
	t := now
	h.SentTime = &t
	h.Status = status
	h.Content = content
	if len(receipts) > 0 {
		h.DeliveryReceipts = make(map[string]string, len(receipts))
		for k, v := range receipts {
			h.DeliveryReceipts[k] = v
		}
	}
	h.UpdatedAt = now
	return true
}
