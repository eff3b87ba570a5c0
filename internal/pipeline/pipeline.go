// Package pipeline tracks the lifecycle of spoken or injected student
// response segments from capture through delivery.
package pipeline

import (
	"sync"
	"time"
)

// Status is a segment's lifecycle state. Sent and Dropped are mutually
// exclusive terminal states.
type Status string

const (
	StatusCreated     Status = "created"
	StatusCaptured    Status = "captured"
	StatusTranscribed Status = "transcribed"
	StatusSent        Status = "sent"
	StatusDropped     Status = "dropped"
)

// trackedStatuses are the states indexed by the last-segment-id map.
var trackedStatuses = []Status{StatusCaptured, StatusTranscribed, StatusSent, StatusDropped}

// DefaultCapacity bounds the retained segment history.
const DefaultCapacity = 2000

// Segment is one tracked response unit.
type Segment struct {
	SegmentID  string `json:"segment_id"`
	FlowRunID  string `json:"flow_run_id,omitempty"`
	Text       string `json:"text,omitempty"`
	AudioRef   string `json:"audio_ref,omitempty"`
	Status     Status `json:"status"`
	SourceRole string `json:"source_role,omitempty"`
	SourcePage string `json:"source_page,omitempty"`
	Injected   bool   `json:"injected"`
	SentStatus Status `json:"sent_status,omitempty"`
	CreatedTs  int64  `json:"created_ts"`
	UpdatedTs  int64  `json:"updated_ts"`
}

// Update carries the fields to change on a segment. Empty strings mean
// "leave as is"; Injected uses a pointer for the same reason.
type Update struct {
	FlowRunID  string
	Text       string
	AudioRef   string
	SourceRole string
	SourcePage string
	Status     Status
	SentStatus Status
	Injected   *bool
}

// Tracker owns the bounded segment table and the per-status
// last-segment index. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	byID    map[string]*Segment
	order   []string
	max     int
	lastIDs map[Status]string
	now     func() int64
}

// NewTracker creates a tracker retaining at most capacity segments.
// Zero or negative capacity uses DefaultCapacity.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	lastIDs := make(map[Status]string, len(trackedStatuses))
	for _, s := range trackedStatuses {
		lastIDs[s] = ""
	}
	return &Tracker{
		byID:    map[string]*Segment{},
		max:     capacity,
		lastIDs: lastIDs,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// terminal reports whether a status forbids further transitions.
func terminal(s Status) bool {
	return s == StatusSent || s == StatusDropped
}

// Upsert creates or updates a segment and refreshes the last-id index.
// Once a segment reaches sent or dropped its status never changes
// again. Returns a copy of the stored row, or nil for an empty id.
func (t *Tracker) Upsert(segmentID string, upd Update) *Segment {
	if segmentID == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	row, ok := t.byID[segmentID]
	if !ok {
		row = &Segment{
			SegmentID: segmentID,
			Status:    StatusCreated,
			CreatedTs: now,
		}
		t.byID[segmentID] = row
		t.order = append(t.order, segmentID)
		if len(t.order) > t.max {
			stale := t.order[0]
			t.order = append(t.order[:0:0], t.order[1:]...)
			delete(t.byID, stale)
		}
	}

	if upd.FlowRunID != "" {
		row.FlowRunID = upd.FlowRunID
	}
	if upd.Text != "" {
		row.Text = upd.Text
	}
	if upd.AudioRef != "" {
		row.AudioRef = upd.AudioRef
	}
	if upd.SourceRole != "" {
		row.SourceRole = upd.SourceRole
	}
	if upd.SourcePage != "" {
		row.SourcePage = upd.SourcePage
	}
	if upd.Injected != nil {
		row.Injected = *upd.Injected
	}
	if upd.Status != "" && !terminal(row.Status) {
		row.Status = upd.Status
	}
	if upd.SentStatus != "" && !terminal(row.SentStatus) {
		row.SentStatus = upd.SentStatus
	}
	row.UpdatedTs = now

	if _, tracked := t.lastIDs[row.Status]; tracked {
		t.lastIDs[row.Status] = segmentID
	}
	if _, tracked := t.lastIDs[row.SentStatus]; tracked {
		t.lastIDs[row.SentStatus] = segmentID
	}

	out := *row
	return &out
}

// Get returns a copy of the segment, or nil if unknown or evicted.
func (t *Tracker) Get(segmentID string) *Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.byID[segmentID]
	if !ok {
		return nil
	}
	out := *row
	return &out
}

// Recent returns up to limit of the most recently created segments,
// oldest first. Limit is clamped to [1, capacity].
func (t *Tracker) Recent(limit int) []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	if limit > t.max {
		limit = t.max
	}
	start := len(t.order) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Segment, 0, len(t.order)-start)
	for _, sid := range t.order[start:] {
		if row, ok := t.byID[sid]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// All returns every retained segment, oldest first.
func (t *Tracker) All() []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Segment, 0, len(t.order))
	for _, sid := range t.order {
		if row, ok := t.byID[sid]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// LastIDs returns the most recent segment id observed per status.
func (t *Tracker) LastIDs() map[Status]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Status]string, len(t.lastIDs))
	for s, id := range t.lastIDs {
		out[s] = id
	}
	return out
}

// Len reports how many segments are currently retained.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
