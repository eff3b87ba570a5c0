// Package respond validates, classifies and forwards student
// responses, advancing each one through the segment pipeline.
package respond

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/runlog"
)

// ErrMissingText is returned when a student response has no usable
// text after trimming.
var ErrMissingText = errors.New("respond: missing text")

// CaptureService records a short audio segment for a response and
// returns a reference path. Implementations must not assume any
// subsystem lock is held.
type CaptureService interface {
	CaptureSegment(flowRunID, segmentID string) (string, error)
}

// Handler routes student responses to the ai mailbox.
type Handler struct {
	Dispatch *dispatch.Dispatcher
	Pipeline *pipeline.Tracker
	Log      *runlog.Log
	Runs     *runlog.Allocator
	// Capture is optional; a nil service means responses go out
	// without audio references.
	Capture CaptureService
	Noise   NoiseConfig
}

// Result reports what happened to one response.
type Result struct {
	Dropped   bool
	SegmentID string
	FlowRunID string
	AudioRef  string
	Payload   *message.Message
}

func boolPtr(b bool) *bool { return &b }

// Handle processes one student_response message from sender. Noise is
// dropped (still ok, nothing enqueued); everything else is finalized,
// enqueued to the ai mailbox and marked sent. A failed audio capture
// is logged and does not block delivery.
func (h *Handler) Handle(sender string, msg message.Message, injectedBy string) (Result, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Result{}, ErrMissingText
	}

	meta := msg.Meta
	if meta == nil {
		meta = &message.Meta{}
	}
	segmentID := meta.SegmentID
	if segmentID == "" {
		segmentID = msg.ID
	}
	if segmentID == "" {
		segmentID = message.NewID("seg")
	}
	flowRunID := h.Runs.Normalize(meta.FlowRunID)
	injected := meta.Injected

	sourceRole := meta.SourceRole
	if sourceRole == "" {
		sourceRole = sender
	}

	if IsNoise(text, h.Noise) {
		h.Pipeline.Upsert(segmentID, pipeline.Update{
			FlowRunID:  flowRunID,
			Text:       text,
			Status:     pipeline.StatusDropped,
			SentStatus: pipeline.StatusDropped,
			SourceRole: sourceRole,
			SourcePage: meta.SourcePage,
			Injected:   boolPtr(injected),
		})
		h.Log.Record("student_response_dropped_noise", map[string]any{
			"from":        sender,
			"flow_run_id": flowRunID,
			"segment_id":  segmentID,
			"text":        text,
			"text_len":    len(text),
			"injected":    injected,
		}, "warn")
		return Result{Dropped: true, SegmentID: segmentID, FlowRunID: flowRunID}, nil
	}

	audioRef := meta.AudioRef
	if audioRef == "" && h.Capture != nil {
		ref, err := h.Capture.CaptureSegment(flowRunID, segmentID)
		if err != nil {
			h.Log.Record("audio_segment_capture_failed", map[string]any{
				"flow_run_id": flowRunID,
				"segment_id":  segmentID,
				"error":       err.Error(),
			}, "warn")
		} else if ref != "" {
			audioRef = ref
			h.Log.Record("audio_segment_captured", map[string]any{
				"flow_run_id": flowRunID,
				"segment_id":  segmentID,
				"audio_ref":   audioRef,
			}, "info")
			h.Pipeline.Upsert(segmentID, pipeline.Update{
				FlowRunID:  flowRunID,
				AudioRef:   audioRef,
				Status:     pipeline.StatusCaptured,
				SentStatus: pipeline.StatusCaptured,
			})
		}
	}

	sourcePage := meta.SourcePage
	if sourcePage == "" {
		if injected {
			sourcePage = "launcher"
		} else {
			sourcePage = "speechtexter"
		}
	}

	payload := message.Message{
		ID:   segmentID,
		Kind: message.KindStudentResponse,
		Text: text,
		Meta: &message.Meta{
			FlowRunID:  flowRunID,
			SegmentID:  segmentID,
			SourceRole: sourceRole,
			SourcePage: sourcePage,
			AudioRef:   audioRef,
			Injected:   injected,
			Finalized:  true,
			InjectedBy: injectedBy,
			TsMs:       time.Now().UnixMilli(),
		},
	}

	h.Pipeline.Upsert(segmentID, pipeline.Update{
		FlowRunID:  flowRunID,
		Text:       text,
		AudioRef:   audioRef,
		Status:     pipeline.StatusTranscribed,
		SentStatus: pipeline.StatusTranscribed,
		SourceRole: sourceRole,
		SourcePage: sourcePage,
		Injected:   boolPtr(injected),
	})
	h.Log.Record("stt_segment_finalized", map[string]any{
		"from":        sender,
		"flow_run_id": flowRunID,
		"segment_id":  segmentID,
		"audio_ref":   audioRef,
		"text":        text,
		"text_len":    len(text),
		"injected":    injected,
	}, "info")

	if err := h.Dispatch.Enqueue("ai", sender, payload); err != nil {
		return Result{}, fmt.Errorf("respond: deliver segment %s: %w", segmentID, err)
	}

	h.Pipeline.Upsert(segmentID, pipeline.Update{
		Status:     pipeline.StatusSent,
		SentStatus: pipeline.StatusSent,
	})
	h.Log.Record("student_response_sent", map[string]any{
		"from":        sender,
		"flow_run_id": flowRunID,
		"segment_id":  segmentID,
		"audio_ref":   audioRef,
		"text":        text,
		"text_len":    len(text),
		"injected":    injected,
	}, "info")

	return Result{
		SegmentID: segmentID,
		FlowRunID: flowRunID,
		AudioRef:  audioRef,
		Payload:   &payload,
	}, nil
}

