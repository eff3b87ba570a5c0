package server

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lecternhq/lectern/internal/lesson"
	"github.com/lecternhq/lectern/internal/mailbox"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/respond"
	"github.com/lecternhq/lectern/internal/runlog"
)

// registerRoutes sets up the full HTTP surface on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	router.POST("/send_message", s.handleSendMessage)
	router.GET("/get_messages/:receiver", s.handleGetMessages)
	router.POST("/inject/student_text", s.handleInjectStudentText)
	router.POST("/inject/student_audio", s.handleInjectStudentAudio)
	router.GET("/pipeline_status", s.handlePipelineStatus)
	router.POST("/log_event", s.handleLogEvent)
	router.GET("/get_logs", s.handleGetLogs)

	router.GET("/walkie/receiver", s.handleWalkiePage("receiver"))
	router.GET("/walkie/transmitter", s.handleWalkiePage("transmitter"))
	router.GET("/walkie/api/info", s.handleWalkieInfo)
	router.POST("/walkie/api/session/create", s.handleWalkieCreate)
	router.POST("/walkie/api/session/join", s.handleWalkieJoin)
	router.POST("/walkie/api/signal/push", s.handleWalkiePush)
	router.GET("/walkie/api/signal/pull", s.handleWalkiePull)
	router.POST("/walkie/api/session/close", s.handleWalkieClose)
}

type sendMessageRequest struct {
	From    string           `json:"from"`
	To      string           `json:"to"`
	Message *message.Message `json:"message"`
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.From == "" || req.To == "" || req.Message == nil {
		s.log.Record("send_message_invalid", map[string]any{
			"sender": req.From, "receiver": req.To,
		}, "warn")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'from', 'to' or 'message'"})
		return
	}
	if !s.mail.Valid(req.To) {
		s.log.Record("send_message_invalid_receiver", map[string]any{
			"sender": req.From, "receiver": req.To,
		}, "warn")
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Receiver '%s' unknown", req.To)})
		return
	}

	msg := *req.Message
	var flowRunID string
	if msg.Meta != nil {
		flowRunID = msg.Meta.FlowRunID
	}
	data := map[string]any{
		"from":        req.From,
		"to":          req.To,
		"message_id":  msg.ID,
		"kind":        msg.WireKind(),
		"flow_run_id": flowRunID,
	}
	if text, ok := msg.TextContent(); ok {
		data["text_len"] = len(text)
	}
	s.log.Record("send_message", data, "info")

	if req.To == "ai" {
		switch msg.Kind {
		case message.KindLessonPackage:
			packageID, err := s.lessons.Expand(req.From, msg)
			if err != nil {
				s.log.Record("lesson_package_expand_failed", map[string]any{
					"from": req.From, "error": errorCode(err),
				}, "warn")
				c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err)})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "ok", "expanded": true, "package_id": packageID})
			return

		case message.KindStudentResponse:
			res, err := s.respond.Handle(req.From, msg, "")
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err)})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"status":      "ok",
				"kind":        "student_response",
				"dropped":     res.Dropped,
				"segment_id":  res.SegmentID,
				"flow_run_id": res.FlowRunID,
				"audio_ref":   res.AudioRef,
			})
			return
		}
	}

	if err := s.dispatch.Enqueue(req.To, req.From, msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	receiver := c.Param("receiver")
	msgs, err := s.mail.Drain(receiver)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"messages": []any{}, "status": "unknown"})
		return
	}
	s.log.Record("get_messages", map[string]any{
		"receiver": receiver, "count": len(msgs),
	}, "info")
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type injectTextRequest struct {
	Text       string `json:"text"`
	FlowRunID  string `json:"flow_run_id"`
	InjectedBy string `json:"injected_by"`
}

func (s *Server) handleInjectStudentText(c *gin.Context) {
	var req injectTextRequest
	c.ShouldBindJSON(&req)
	if req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing text"})
		return
	}
	injectedBy := req.InjectedBy
	if injectedBy == "" {
		injectedBy = "launcher"
	}

	segmentID := message.NewID("seg")
	msg := message.Message{
		ID:   segmentID,
		Kind: message.KindStudentResponse,
		Text: req.Text,
		Meta: &message.Meta{
			FlowRunID:  s.runs.Normalize(req.FlowRunID),
			SegmentID:  segmentID,
			SourceRole: "stt",
			SourcePage: "launcher_inject_text",
			Injected:   true,
		},
	}
	res, err := s.respond.Handle("launcher", msg, injectedBy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err)})
		return
	}

	s.log.Record("injection_text_sent", map[string]any{
		"flow_run_id": res.FlowRunID,
		"segment_id":  res.SegmentID,
		"text":        req.Text,
		"text_len":    len(req.Text),
		"injected_by": injectedBy,
		"dropped":     res.Dropped,
	}, "info")
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"segment_id":  res.SegmentID,
		"flow_run_id": res.FlowRunID,
		"audio_ref":   res.AudioRef,
		"dropped":     res.Dropped,
	})
}

type injectAudioRequest struct {
	WavPath    string `json:"wav_path"`
	FlowRunID  string `json:"flow_run_id"`
	InjectedBy string `json:"injected_by"`
}

func (s *Server) handleInjectStudentAudio(c *gin.Context) {
	var req injectAudioRequest
	c.ShouldBindJSON(&req)
	if req.WavPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing wav_path"})
		return
	}
	absPath, err := filepath.Abs(req.WavPath)
	if err != nil || !fileExists(absPath) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wav_path_not_found: " + req.WavPath})
		return
	}
	injectedBy := req.InjectedBy
	if injectedBy == "" {
		injectedBy = "launcher"
	}
	flowRunID := s.runs.Normalize(req.FlowRunID)

	bridge := s.bridge.ensure()
	if bridge == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio_bridge_unavailable"})
		return
	}
	status := bridge.EnsureReady()
	if !status.Ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audio_bridge_not_ready", "status": status})
		return
	}

	play, playErr := bridge.PlayWav(absPath)
	ok := playErr == nil

	segmentID := message.NewID("inj-audio")
	injected := true
	s.tracker.Upsert(segmentID, pipeline.Update{
		FlowRunID:  flowRunID,
		AudioRef:   absPath,
		Status:     pipeline.StatusCaptured,
		SentStatus: pipeline.StatusCaptured,
		SourceRole: "launcher",
		SourcePage: "launcher_inject_audio",
		Injected:   &injected,
	})

	level := "info"
	if !ok {
		level = "warn"
	}
	data := map[string]any{
		"ok":          ok,
		"play_id":     play.PlayID,
		"flow_run_id": flowRunID,
		"segment_id":  segmentID,
		"wav_path":    absPath,
		"injected_by": injectedBy,
		"sink_name":   status.SinkName,
		"source_name": status.SourceName,
	}
	if playErr != nil {
		data["error"] = playErr.Error()
	}
	s.log.Record("injection_audio_played", data, level)

	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": playErr.Error(), "segment_id": segmentID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": play, "segment_id": segmentID})
}

func (s *Server) handlePipelineStatus(c *gin.Context) {
	limit := 200
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"audio_bridge":     s.bridge.statusPayload(),
		"roles":            mailbox.Roles,
		"queues":           s.mail.Depths(),
		"last_segment_ids": s.tracker.LastIDs(),
		"segments":         s.tracker.Recent(limit),
		"ts":               time.Now().UnixMilli(),
	})
}

func (s *Server) handleLogEvent(c *gin.Context) {
	var payload map[string]any
	c.ShouldBindJSON(&payload)
	source, _ := payload["source"].(string)
	if source == "" {
		source = "unknown"
	}

	if entry, ok := payload["entry"].(map[string]any); ok {
		level, _ := entry["level"].(string)
		if level == "" {
			level = "info"
		}
		runID := runlog.ExtractFlowRunID(map[string]any{"entry": entry})
		s.log.Record("client_log_entry", map[string]any{
			"source":      source,
			"flow_run_id": runID,
			"entry":       entry,
		}, level)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	event, _ := payload["event"].(string)
	if event == "" {
		event = "event"
	}
	level, _ := payload["level"].(string)
	if level == "" {
		level = "info"
	}
	data, _ := payload["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	s.log.Record("client_event", map[string]any{
		"source": source,
		"event":  event,
		"level":  level,
		"data":   data,
	}, "info")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetLogs(c *gin.Context) {
	clear := c.Query("clear") == "1"
	c.JSON(http.StatusOK, gin.H{"events": s.log.Events(clear)})
}

// errorCode maps subsystem errors onto the wire error strings clients
// key on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, lesson.ErrInvalidLessonPackage):
		return "invalid_lesson_package"
	case errors.Is(err, respond.ErrMissingText):
		return "missing_text"
	}
	return err.Error()
}
