package respond

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/mailbox"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/pipeline"
	"github.com/lecternhq/lectern/internal/runlog"
)

type fakeCapture struct {
	ref   string
	err   error
	calls int
}

func (f *fakeCapture) CaptureSegment(flowRunID, segmentID string) (string, error) {
	f.calls++
	return f.ref, f.err
}

type fixture struct {
	handler *Handler
	mail    *mailbox.Registry
	tracker *pipeline.Tracker
	log     *runlog.Log
	capture *fakeCapture
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mail := mailbox.NewRegistry()
	log := runlog.New(runlog.Options{LogsDir: t.TempDir(), Logger: zerolog.Nop()})
	tracker := pipeline.NewTracker(100)
	capture := &fakeCapture{ref: "/tmp/audio/seg.wav"}
	return &fixture{
		handler: &Handler{
			Dispatch: dispatch.New(mail, log),
			Pipeline: tracker,
			Log:      log,
			Runs:     runlog.NewAllocator(t.TempDir(), ""),
			Capture:  capture,
			Noise:    DefaultNoiseConfig(),
		},
		mail:    mail,
		tracker: tracker,
		log:     log,
		capture: capture,
	}
}

func studentMsg(text string) message.Message {
	return message.Message{Kind: message.KindStudentResponse, Text: text}
}

func hasEvent(events []runlog.Entry, name string) bool {
	for _, e := range events {
		if e.Event == name {
			return true
		}
	}
	return false
}

func TestHandle_MissingText(t *testing.T) {
	f := newFixture(t)
	_, err := f.handler.Handle("stt", studentMsg("   "), "")
	if !errors.Is(err, ErrMissingText) {
		t.Fatalf("err = %v, want ErrMissingText", err)
	}
}

func TestHandle_NoiseDroppedNotEnqueued(t *testing.T) {
	f := newFixture(t)
	res, err := f.handler.Handle("stt", studentMsg("..."), "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dropped {
		t.Error("Dropped = false, want true")
	}
	if res.SegmentID == "" || res.FlowRunID == "" {
		t.Errorf("ids not assigned: %+v", res)
	}

	if depths := f.mail.Depths(); depths["ai"] != 0 {
		t.Errorf("ai depth = %d, want 0", depths["ai"])
	}
	seg := f.tracker.Get(res.SegmentID)
	if seg == nil || seg.Status != pipeline.StatusDropped {
		t.Errorf("segment = %+v, want dropped", seg)
	}
	if f.capture.calls != 0 {
		t.Errorf("capture called %d times for noise, want 0", f.capture.calls)
	}
	if !hasEvent(f.log.Events(false), "student_response_dropped_noise") {
		t.Error("missing student_response_dropped_noise event")
	}
}

func TestHandle_DeliversAndMarksSent(t *testing.T) {
	f := newFixture(t)
	res, err := f.handler.Handle("stt", studentMsg("What is your name?"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Dropped {
		t.Fatal("Dropped = true, want false")
	}
	if res.FlowRunID != "log1" {
		t.Errorf("FlowRunID = %q, want log1 (fresh allocator)", res.FlowRunID)
	}
	if res.AudioRef != "/tmp/audio/seg.wav" {
		t.Errorf("AudioRef = %q", res.AudioRef)
	}

	msgs, _ := f.mail.Drain("ai")
	if len(msgs) != 1 {
		t.Fatalf("ai mailbox = %d, want 1", len(msgs))
	}
	got := msgs[0].Message
	if got.ID != res.SegmentID || got.Kind != message.KindStudentResponse {
		t.Errorf("payload = %+v", got)
	}
	if got.Meta == nil || !got.Meta.Finalized {
		t.Error("payload meta should be finalized")
	}
	if got.Meta.SourcePage != "speechtexter" {
		t.Errorf("SourcePage = %q, want speechtexter", got.Meta.SourcePage)
	}

	seg := f.tracker.Get(res.SegmentID)
	if seg == nil || seg.Status != pipeline.StatusSent {
		t.Errorf("segment = %+v, want sent", seg)
	}

	events := f.log.Events(false)
	for _, name := range []string{"audio_segment_captured", "stt_segment_finalized", "enqueue", "student_response_sent"} {
		if !hasEvent(events, name) {
			t.Errorf("missing %s event", name)
		}
	}
}

func TestHandle_CaptureFailureDoesNotBlockDelivery(t *testing.T) {
	f := newFixture(t)
	f.capture.ref = ""
	f.capture.err = errors.New("ffmpeg exploded")

	res, err := f.handler.Handle("stt", studentMsg("hello there"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.AudioRef != "" {
		t.Errorf("AudioRef = %q, want empty", res.AudioRef)
	}
	if depths := f.mail.Depths(); depths["ai"] != 1 {
		t.Errorf("ai depth = %d, want 1", depths["ai"])
	}
	if !hasEvent(f.log.Events(false), "audio_segment_capture_failed") {
		t.Error("missing audio_segment_capture_failed warning")
	}
}

func TestHandle_SuppliedAudioRefSkipsCapture(t *testing.T) {
	f := newFixture(t)
	msg := studentMsg("hello there")
	msg.Meta = &message.Meta{AudioRef: "/already/have.wav"}
	res, err := f.handler.Handle("stt", msg, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.AudioRef != "/already/have.wav" {
		t.Errorf("AudioRef = %q", res.AudioRef)
	}
	if f.capture.calls != 0 {
		t.Errorf("capture called %d times, want 0", f.capture.calls)
	}
}

func TestHandle_NilCaptureService(t *testing.T) {
	f := newFixture(t)
	f.handler.Capture = nil
	res, err := f.handler.Handle("stt", studentMsg("hello there"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.AudioRef != "" {
		t.Errorf("AudioRef = %q, want empty", res.AudioRef)
	}
}

func TestHandle_InjectedDefaultsAndInjectedBy(t *testing.T) {
	f := newFixture(t)
	msg := studentMsg("injected line")
	msg.Meta = &message.Meta{Injected: true}
	res, err := f.handler.Handle("launcher", msg, "operator")
	if err != nil {
		t.Fatal(err)
	}
	if res.Payload.Meta.SourcePage != "launcher" {
		t.Errorf("SourcePage = %q, want launcher", res.Payload.Meta.SourcePage)
	}
	if res.Payload.Meta.InjectedBy != "operator" {
		t.Errorf("InjectedBy = %q, want operator", res.Payload.Meta.InjectedBy)
	}
	seg := f.tracker.Get(res.SegmentID)
	if seg == nil || !seg.Injected {
		t.Errorf("segment = %+v, want injected", seg)
	}
}

func TestHandle_ReusesProvidedSegmentAndRunIDs(t *testing.T) {
	f := newFixture(t)
	msg := studentMsg("hello there")
	msg.Meta = &message.Meta{SegmentID: "seg-fixed", FlowRunID: "lesson-7"}
	res, err := f.handler.Handle("stt", msg, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.SegmentID != "seg-fixed" {
		t.Errorf("SegmentID = %q, want seg-fixed", res.SegmentID)
	}
	if res.FlowRunID != "lesson-7" {
		t.Errorf("FlowRunID = %q, want lesson-7 (explicit ids pass through)", res.FlowRunID)
	}
}

func TestHandle_LegacyRunIDRemapped(t *testing.T) {
	f := newFixture(t)
	msg := studentMsg("hello there")
	msg.Meta = &message.Meta{FlowRunID: "kickstart-xyz"}
	res, err := f.handler.Handle("stt", msg, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.FlowRunID != "log1" {
		t.Errorf("FlowRunID = %q, want log1", res.FlowRunID)
	}

	// Same legacy id maps to the same run on repeat.
	msg2 := studentMsg("hello again")
	msg2.Meta = &message.Meta{FlowRunID: "kickstart-xyz"}
	res2, _ := f.handler.Handle("stt", msg2, "")
	if res2.FlowRunID != "log1" {
		t.Errorf("repeat FlowRunID = %q, want log1", res2.FlowRunID)
	}
}
