// Package message defines the envelope and tagged message model shared
// by every Lectern subsystem.
package message

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the message variant. Unknown kinds are preserved as
// KindOther with the raw payload intact.
type Kind string

const (
	KindStudentResponse Kind = "student_response"
	KindLessonPackage   Kind = "lesson_package"
	KindRulePrompt      Kind = "rule_prompt"
	KindTextbookContent Kind = "textbook_content"
	KindKickoffPrompt   Kind = "kickoff_prompt"
	KindOther           Kind = "other"
)

// knownKinds maps wire values to the closed kind set.
var knownKinds = map[string]Kind{
	string(KindStudentResponse): KindStudentResponse,
	string(KindLessonPackage):   KindLessonPackage,
	string(KindRulePrompt):      KindRulePrompt,
	string(KindTextbookContent): KindTextbookContent,
	string(KindKickoffPrompt):   KindKickoffPrompt,
}

// ParseKind normalizes a wire kind string. Empty or unrecognized values
// map to KindOther.
func ParseKind(raw string) Kind {
	if k, ok := knownKinds[strings.TrimSpace(raw)]; ok {
		return k
	}
	return KindOther
}

// Flags carries delivery hints for downstream consumers of expanded
// lesson messages.
type Flags struct {
	Special          bool `json:"special,omitempty"`
	NoReturnExpected bool `json:"no_return_expected,omitempty"`
}

// Envelope is one mailbox entry: the sending role plus the message.
type Envelope struct {
	From    string  `json:"from"`
	Message Message `json:"message"`
}

// Message is the tagged variant carried between roles. Known kinds are
// parsed into typed fields; everything a producer sent is retained in
// Raw so relayed messages round-trip byte-for-byte.
type Message struct {
	ID           string `json:"id,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	Text         string `json:"text,omitempty"`
	BookType     string `json:"book_type,omitempty"`
	TextbookText string `json:"textbook_text,omitempty"`
	PackageID    string `json:"package_id,omitempty"`
	Sender       string `json:"sender,omitempty"`
	Receiver     string `json:"receiver,omitempty"`
	DelayAfterMs int    `json:"delay_after_ms,omitempty"`
	Flags        *Flags `json:"flags,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	// Raw holds the original decoded payload for messages that came in
	// over the wire. When set it wins during marshaling.
	Raw map[string]any `json:"-"`
}

// UnmarshalJSON decodes the raw payload, keeps it, and parses the known
// fields out of it.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Raw = raw
	m.ID = stringField(raw, "id")
	m.Kind = ParseKind(stringField(raw, "kind"))
	m.Text = stringField(raw, "text")
	m.BookType = firstStringField(raw, "book_type", "bookType")
	m.TextbookText = stringField(raw, "textbook_text")
	m.PackageID = stringField(raw, "package_id")
	m.Sender = stringField(raw, "sender")
	m.Receiver = stringField(raw, "receiver")

	if metaRaw, ok := raw["meta"].(map[string]any); ok {
		meta := metaFromMap(metaRaw)
		m.Meta = &meta
	}
	return nil
}

// MarshalJSON re-emits the original payload for wire-decoded messages
// and the typed fields for messages built in-process.
func (m Message) MarshalJSON() ([]byte, error) {
	if m.Raw != nil {
		return json.Marshal(m.Raw)
	}
	type alias Message
	return json.Marshal(alias(m))
}

// WireKind returns the kind string as the producer sent it, falling
// back to the parsed kind for messages built in-process.
func (m Message) WireKind() string {
	if m.Raw != nil {
		if s, ok := m.Raw["kind"].(string); ok {
			return s
		}
	}
	return string(m.Kind)
}

// TextContent returns the best-effort human text of the message, used
// for length reporting in log events.
func (m Message) TextContent() (string, bool) {
	if m.Text != "" {
		return m.Text, true
	}
	if m.Raw != nil {
		if s, ok := m.Raw["message"].(string); ok {
			return s, true
		}
	}
	if m.TextbookText != "" {
		return m.TextbookText, true
	}
	return "", false
}

// Meta is the metadata block attached to routed messages. Unknown keys
// survive in Extra so upstream metadata propagates through expansion.
type Meta struct {
	FlowRunID  string `json:"flow_run_id,omitempty"`
	SegmentID  string `json:"segment_id,omitempty"`
	SourceRole string `json:"source_role,omitempty"`
	SourcePage string `json:"source_page,omitempty"`
	AudioRef   string `json:"audio_ref,omitempty"`
	Injected   bool   `json:"injected,omitempty"`
	Finalized  bool   `json:"finalized,omitempty"`
	InjectedBy string `json:"injected_by,omitempty"`
	TsMs       int64  `json:"ts_ms,omitempty"`

	Extra map[string]any `json:"-"`
}

var metaKnownKeys = map[string]bool{
	"flow_run_id": true, "run_id": true, "runId": true, "flowRunId": true,
	"segment_id": true, "source_role": true, "source_page": true,
	"audio_ref": true, "injected": true, "finalized": true,
	"injected_by": true, "ts_ms": true,
}

func metaFromMap(raw map[string]any) Meta {
	meta := Meta{
		FlowRunID:  firstStringField(raw, "flow_run_id", "run_id", "runId", "flowRunId"),
		SegmentID:  stringField(raw, "segment_id"),
		SourceRole: stringField(raw, "source_role"),
		SourcePage: stringField(raw, "source_page"),
		AudioRef:   stringField(raw, "audio_ref"),
		InjectedBy: stringField(raw, "injected_by"),
	}
	if b, ok := raw["injected"].(bool); ok {
		meta.Injected = b
	}
	if b, ok := raw["finalized"].(bool); ok {
		meta.Finalized = b
	}
	if n, ok := raw["ts_ms"].(float64); ok {
		meta.TsMs = int64(n)
	}
	for k, v := range raw {
		if metaKnownKeys[k] {
			continue
		}
		if meta.Extra == nil {
			meta.Extra = map[string]any{}
		}
		meta.Extra[k] = v
	}
	return meta
}

// UnmarshalJSON accepts the legacy flow-run-id aliases and keeps
// unrecognized keys in Extra.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = metaFromMap(raw)
	return nil
}

// MarshalJSON merges Extra back in; typed fields win on key collisions.
func (m Meta) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.FlowRunID != "" {
		out["flow_run_id"] = m.FlowRunID
	}
	if m.SegmentID != "" {
		out["segment_id"] = m.SegmentID
	}
	if m.SourceRole != "" {
		out["source_role"] = m.SourceRole
	}
	if m.SourcePage != "" {
		out["source_page"] = m.SourcePage
	}
	out["audio_ref"] = orNil(m.AudioRef)
	if m.Injected {
		out["injected"] = true
	}
	if m.Finalized {
		out["finalized"] = true
	}
	if m.InjectedBy != "" {
		out["injected_by"] = m.InjectedBy
	}
	if m.TsMs != 0 {
		out["ts_ms"] = m.TsMs
	}
	return json.Marshal(out)
}

func orNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func firstStringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, _ := raw[key].(string); s != "" {
			return s
		}
	}
	return ""
}

// NewID generates a prefixed, time-ordered message id such as
// "seg-1724500000000-3fa8c2d1".
func NewID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "-" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "-" + suffix
}
