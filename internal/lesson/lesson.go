// Package lesson expands a lesson package into the ordered prompt
// sequence the AI surface consumes.
package lesson

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lecternhq/lectern/internal/dispatch"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/rules"
	"github.com/lecternhq/lectern/internal/runlog"
)

// ErrInvalidLessonPackage is returned when the package is missing its
// book type or textbook text.
var ErrInvalidLessonPackage = errors.New("lesson: invalid lesson package")

// Fallback texts used when the rule store has nothing for a book.
const (
	fallbackRuleFormat = "You are an English teacher. Follow the teaching rules for textbook: %s."
	fallbackKickoff    = "Now greet the student and start teaching using the textbook content above. " +
		"Keep it natural and concise. Ask one question to the student."
)

// ruleDelayAfterMs paces the AI surface between the rule prompt and
// the textbook content.
const ruleDelayAfterMs = 1000

// Expander turns lesson packages into rule → textbook → kickoff
// triples on the ai mailbox.
type Expander struct {
	Rules    *rules.Store
	Dispatch *dispatch.Dispatcher
	Log      *runlog.Log
}

// New creates an expander.
func New(store *rules.Store, d *dispatch.Dispatcher, log *runlog.Log) *Expander {
	return &Expander{Rules: store, Dispatch: d, Log: log}
}

// Expand validates the package and enqueues exactly three messages to
// the ai mailbox sharing one package id. Returns the package id.
func (e *Expander) Expand(sender string, msg message.Message) (string, error) {
	bookType := rules.SafeBookKey(msg.BookType)
	textbookText := strings.TrimSpace(msg.TextbookText)
	if bookType == "" || textbookText == "" {
		return "", ErrInvalidLessonPackage
	}

	packageID := msg.ID
	if packageID == "" {
		packageID = message.NewID("pkg")
	}
	meta := msg.Meta

	ruleText := e.Rules.RuleText(bookType)
	if ruleText == "" {
		ruleText = fmt.Sprintf(fallbackRuleFormat, bookType)
	}
	rulePayload := message.Message{
		ID:           message.NewID("rule"),
		Sender:       "system",
		Receiver:     "ai",
		Kind:         message.KindRulePrompt,
		BookType:     bookType,
		PackageID:    packageID,
		Text:         ruleText,
		DelayAfterMs: ruleDelayAfterMs,
		Flags:        &message.Flags{Special: true, NoReturnExpected: true},
		Meta:         meta,
	}
	if err := e.Dispatch.Enqueue("ai", "system", rulePayload); err != nil {
		return "", fmt.Errorf("lesson: enqueue rule prompt: %w", err)
	}

	contentPayload := message.Message{
		ID:        message.NewID("textbook"),
		Sender:    "system",
		Receiver:  "ai",
		Kind:      message.KindTextbookContent,
		BookType:  bookType,
		PackageID: packageID,
		Text:      textbookText,
		Flags:     &message.Flags{Special: true, NoReturnExpected: true},
		Meta:      meta,
	}
	if err := e.Dispatch.Enqueue("ai", "system", contentPayload); err != nil {
		return "", fmt.Errorf("lesson: enqueue textbook content: %w", err)
	}

	kickoffText := e.Rules.KickoffText(bookType)
	if kickoffText == "" {
		kickoffText = fallbackKickoff
	}
	kickoffPayload := message.Message{
		ID:        message.NewID("kickoff"),
		Sender:    "system",
		Receiver:  "ai",
		Kind:      message.KindKickoffPrompt,
		BookType:  bookType,
		PackageID: packageID,
		Text:      kickoffText,
		Flags:     &message.Flags{Special: true},
		Meta:      meta,
	}
	if err := e.Dispatch.Enqueue("ai", "system", kickoffPayload); err != nil {
		return "", fmt.Errorf("lesson: enqueue kickoff prompt: %w", err)
	}

	var flowRunID string
	if meta != nil {
		flowRunID = meta.FlowRunID
	}
	e.Log.Record("lesson_package_expanded", map[string]any{
		"sender":      sender,
		"book_type":   bookType,
		"package_id":  packageID,
		"flow_run_id": flowRunID,
		"rule_id":     rulePayload.ID,
		"content_id":  contentPayload.ID,
		"kickoff_id":  kickoffPayload.ID,
		"text_len":    len(textbookText),
	}, "info")

	return packageID, nil
}
