// Package dispatch wraps mailbox delivery with event logging so every
// enqueue shows up in the run log with its queue depth.
package dispatch

import (
	"github.com/lecternhq/lectern/internal/mailbox"
	"github.com/lecternhq/lectern/internal/message"
	"github.com/lecternhq/lectern/internal/runlog"
)

// Dispatcher delivers messages into role mailboxes.
type Dispatcher struct {
	Mail *mailbox.Registry
	Log  *runlog.Log
}

// New creates a dispatcher over the given registry and log.
func New(mail *mailbox.Registry, log *runlog.Log) *Dispatcher {
	return &Dispatcher{Mail: mail, Log: log}
}

// Enqueue appends the message to the receiver's mailbox and records an
// "enqueue" event.
func (d *Dispatcher) Enqueue(to, from string, msg message.Message) error {
	depth, err := d.Mail.Enqueue(to, message.Envelope{From: from, Message: msg})
	if err != nil {
		return err
	}

	var flowRunID string
	if msg.Meta != nil {
		flowRunID = msg.Meta.FlowRunID
	}
	d.Log.Record("enqueue", map[string]any{
		"to":          to,
		"from":        from,
		"queue_len":   depth,
		"message_id":  msg.ID,
		"kind":        msg.WireKind(),
		"flow_run_id": flowRunID,
	}, "info")
	return nil
}
