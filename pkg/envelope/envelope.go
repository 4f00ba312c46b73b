package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action names the kind of work a job asks for.
type Action string

const (
	ActionGenerate Action = "generate"
)

// Payload carries everything the worker needs to perform generation and
// deliver the result. It travels opaquely through the queue.
type Payload struct {
	Prompt     string `json:"prompt"`
	Style      string `json:"style,omitempty"`
	ChannelRef string `json:"channel_ref"`
	Requester  string `json:"requester"`
}

// Envelope is the immutable message unit published by the intake service and
// consumed by workers. Two envelopes with the same Fingerprint represent the
// same logical job no matter how many times the queue delivers them.
type Envelope struct {
	Fingerprint string    `json:"fingerprint"`
	Action      Action    `json:"action"`
	Payload     Payload   `json:"payload"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// Fingerprint derives the deterministic identifier for one logical job from
// the triggering message id and the requested action, e.g. "msg123:generate".
// Colons inside the message id are collapsed so the result stays parseable.
func Fingerprint(messageID string, action Action) string {
	id := strings.ReplaceAll(messageID, ":", "_")
	return fmt.Sprintf("%s:%s", id, action)
}

// New builds an envelope for one inbound event, stamping the enqueue time.
func New(messageID string, action Action, p Payload) Envelope {
	return Envelope{
		Fingerprint: Fingerprint(messageID, action),
		Action:      action,
		Payload:     p,
		EnqueuedAt:  time.Now().UTC(),
	}
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire message back into an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Fingerprint == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing fingerprint")
	}
	return e, nil
}
