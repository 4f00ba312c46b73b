package chat

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event is one pre-verified inbound webhook delivery from the chat platform.
// Signature verification happens upstream; by the time an Event reaches the
// intake service it is authentic but not yet shape-checked.
type Event struct {
	MessageID string `json:"message_id" validate:"required,max=128"`
	Channel   string `json:"channel" validate:"required,max=128"`
	Requester string `json:"requester" validate:"required,max=128"`
	Action    string `json:"action" validate:"required,oneof=generate"`
	Prompt    string `json:"prompt" validate:"required,max=2000"`
	Style     string `json:"style" validate:"omitempty,max=64"`
}

var validate = validator.New()

// Validate rejects malformed events before any job is created.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}
