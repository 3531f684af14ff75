package queue

import (
	"fmt"
	"strings"
)

// IntakeMessage asks the notifier to queue one message for a list of recipients.
type IntakeMessage struct {
	RequestID  string   `json:"requestId,omitempty"`
	Message    string   `json:"message"`
	Recipients []string `json:"recipients"`
	Source     string   `json:"source,omitempty"`
}

func (m IntakeMessage) Validate() error {
	if strings.TrimSpace(m.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if len(m.Recipients) == 0 {
		return fmt.Errorf("recipients are required")
	}
	return nil
}
