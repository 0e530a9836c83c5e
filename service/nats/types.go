package nats

import (
	"fmt"
	"time"
)

// SubjectPrefix is prepended to the widget session id to form the subject
// a tip event is published on.
const SubjectPrefix = "tips."

// AllTipsSubject matches tip events for every session.
const AllTipsSubject = "tips.>"

// TipEvent is published once per payment attempt when it settles.
// Delivery is best effort: core NATS, no stream, no acknowledgements.
type TipEvent struct {
	SessionID string `json:"session_id"`
	AttemptID string `json:"attempt_id"`
	Status    string `json:"status"` // success, error

	// Payment details
	Amount      float64 `json:"amount"`
	Lamports    uint64  `json:"lamports"`
	Recipient   string  `json:"recipient"`
	FromAddress string  `json:"from_address"`

	// Outcome
	TransactionReference string `json:"transaction_reference,omitempty"`
	ExplorerURL          string `json:"explorer_url,omitempty"`
	ErrorMessage         string `json:"error_message,omitempty"`

	Cluster     string    `json:"cluster"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject for events of one widget session.
func Subject(sessionID string) string {
	return fmt.Sprintf("%s%s", SubjectPrefix, sessionID)
}
