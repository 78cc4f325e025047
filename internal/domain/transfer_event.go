package domain

import (
	"encoding/json"
	"time"
)

// SettlementStatusEvent is the message relayed onto the broker when the
// settlement authority reports a transfer status out of band.
type SettlementStatusEvent struct {
	EventID    string          `json:"event_id"`
	ExternalID string          `json:"external_id"`
	Status     string          `json:"status"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// TransferOutcomeEvent is published whenever a transfer reaches a new state, so
// the chat layer can notify both parties.
type TransferOutcomeEvent struct {
	TransactionID string    `json:"transaction_id"`
	ExternalID    string    `json:"external_id,omitempty"`
	FromIdentity  string    `json:"from_identity"`
	ToIdentity    string    `json:"to_identity"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Reverted      bool      `json:"reverted"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
