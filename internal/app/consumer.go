package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/GFFB0314/Bafoka-teamZ/internal/domain"
)

// ExternalUpdateApplier is the part of Service the inbound channels need.
type ExternalUpdateApplier interface {
	ApplyExternalUpdate(ctx context.Context, update ExternalUpdate) (*domain.ReconcileResult, error)
}

// SettlementStatusConsumer turns broker deliveries into external updates.
type SettlementStatusConsumer struct {
	applier ExternalUpdateApplier
}

func NewSettlementStatusConsumer(applier ExternalUpdateApplier) *SettlementStatusConsumer {
	return &SettlementStatusConsumer{applier: applier}
}

// HandleMessage returns false only for errors a redelivery may fix. Malformed
// events, unknown transactions and failed reverts are acknowledged: the first
// two will never succeed and the last is already flagged for manual recovery.
func (c *SettlementStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.SettlementStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=settlement_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}

	if strings.TrimSpace(event.ExternalID) == "" || strings.TrimSpace(event.Status) == "" {
		log.Printf("level=warn component=settlement_consumer msg=\"event missing external id or status; dropping\" event_id=%s", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := c.applier.ApplyExternalUpdate(ctx, ExternalUpdate{
		ExternalID: event.ExternalID,
		Status:     event.Status,
		Metadata:   event.Metadata,
		Source:     SourceQueue,
	})
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		log.Printf("level=info component=settlement_consumer msg=\"no transaction for external id; acknowledging\" external_id=%s event_id=%s", event.ExternalID, event.EventID)
		return true
	case errors.Is(err, ErrRevertFailed):
		log.Printf("level=error component=settlement_consumer msg=\"revert failed; flagged for manual recovery\" external_id=%s err=%v", event.ExternalID, err)
		return true
	case err != nil:
		log.Printf("level=error component=settlement_consumer msg=\"processing error\" external_id=%s err=%v", event.ExternalID, err)
		return false
	}

	log.Printf("level=info component=settlement_consumer msg=\"event processed\" external_id=%s tx_id=%s action=%s", event.ExternalID, result.TransactionID, result.Action)
	return true
}
