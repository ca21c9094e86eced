package events

// Billing event types published through the outbox.
const (
	EventTransactionCreated    = "transaction_created"
	EventReconciliationPending = "usage_reconciliation_pending"
	EventPricingChangeApplied  = "pricing_change_applied"
	EventPricingSyncCompleted  = "pricing_sync_completed"
)

// ReconciliationPayload captures the minimal data needed to follow up on a
// debited-but-unrecorded usage event.
type ReconciliationPayload struct {
	UsageRecordID string `json:"usage_record_id"`
	UserID        string `json:"user_id"`
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p ReconciliationPayload) ToMap() map[string]any {
	payload := map[string]any{
		"usage_record_id": p.UsageRecordID,
		"user_id":         p.UserID,
		"request_id":      p.RequestID,
	}
	if p.TransactionID != "" {
		payload["transaction_id"] = p.TransactionID
	}
	return payload
}
