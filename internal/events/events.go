package events

// Billing event types emitted by the reconciliation pipeline.
const (
	EventContractActivated      = "contract.activated"
	EventContractCancelled      = "contract.cancelled"
	EventEnrollmentActivated    = "enrollment.activated"
	EventEnrollmentCancelled    = "enrollment.cancelled"
	EventInstallmentCreated     = "installment.created"
	EventRecurringChargeLinked  = "recurring_charge.linked"
	EventNotificationReplayed   = "notification.replayed"
	EventReconciliationRejected = "reconciliation.rejected"
)

// ContractPayload captures the minimal data needed to consume a contract
// transition downstream.
type ContractPayload struct {
	ContractID          string `json:"contract_id"`
	NotificationEventID string `json:"notification_event_id"`
	GatewayStatus       string `json:"gateway_status,omitempty"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p ContractPayload) ToMap() map[string]any {
	payload := map[string]any{
		"contract_id":           p.ContractID,
		"notification_event_id": p.NotificationEventID,
	}
	if p.GatewayStatus != "" {
		payload["gateway_status"] = p.GatewayStatus
	}
	return payload
}

// EnrollmentPayload captures one enrollment transition.
type EnrollmentPayload struct {
	EnrollmentID        string `json:"enrollment_id"`
	ContractID          string `json:"contract_id,omitempty"`
	NotificationEventID string `json:"notification_event_id"`
}

// ToMap converts a payload into an outbox-friendly map.
func (p EnrollmentPayload) ToMap() map[string]any {
	payload := map[string]any{
		"enrollment_id":         p.EnrollmentID,
		"notification_event_id": p.NotificationEventID,
	}
	if p.ContractID != "" {
		payload["contract_id"] = p.ContractID
	}
	return payload
}
