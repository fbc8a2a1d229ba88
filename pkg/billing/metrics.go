package billing

import "time"

// Metrics defines the interface for tracking billing operations.
// Components fall back to NoopMetrics when none is configured.
type Metrics interface {
	// RecordWebhookEvent records a gateway event and its outcome.
	// status: "processed", "ignored", "dropped" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long an event took to apply.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a rejected or failed delivery.
	// errorType: e.g. "invalid_signature", "invalid_payload", "persistence"
	RecordWebhookError(errorType string)

	// RecordCheckout records a checkout initiation outcome.
	RecordCheckout(plan, status string)

	// RecordPlanChange records an effective plan transition.
	RecordPlanChange(fromPlan, toPlan string)

	// RecordLedgerWrite records a ledger row write by type and status.
	RecordLedgerWrite(txType, txStatus string)

	// RecordPeriodFallback records use of the computed period end when the
	// gateway did not report one.
	RecordPeriodFallback(plan string)

	// RecordQuotaConsumption records a metered check, allowed or denied.
	RecordQuotaConsumption(plan string, allowed bool)

	// RecordAPICall records a call to the payment gateway.
	// status: "ok", "error" or "circuit_open"
	RecordAPICall(endpoint, status string)

	// RecordAPICallDuration records how long a gateway call took.
	RecordAPICallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
func (n *NoopMetrics) RecordCheckout(_, _ string)                                {}
func (n *NoopMetrics) RecordPlanChange(_, _ string)                              {}
func (n *NoopMetrics) RecordLedgerWrite(_, _ string)                             {}
func (n *NoopMetrics) RecordPeriodFallback(_ string)                             {}
func (n *NoopMetrics) RecordQuotaConsumption(_ string, _ bool)                   {}
func (n *NoopMetrics) RecordAPICall(_, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_ string, _ time.Duration)           {}
