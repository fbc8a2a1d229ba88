package http

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/inkpass/internal/httputil"
	"github.com/mihaimyh/inkpass/pkg/billing"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Retryable bool           `json:"retryable,omitempty"`
	Feature   string         `json:"feature,omitempty"`
	Usage     *billing.Usage `json:"usage,omitempty"`
}

// StatusCode maps an engine error to an HTTP status.
func StatusCode(err error) int {
	if errors.Is(err, billing.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch billing.KindOf(err) {
	case billing.KindValidation:
		return http.StatusBadRequest
	case billing.KindAuthorization:
		return http.StatusForbidden
	case billing.KindNotFound:
		return http.StatusNotFound
	case billing.KindGateway:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorCode returns a stable machine-readable code for err.
func errorCode(err error) string {
	for _, c := range []struct {
		target error
		code   string
	}{
		{billing.ErrUnauthenticated, "unauthenticated"},
		{billing.ErrForbidden, "forbidden"},
		{billing.ErrQuotaExceeded, "quota_exceeded"},
		{billing.ErrNoActiveSubscription, "no_active_subscription"},
		{billing.ErrInvalidPlan, "invalid_plan"},
		{billing.ErrPaymentNotCompleted, "payment_not_completed"},
		{billing.ErrInvalidWebhookSignature, "invalid_signature"},
		{billing.ErrInvalidWebhookPayload, "invalid_payload"},
		{billing.ErrAccountNotFound, "account_not_found"},
		{billing.ErrTransactionNotFound, "transaction_not_found"},
		{billing.ErrGatewayRejected, "gateway_rejected"},
		{httputil.ErrPayloadTooLarge, "payload_too_large"},
	} {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	switch billing.KindOf(err) {
	case billing.KindValidation:
		return "invalid_request"
	case billing.KindGateway:
		return "gateway_unavailable"
	}
	return "internal"
}

// WriteError writes err as a JSON error response. Internal failures are
// reported without their cause.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	if errors.Is(err, httputil.ErrPayloadTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	body := ErrorBody{Error: err.Error(), Code: errorCode(err)}
	switch status {
	case http.StatusInternalServerError:
		body.Error = "internal server error"
		body.Retryable = true
	case http.StatusServiceUnavailable:
		body.Error = "payment gateway unavailable, please retry"
		body.Retryable = billing.IsRetryable(err)
	}
	writeJSON(w, status, body)
}

// WriteQuotaExceeded answers a denied metered request with the usage
// snapshot the client needs to render an upgrade prompt.
func WriteQuotaExceeded(w http.ResponseWriter, usage billing.Usage) {
	writeJSON(w, http.StatusForbidden, ErrorBody{
		Error: "monthly AI summary limit reached",
		Code:  "quota_exceeded",
		Usage: &usage,
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	_ = httputil.WriteJSON(w, code, body) //nolint:errcheck // headers are already sent
}
