package billing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPlan is returned when a plan id is not in the catalog
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidRequest is returned for malformed caller input
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAccountNotFound is returned when no account matches a lookup
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when no ledger row matches a lookup
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrQuotaExceeded is returned when the metered allowance is used up
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrNoActiveSubscription is returned when a cancellation has nothing to cancel
	ErrNoActiveSubscription = errors.New("no active subscription")

	// ErrPaymentNotCompleted is returned when the gateway reports a session as unpaid
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrForbidden is returned when the caller may not act on a resource
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthenticated is returned when no caller identity is present
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrGatewayUnavailable is returned for transient gateway failures
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")

	// ErrGatewayRejected is returned when the gateway refuses a request
	ErrGatewayRejected = errors.New("payment gateway rejected request")

	// ErrInvalidTransition is returned for a forbidden ledger status change
	ErrInvalidTransition = errors.New("invalid transaction status transition")

	// ErrStorageUnavailable is returned when the backing store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Kind classifies errors for transport mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindGateway
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindGateway:
		return "gateway"
	case KindPersistence:
		return "persistence"
	}
	return "unknown"
}

// Error carries a Kind and the failing operation around a cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf classifies err. Explicit *Error kinds win over sentinel defaults.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var be *Error
	if errors.As(err, &be) && be.Kind != KindUnknown {
		return be.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidPlan), errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrPaymentNotCompleted), errors.Is(err, ErrInvalidWebhookPayload),
		errors.Is(err, ErrInvalidWebhookSignature), errors.Is(err, ErrInvalidTransition):
		return KindValidation
	case errors.Is(err, ErrQuotaExceeded), errors.Is(err, ErrNoActiveSubscription),
		errors.Is(err, ErrForbidden), errors.Is(err, ErrUnauthenticated):
		return KindAuthorization
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		return KindNotFound
	case errors.Is(err, ErrGatewayUnavailable), errors.Is(err, ErrGatewayRejected):
		return KindGateway
	case errors.Is(err, ErrStorageUnavailable):
		return KindPersistence
	}
	return KindUnknown
}

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindPersistence
}

func validationErr(op string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

func authorizationErr(op string, err error) error {
	return &Error{Kind: KindAuthorization, Op: op, Err: err}
}

func gatewayErr(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, Err: err}
}

// persistenceErr tags storage failures. Not-found lookups keep their kind.
func persistenceErr(op string, err error) error {
	if errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransactionNotFound) {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	return &Error{Kind: KindPersistence, Op: op, Err: err}
}
