package api

import "github.com/mihaimyh/inkpass/pkg/billing"

// PlanResponse describes one catalog plan.
type PlanResponse struct {
	ID           billing.PlanID    `json:"id"`
	Name         string            `json:"name"`
	Price        int64             `json:"price"`
	Currency     string            `json:"currency"`
	DurationDays int               `json:"durationDays"`
	Features     []string          `json:"features"`
	SummaryLimit int               `json:"summaryLimit"` // -1 for unlimited
	Grants       []billing.Feature `json:"grants"`
	Purchasable  bool              `json:"purchasable"`
}

// CheckoutRequest is the body of POST /checkout.
type CheckoutRequest struct {
	PlanID billing.PlanID `json:"planId"`
}

// ProcessSessionRequest is the body of POST /admin/process-session.
type ProcessSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// WebhookResponse acknowledges an applied gateway delivery.
type WebhookResponse struct {
	Received bool `json:"received"`
}

// NewPlanResponse renders a catalog plan for clients.
func NewPlanResponse(p billing.Plan) PlanResponse {
	features := p.Features
	if features == nil {
		features = []string{}
	}
	grants := p.Grants
	if grants == nil {
		grants = []billing.Feature{}
	}
	return PlanResponse{
		ID:           p.ID,
		Name:         p.Name,
		Price:        p.Price,
		Currency:     p.Currency,
		DurationDays: p.DurationDays,
		Features:     features,
		SummaryLimit: p.SummaryLimit,
		Grants:       grants,
		Purchasable:  p.Purchasable() && p.PriceRef != "",
	}
}
