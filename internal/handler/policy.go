package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

// createPolicyRequest binds the policy creation payload. DiscountType uses
// the strict codec: anything but "rate"/"amount" (case-insensitive) is a
// parse failure.
type createPolicyRequest struct {
	Name              string              `json:"name"`
	DiscountType      policy.DiscountType `json:"discountType"`
	DiscountRate      float64             `json:"discountRate"`
	DiscountAmount    float64             `json:"discountAmount"`
	MaxDiscountAmount float64             `json:"maxDiscountAmount"`
	StandardPrice     float64             `json:"standardPrice"`
	Period            int                 `json:"period"`
	StartDate         *time.Time          `json:"startDate"`
	EndDate           *time.Time          `json:"endDate"`
	Scope             scopeDescriptor     `json:"scope"`
	CouponTypeID      int64               `json:"couponTypeId"`
}

type scopeDescriptor struct {
	Kind       string `json:"kind"`
	CategoryID int64  `json:"categoryId"`
	ItemID     int64  `json:"itemId"`
}

type createPolicyResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type updatePolicyRequest struct {
	EndDate time.Time `json:"endDate"`
}

// policyView is the full policy representation returned by reads.
type policyView struct {
	ID                int64               `json:"id"`
	Name              string              `json:"name"`
	DiscountType      policy.DiscountType `json:"discountType"`
	DiscountRate      float64             `json:"discountRate"`
	DiscountAmount    float64             `json:"discountAmount"`
	MaxDiscountAmount float64             `json:"maxDiscountAmount"`
	StandardPrice     float64             `json:"standardPrice"`
	StartDate         time.Time           `json:"startDate"`
	EndDate           time.Time           `json:"endDate"`
	Period            int                 `json:"period,omitempty"`
}

type applicableView struct {
	policyView
	Specificity string `json:"specificity"`
}

// ListPolicies returns policies paginated in insertion order.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	policies, err := h.policies.List(r.Context(), page, size)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	views := make([]policyView, len(policies))
	for i := range policies {
		views[i] = toPolicyView(&policies[i])
	}
	respondJSON(w, http.StatusOK, views)
}

// GetPolicy returns the full view of one policy. Soft-deleted ids yield 404.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid policy id")
		return
	}

	p, err := h.policies.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toPolicyView(p))
}

// CreatePolicy validates and persists a new policy with its scope.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req createPolicyRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	input := policy.CreatePolicy{
		Name:              req.Name,
		DiscountType:      req.DiscountType,
		DiscountRate:      decimal.NewFromFloat(req.DiscountRate),
		DiscountAmount:    decimal.NewFromFloat(req.DiscountAmount),
		MaxDiscountAmount: decimal.NewFromFloat(req.MaxDiscountAmount),
		StandardPrice:     decimal.NewFromFloat(req.StandardPrice),
		PeriodDays:        req.Period,
		CouponTypeID:      req.CouponTypeID,
		Scope: policy.Scope{
			Kind:       policy.ScopeKind(req.Scope.Kind),
			CategoryID: req.Scope.CategoryID,
			ItemID:     req.Scope.ItemID,
		},
	}
	if req.StartDate != nil {
		input.StartDate = *req.StartDate
	}
	if req.EndDate != nil {
		input.EndDate = *req.EndDate
	}

	created, err := h.policies.Create(r.Context(), input)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, createPolicyResponse{ID: created.ID, Name: created.Name})
}

// UpdatePolicy replaces the policy's end date and returns the full view.
func (h *Handler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid policy id")
		return
	}

	var req updatePolicyRequest
	if err := decodeBody(r, &req); err != nil || req.EndDate.IsZero() {
		respondError(w, http.StatusBadRequest, "endDate is required")
		return
	}

	updated, err := h.policies.UpdateEndDate(r.Context(), id, req.EndDate)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toPolicyView(updated))
}

// DeletePolicy soft-deletes a policy. Deleting twice yields 404.
func (h *Handler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid policy id")
		return
	}

	if err := h.policies.Delete(r.Context(), id); err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ApplicablePolicies returns the policies applying to an item, ordered
// most-specific first.
func (h *Handler) ApplicablePolicies(w http.ResponseWriter, r *http.Request) {
	itemID, err := strconv.ParseInt(r.URL.Query().Get("itemId"), 10, 64)
	if err != nil || itemID < 1 {
		respondError(w, http.StatusBadRequest, "itemId is required")
		return
	}
	categoryID, _ := strconv.ParseInt(r.URL.Query().Get("categoryId"), 10, 64)

	applicable, err := h.resolver.ResolveApplicable(r.Context(), itemID, categoryID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	views := make([]applicableView, len(applicable))
	for i, a := range applicable {
		views[i] = applicableView{
			policyView:  toPolicyView(&a.Policy),
			Specificity: specificityLabel(a.Specificity),
		}
	}
	respondJSON(w, http.StatusOK, views)
}

func toPolicyView(p *policy.Policy) policyView {
	return policyView{
		ID:                p.ID,
		Name:              p.Name,
		DiscountType:      p.DiscountType,
		DiscountRate:      p.DiscountRate.InexactFloat64(),
		DiscountAmount:    p.DiscountAmount.InexactFloat64(),
		MaxDiscountAmount: p.MaxDiscountAmount.InexactFloat64(),
		StandardPrice:     p.StandardPrice.InexactFloat64(),
		StartDate:         p.StartDate,
		EndDate:           p.EndDate,
		Period:            p.PeriodDays,
	}
}

func specificityLabel(s policy.Specificity) string {
	switch s {
	case policy.SpecificityItem:
		return "item"
	case policy.SpecificityCategory:
		return "category"
	default:
		return "range"
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
