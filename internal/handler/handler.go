// Package handler exposes the policy management and coupon surfaces over
// HTTP. It binds requests, delegates to the domain services, and maps domain
// errors to status codes; all business rules live below it.
package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

// Handler implements the HTTP surface of the coupon service.
type Handler struct {
	policies *policy.Service
	resolver *policy.Resolver
	coupons  *issuance.Coordinator
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(policies *policy.Service, resolver *policy.Resolver, coupons *issuance.Coordinator) *Handler {
	return &Handler{policies: policies, resolver: resolver, coupons: coupons}
}

// Routes mounts all API routes on a fresh chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/coupon-policies", func(r chi.Router) {
		r.Get("/", h.ListPolicies)
		r.Post("/", h.CreatePolicy)
		r.Get("/applicable", h.ApplicablePolicies)
		r.Get("/{id}", h.GetPolicy)
		r.Put("/{id}", h.UpdatePolicy)
		r.Delete("/{id}", h.DeletePolicy)
	})

	r.Route("/coupons", func(r chi.Router) {
		r.Post("/", h.CreateCoupon)
		r.Get("/{id}", h.GetCoupon)
		r.Put("/{id}/redeem", h.RedeemCoupon)
	})

	return r
}

// errorBody is the uniform JSON error payload.
type errorBody struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorBody{Code: status, Message: message})
}

// respondDomainError maps domain errors to HTTP responses. Unrecognized
// errors become 500 and are logged with the request context.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *policy.ValidationError
	if errors.As(err, &verr) {
		fields := make(map[string]string, len(verr.Fields))
		for _, f := range verr.Fields {
			fields[f.Field] = f.Reason
		}
		respondJSON(w, http.StatusBadRequest, errorBody{
			Code:    http.StatusBadRequest,
			Message: "validation failed",
			Fields:  fields,
		})
		return
	}

	switch {
	case errors.Is(err, policy.ErrPolicyNotFound),
		errors.Is(err, issuance.ErrCouponNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrScopeConflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrInvalidEndDate),
		errors.Is(err, policy.ErrUnknownDiscountType),
		errors.Is(err, policy.ErrIneligiblePurchase):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, issuance.ErrInvalidState),
		errors.Is(err, issuance.ErrPolicyUnavailable):
		respondError(w, http.StatusConflict, err.Error())
	default:
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close() //nolint:errcheck
	return json.NewDecoder(r.Body).Decode(v)
}
