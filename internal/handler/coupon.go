package handler

import (
	"net/http"
	"time"
)

type createCouponRequest struct {
	PolicyID int64 `json:"policyId"`
	UserID   int64 `json:"userId"`
}

type createCouponResponse struct {
	ID int64 `json:"id"`
}

type redeemCouponRequest struct {
	UserID int64 `json:"userId"`
}

type couponView struct {
	ID        int64      `json:"id"`
	PolicyID  int64      `json:"policyId"`
	UserID    int64      `json:"userId"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
}

// CreateCoupon issues a coupon instance for a user against a policy.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := decodeBody(r, &req); err != nil || req.PolicyID < 1 || req.UserID < 1 {
		respondError(w, http.StatusBadRequest, "policyId and userId are required")
		return
	}

	id, err := h.coupons.CreateCoupon(r.Context(), req.PolicyID, req.UserID)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, createCouponResponse{ID: id})
}

// GetCoupon returns a coupon instance with lazy expiry applied.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}

	c, err := h.coupons.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, couponView{
		ID:        c.ID,
		PolicyID:  c.PolicyID,
		UserID:    c.UserID,
		Status:    string(c.Status),
		CreatedAt: c.CreatedAt,
		ExpiresAt: c.ExpiresAt,
		UsedAt:    c.UsedAt,
	})
}

// RedeemCoupon consumes an AVAILABLE coupon exactly once.
func (h *Handler) RedeemCoupon(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}

	var req redeemCouponRequest
	if err := decodeBody(r, &req); err != nil || req.UserID < 1 {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	if err := h.coupons.Redeem(r.Context(), id, req.UserID); err != nil {
		respondDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
