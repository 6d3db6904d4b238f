package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzbook/coupon-service/internal/domain/issuance"
	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

// --- Mock implementations ---

// memStore is an in-memory implementation of the policy, scope, and coupon
// repositories, enough to drive the real domain services under the handlers.
type memStore struct {
	policies     map[int64]*policy.Policy
	scopes       map[int64]policy.Scope
	coupons      map[int64]*issuance.Coupon
	issuanceKeys map[[2]int64]int64
	nextPolicyID int64
	nextCouponID int64
}

func newMemStore() *memStore {
	return &memStore{
		policies:     make(map[int64]*policy.Policy),
		scopes:       make(map[int64]policy.Scope),
		coupons:      make(map[int64]*issuance.Coupon),
		issuanceKeys: make(map[[2]int64]int64),
	}
}

func (s *memStore) Create(_ context.Context, p *policy.Policy, scope policy.Scope) (int64, error) {
	s.nextPolicyID++
	cp := *p
	cp.ID = s.nextPolicyID
	s.policies[cp.ID] = &cp
	if !scope.RangeWide() {
		s.scopes[cp.ID] = scope
	}
	return cp.ID, nil
}

func (s *memStore) GetByID(_ context.Context, id int64) (*policy.Policy, error) {
	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrPolicyNotFound
	}
	return p, nil
}

func (s *memStore) GetByName(_ context.Context, name string) (*policy.Policy, error) {
	for _, p := range s.policies {
		if p.Name == name && !p.Deleted {
			return p, nil
		}
	}
	return nil, policy.ErrPolicyNotFound
}

func (s *memStore) List(_ context.Context, offset, limit int) ([]policy.Policy, error) {
	out := make([]policy.Policy, 0, len(s.policies))
	for id := int64(1); id <= s.nextPolicyID; id++ {
		if p, ok := s.policies[id]; ok {
			out = append(out, *p)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	if end := offset + limit; end < len(out) {
		out = out[offset:end]
	} else {
		out = out[offset:]
	}
	return out, nil
}

func (s *memStore) UpdateEndDate(_ context.Context, id int64, endDate time.Time) error {
	p, ok := s.policies[id]
	if !ok || p.Deleted {
		return policy.ErrPolicyNotFound
	}
	p.EndDate = endDate
	return nil
}

func (s *memStore) SoftDelete(_ context.Context, id int64) error {
	p, ok := s.policies[id]
	if !ok || p.Deleted {
		return policy.ErrPolicyNotFound
	}
	p.Deleted = true
	return nil
}

func (s *memStore) Bind(_ context.Context, policyID int64, scope policy.Scope) error {
	if _, ok := s.scopes[policyID]; ok {
		return policy.ErrScopeConflict
	}
	s.scopes[policyID] = scope
	return nil
}

func (s *memStore) Get(_ context.Context, policyID int64) (policy.Scope, error) {
	return s.scopes[policyID], nil
}

func (s *memStore) FindCandidates(_ context.Context, itemID, categoryID int64) ([]policy.Applicable, error) {
	var out []policy.Applicable
	for id := int64(1); id <= s.nextPolicyID; id++ {
		p, ok := s.policies[id]
		if !ok || p.Deleted {
			continue
		}
		scope, bound := s.scopes[id]
		switch {
		case !bound:
			out = append(out, policy.Applicable{Policy: *p, Specificity: policy.SpecificityRangeWide})
		case scope.Kind == policy.ScopeItem && scope.ItemID == itemID:
			out = append(out, policy.Applicable{Policy: *p, Specificity: policy.SpecificityItem})
		case scope.Kind == policy.ScopeCategory && scope.CategoryID == categoryID:
			out = append(out, policy.Applicable{Policy: *p, Specificity: policy.SpecificityCategory})
		}
	}
	return out, nil
}

func (s *memStore) ExistsByCategory(_ context.Context, categoryID int64) (bool, error) {
	for _, scope := range s.scopes {
		if scope.Kind == policy.ScopeCategory && scope.CategoryID == categoryID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) Insert(_ context.Context, c *issuance.Coupon) (int64, error) {
	s.nextCouponID++
	cp := *c
	cp.ID = s.nextCouponID
	s.coupons[cp.ID] = &cp
	return cp.ID, nil
}

func (s *memStore) InsertIdempotent(ctx context.Context, c *issuance.Coupon) (int64, error) {
	key := [2]int64{c.PolicyID, c.UserID}
	if _, taken := s.issuanceKeys[key]; taken {
		return 0, issuance.ErrAlreadyIssued
	}
	id, err := s.Insert(ctx, c)
	if err != nil {
		return 0, err
	}
	s.issuanceKeys[key] = id
	return id, nil
}

func (s *memStore) GetCouponByID(_ context.Context, id int64) (*issuance.Coupon, error) {
	c, ok := s.coupons[id]
	if !ok {
		return nil, issuance.ErrCouponNotFound
	}
	return c, nil
}

func (s *memStore) FindByPolicyAndUser(_ context.Context, policyID, userID int64) (*issuance.Coupon, error) {
	id, ok := s.issuanceKeys[[2]int64{policyID, userID}]
	if !ok {
		return nil, issuance.ErrCouponNotFound
	}
	return s.coupons[id], nil
}

func (s *memStore) MarkUsed(_ context.Context, id int64, usedAt time.Time) (bool, error) {
	c, ok := s.coupons[id]
	if !ok || c.Status != issuance.StatusAvailable {
		return false, nil
	}
	c.Status = issuance.StatusUsed
	c.UsedAt = &usedAt
	return true, nil
}

func (s *memStore) MarkExpired(_ context.Context, id int64) error {
	c, ok := s.coupons[id]
	if !ok {
		return issuance.ErrCouponNotFound
	}
	if c.Status == issuance.StatusAvailable {
		c.Status = issuance.StatusExpired
	}
	return nil
}

// couponStore adapts memStore to issuance.Repository, whose GetByID collides
// with the policy repository method of the same name.
type couponStore struct{ *memStore }

func (s couponStore) GetByID(ctx context.Context, id int64) (*issuance.Coupon, error) {
	return s.GetCouponByID(ctx, id)
}

type nopTx struct{}

func (nopTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- Helpers ---

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()

	store := newMemStore()
	h := NewHandler(
		policy.NewService(store),
		policy.NewResolver(store, store),
		issuance.NewCoordinator(store, couponStore{store}, nopTx{}),
	)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func ratePolicyBody() map[string]any {
	return map[string]any{
		"name":              "spring promo",
		"discountType":      "rate",
		"discountRate":      0.2,
		"maxDiscountAmount": 10000,
		"period":            30,
	}
}

// --- Tests ---

func TestCreatePolicy(t *testing.T) {
	srv, store := newTestServer(t)

	t.Run("created", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		created := decode[createPolicyResponse](t, resp)
		assert.NotZero(t, created.ID)
		assert.Equal(t, "spring promo", created.Name)
		assert.Contains(t, store.policies, created.ID)
	})

	t.Run("validation failure lists fields", func(t *testing.T) {
		body := ratePolicyBody()
		body["name"] = ""
		body["discountRate"] = 1.5

		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", body)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)

		errResp := decode[errorBody](t, resp)
		assert.Contains(t, errResp.Fields, "name")
		assert.Contains(t, errResp.Fields, "discountRate")
	})

	t.Run("unknown discount type rejected at decode", func(t *testing.T) {
		body := ratePolicyBody()
		body["discountType"] = "percentage"

		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("scoped to category", func(t *testing.T) {
		body := ratePolicyBody()
		body["name"] = "category promo"
		body["scope"] = map[string]any{"kind": "category", "categoryId": 7}

		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		created := decode[createPolicyResponse](t, resp)
		assert.Equal(t, policy.ScopeCategory, store.scopes[created.ID].Kind)
	})
}

func TestListPolicies(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, name := range []string{"one", "two", "three"} {
		body := ratePolicyBody()
		body["name"] = name
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/?page=0&size=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	views := decode[[]policyView](t, resp)
	require.Len(t, views, 2)
	assert.Equal(t, "one", views[0].Name)
	assert.Equal(t, "two", views[1].Name)
}

func TestUpdatePolicy(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createPolicyResponse](t, resp)

	t.Run("extends end date", func(t *testing.T) {
		newEnd := time.Now().AddDate(0, 6, 0).UTC().Truncate(time.Second)
		resp := doJSON(t, http.MethodPut, srv.URL+"/coupon-policies/"+itoa(created.ID),
			map[string]any{"endDate": newEnd})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		view := decode[policyView](t, resp)
		assert.True(t, view.EndDate.Equal(newEnd))
	})

	t.Run("past end date rejected", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, srv.URL+"/coupon-policies/"+itoa(created.ID),
			map[string]any{"endDate": time.Now().AddDate(0, 0, -1)})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("unknown policy", func(t *testing.T) {
		resp := doJSON(t, http.MethodPut, srv.URL+"/coupon-policies/9999",
			map[string]any{"endDate": time.Now().AddDate(0, 6, 0)})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestGetPolicy(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createPolicyResponse](t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[policyView](t, resp)
	assert.Equal(t, created.ID, view.ID)
	assert.Equal(t, "spring promo", view.Name)
	assert.Equal(t, policy.DiscountTypeRate, view.DiscountType)
	assert.Equal(t, 30, view.Period)

	resp = doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Soft-deleted policies read as 404.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/coupon-policies/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	resp = doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeletePolicy(t *testing.T) {
	srv, store := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createPolicyResponse](t, resp)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/coupon-policies/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	assert.True(t, store.policies[created.ID].Deleted)

	// Soft-deleted: a repeat delete is 404.
	resp = doJSON(t, http.MethodDelete, srv.URL+"/coupon-policies/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestApplicablePolicies(t *testing.T) {
	srv, _ := newTestServer(t)

	create := func(name string, scope map[string]any) {
		body := ratePolicyBody()
		body["name"] = name
		if scope != nil {
			body["scope"] = scope
		}
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", body)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	create("range wide", nil)
	create("item scoped", map[string]any{"kind": "item", "itemId": 42})
	create("category scoped", map[string]any{"kind": "category", "categoryId": 7})
	create("other item", map[string]any{"kind": "item", "itemId": 43})

	t.Run("ordered most specific first", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/applicable?itemId=42&categoryId=7", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		views := decode[[]applicableView](t, resp)
		require.Len(t, views, 3)
		assert.Equal(t, "item scoped", views[0].Name)
		assert.Equal(t, "item", views[0].Specificity)
		assert.Equal(t, "category scoped", views[1].Name)
		assert.Equal(t, "range wide", views[2].Name)
	})

	t.Run("itemId required", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/coupon-policies/applicable", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		resp.Body.Close()
	})
}

func TestCouponLifecycle(t *testing.T) {
	srv, store := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[createPolicyResponse](t, resp)

	issue := func(t *testing.T) int64 {
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupons/",
			map[string]any{"policyId": created.ID, "userId": 1001})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		return decode[createCouponResponse](t, resp).ID
	}

	t.Run("issue and read", func(t *testing.T) {
		id := issue(t)

		resp := doJSON(t, http.MethodGet, srv.URL+"/coupons/"+itoa(id), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		view := decode[couponView](t, resp)
		assert.Equal(t, string(issuance.StatusAvailable), view.Status)
		assert.Equal(t, created.ID, view.PolicyID)
	})

	t.Run("redeem once", func(t *testing.T) {
		id := issue(t)

		resp := doJSON(t, http.MethodPut, srv.URL+"/coupons/"+itoa(id)+"/redeem",
			map[string]any{"userId": 1001})
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp.Body.Close()

		resp = doJSON(t, http.MethodPut, srv.URL+"/coupons/"+itoa(id)+"/redeem",
			map[string]any{"userId": 1001})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("foreign coupon reads as not found", func(t *testing.T) {
		id := issue(t)

		resp := doJSON(t, http.MethodPut, srv.URL+"/coupons/"+itoa(id)+"/redeem",
			map[string]any{"userId": 9999})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("expired coupon reads expired", func(t *testing.T) {
		id := issue(t)
		store.coupons[id].ExpiresAt = time.Now().Add(-time.Hour)

		resp := doJSON(t, http.MethodGet, srv.URL+"/coupons/"+itoa(id), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, string(issuance.StatusExpired), decode[couponView](t, resp).Status)
	})

	t.Run("issue against deleted policy conflicts", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupon-policies/", ratePolicyBody())
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		doomed := decode[createPolicyResponse](t, resp)

		resp = doJSON(t, http.MethodDelete, srv.URL+"/coupon-policies/"+itoa(doomed.ID), nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
		resp.Body.Close()

		resp = doJSON(t, http.MethodPost, srv.URL+"/coupons/",
			map[string]any{"policyId": doomed.ID, "userId": 1001})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()
	})

	t.Run("unknown policy is 404", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/coupons/",
			map[string]any{"policyId": 9999, "userId": 1001})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	})
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
