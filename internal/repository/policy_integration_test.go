//go:build integration

package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buzzbook/coupon-service/internal/domain/policy"
)

func testRepository(t *testing.T) *PolicyRepository {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, RunMigrations(ctx, pool))

	return NewPolicyRepository(pool)
}

func createRangeWidePolicy(t *testing.T, repo *PolicyRepository, name string) int64 {
	t.Helper()

	now := time.Now().UTC()
	id, err := repo.Create(context.Background(), &policy.Policy{
		Name:              name,
		DiscountType:      policy.DiscountTypeAmount,
		DiscountAmount:    decimal.NewFromInt(1000),
		MaxDiscountAmount: decimal.NewFromInt(1000),
		StandardPrice:     decimal.NewFromInt(0),
		StartDate:         now,
		EndDate:           now.AddDate(0, 0, 30),
	}, policy.Scope{Kind: policy.ScopeRangeWide})
	require.NoError(t, err)
	return id
}

func TestBindUnknownPolicy(t *testing.T) {
	repo := testRepository(t)

	err := repo.Bind(context.Background(), -1, policy.Scope{Kind: policy.ScopeCategory, CategoryID: 10})
	assert.ErrorIs(t, err, policy.ErrPolicyNotFound)
}

// Two binds of different kinds racing on the same policy must serialize on
// the policy row: exactly one commits and the loser sees the conflict.
func TestBindConcurrentKindsExclusive(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		name := fmt.Sprintf("bind-race-%d-%d", time.Now().UnixNano(), round)
		id := createRangeWidePolicy(t, repo, name)

		var (
			start = make(chan struct{})
			wg    sync.WaitGroup
			errs  [2]error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			errs[0] = repo.Bind(ctx, id, policy.Scope{Kind: policy.ScopeCategory, CategoryID: 7})
		}()
		go func() {
			defer wg.Done()
			<-start
			errs[1] = repo.Bind(ctx, id, policy.Scope{Kind: policy.ScopeItem, ItemID: 7})
		}()
		close(start)
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
			} else {
				assert.ErrorIs(t, err, policy.ErrScopeConflict)
			}
		}
		assert.Equal(t, 1, winners)

		scope, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, policy.ScopeRangeWide, scope.Kind)
	}
}
