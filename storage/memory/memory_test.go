package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kitchen-alchemy/functions/pkg/billing"
)

func seed(t *testing.T, s *Storage, users ...*billing.User) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.PutUser(context.Background(), u))
	}
}

func TestMemory_GetUser(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	seed(t, s, &billing.User{ID: "u1", Email: "a@x.com", SubscriptionStatus: billing.StatusFree})

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)

	// Returned records are copies
	user.Email = "changed@x.com"
	again, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", again.Email)
}

func TestMemory_PutUserRejectsInvalid(t *testing.T) {
	s := New()
	assert.Error(t, s.PutUser(context.Background(), nil))
	assert.Error(t, s.PutUser(context.Background(), &billing.User{}))
}

func TestMemory_FindUserByEmail_FirstByID(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s,
		&billing.User{ID: "u2", Email: "dup@x.com"},
		&billing.User{ID: "u1", Email: "dup@x.com"},
		&billing.User{ID: "u3", Email: "other@x.com"},
	)

	user, err := s.FindUserByEmail(ctx, "dup@x.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	_, err = s.FindUserByEmail(ctx, "nobody@x.com")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	_, err = s.FindUserByEmail(ctx, "")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestMemory_FindUserByCustomerID(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s,
		&billing.User{ID: "u1", StripeCustomerID: "cus_1"},
		&billing.User{ID: "u2", LemonSqueezyCustomerID: "cus_1"},
	)

	user, err := s.FindUserByCustomerID(ctx, billing.ProviderStripe, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)

	user, err = s.FindUserByCustomerID(ctx, billing.ProviderLemonSqueezy, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u2", user.ID)

	_, err = s.FindUserByCustomerID(ctx, billing.ProviderStripe, "cus_2")
	assert.ErrorIs(t, err, billing.ErrUserNotFound)
}

func TestMemory_UpdateUser_MergesPatch(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, &billing.User{ID: "u1", Email: "a@x.com", SubscriptionStatus: billing.StatusFree})

	status := billing.StatusActive
	customer := "cus_1"
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	updated, err := s.UpdateUser(ctx, "u1", func(current *billing.User) (*billing.Patch, error) {
		assert.Equal(t, billing.StatusFree, current.SubscriptionStatus)
		return &billing.Patch{
			Provider:   billing.ProviderStripe,
			Status:     &status,
			CustomerID: &customer,
			UpgradedAt: &at,
		}, nil
	})
	require.NoError(t, err)

	assert.Equal(t, "a@x.com", updated.Email, "unrelated fields must survive")
	assert.Equal(t, billing.StatusActive, updated.SubscriptionStatus)
	assert.True(t, updated.IsPremium)
	assert.Equal(t, "cus_1", updated.StripeCustomerID)
	require.NotNil(t, updated.UpgradedAt)
	assert.True(t, at.Equal(*updated.UpgradedAt))
	assert.Equal(t, 1, s.Writes())
}

func TestMemory_UpdateUser_NilPatchWritesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, &billing.User{ID: "u1"})

	_, err := s.UpdateUser(ctx, "u1", func(*billing.User) (*billing.Patch, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, 0, s.Writes())
}

func TestMemory_UpdateUser_Errors(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.UpdateUser(ctx, "missing", func(*billing.User) (*billing.Patch, error) { return nil, nil })
	assert.ErrorIs(t, err, billing.ErrUserNotFound)

	seed(t, s, &billing.User{ID: "u1"})
	boom := errors.New("boom")
	_, err = s.UpdateUser(ctx, "u1", func(*billing.User) (*billing.Patch, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestMemory_UpdateUser_Concurrent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seed(t, s, &billing.User{ID: "u1"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := billing.StatusFree
			if i%2 == 0 {
				status = billing.StatusPremium
			}
			_, err := s.UpdateUser(ctx, "u1", func(*billing.User) (*billing.Patch, error) {
				return &billing.Patch{Status: &status}, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	user, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, billing.IsPremiumStatus(user.SubscriptionStatus), user.IsPremium)
	assert.Equal(t, 50, s.Writes())
}

func TestMemory_EventLog(t *testing.T) {
	s := New()
	ctx := context.Background()

	seen, err := s.Seen(ctx, billing.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, s.MarkSeen(ctx, billing.ProviderStripe, "evt_1"))

	seen, err = s.Seen(ctx, billing.ProviderStripe, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = s.Seen(ctx, billing.ProviderLemonSqueezy, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen, "event ids are scoped per provider")
}
