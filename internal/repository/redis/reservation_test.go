package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireshop/checkout/internal/domain"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

func setupTestStore(t *testing.T) (*ReservationStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewReservationStore(client, 48*time.Hour)
	return store, mr
}

func sampleReservation() *domain.Reservation {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Reservation{
		ID:     "0a4f3c2d-5e6b-4a1c-8d9e-0f1a2b3c4d5e",
		UserID: "user-001",
		Email:  "shopper@example.com",
		Items: []domain.ReservationItem{
			{VariantID: 101, ProductID: 11, Quantity: 2, UnitPrice: 1990, LineTotal: 3980},
		},
		TotalAmount: 3980,
		Currency:    "USD",
		CreatedAt:   now,
		ExpiresAt:   now.Add(10 * time.Minute),
	}
}

// ---------------------------------------------------------------------------
// SaveNew / Get
// ---------------------------------------------------------------------------

func TestReservationStore_SaveNew_WritesAllKeys(t *testing.T) {
	store, mr := setupTestStore(t)
	res := sampleReservation()

	require.NoError(t, store.SaveNew(context.Background(), res))

	assert.True(t, mr.Exists("reservation:"+res.ID))
	ownerID, err := mr.Get("reservation:owner:" + res.UserID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, ownerID)

	score, err := mr.ZScore("reservation:expiry", res.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(res.ExpiresAt.Unix()), score)
}

func TestReservationStore_Get_Success(t *testing.T) {
	store, _ := setupTestStore(t)
	res := sampleReservation()
	require.NoError(t, store.SaveNew(context.Background(), res))

	got, err := store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, res.UserID, got.UserID)
	assert.Equal(t, res.TotalAmount, got.TotalAmount)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(101), got.Items[0].VariantID)
}

func TestReservationStore_Get_NotFound(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReservationStore_Get_CorruptPayload(t *testing.T) {
	store, mr := setupTestStore(t)

	// A payload whose totals disagree must be rejected, not returned.
	res := sampleReservation()
	res.TotalAmount = 1
	data, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, mr.Set("reservation:"+res.ID, string(data)))

	_, err = store.Get(context.Background(), res.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt reservation payload")
}

// ---------------------------------------------------------------------------
// Save / Delete / SetOwner
// ---------------------------------------------------------------------------

func TestReservationStore_Save_PreservesTTL(t *testing.T) {
	store, mr := setupTestStore(t)
	res := sampleReservation()
	require.NoError(t, store.SaveNew(context.Background(), res))

	before := mr.TTL("reservation:" + res.ID)
	require.Positive(t, before)

	res.PaymentIntentID = "pi_123"
	require.NoError(t, store.Save(context.Background(), res))

	got, err := store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", got.PaymentIntentID)
	assert.Equal(t, before, mr.TTL("reservation:"+res.ID))
}

func TestReservationStore_Delete_RemovesAllKeys(t *testing.T) {
	store, mr := setupTestStore(t)
	res := sampleReservation()
	require.NoError(t, store.SaveNew(context.Background(), res))
	require.NoError(t, store.AddAbandoned(context.Background(), res.ID))

	require.NoError(t, store.Delete(context.Background(), res))

	assert.False(t, mr.Exists("reservation:"+res.ID))
	assert.False(t, mr.Exists("reservation:owner:"+res.UserID))
	_, err := mr.ZScore("reservation:expiry", res.ID)
	assert.Error(t, err)
}

func TestReservationStore_SetOwner_RepointsIndex(t *testing.T) {
	store, mr := setupTestStore(t)
	res := sampleReservation()
	res.UserID = domain.NewGuestID()
	require.NoError(t, store.SaveNew(context.Background(), res))

	require.NoError(t, store.SetOwner(context.Background(), res.ID, res.UserID, "user-42"))

	assert.False(t, mr.Exists("reservation:owner:"+res.UserID))
	id, err := store.ActiveReservationID(context.Background(), "user-42")
	require.NoError(t, err)
	assert.Equal(t, res.ID, id)
}

func TestReservationStore_ActiveReservationID_Empty(t *testing.T) {
	store, _ := setupTestStore(t)

	id, err := store.ActiveReservationID(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, id)
}

// ---------------------------------------------------------------------------
// Expiry index
// ---------------------------------------------------------------------------

func TestReservationStore_ExpiredBefore(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()

	past := sampleReservation()
	past.ID = "11111111-1111-4111-8111-111111111111"
	past.UserID = "user-past"
	past.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, store.SaveNew(ctx, past))

	future := sampleReservation()
	future.ID = "22222222-2222-4222-8222-222222222222"
	future.UserID = "user-future"
	future.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, store.SaveNew(ctx, future))

	ids, err := store.ExpiredBefore(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{past.ID}, ids)

	removed, err := store.RemoveFromExpiryIndex(ctx, past.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	ids, err = store.ExpiredBefore(ctx, now, 100)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReservationStore_RemoveFromExpiryIndex_SingleClaim(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	res := sampleReservation()
	require.NoError(t, store.SaveNew(ctx, res))

	// Only the first removal wins the claim; a racing second caller sees
	// false and must not release stock.
	removed, err := store.RemoveFromExpiryIndex(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveFromExpiryIndex(ctx, res.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestReservationStore_RequeueExpiry(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	res := sampleReservation()
	res.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.SaveNew(ctx, res))

	removed, err := store.RemoveFromExpiryIndex(ctx, res.ID)
	require.NoError(t, err)
	require.True(t, removed)

	require.NoError(t, store.RequeueExpiry(ctx, res.ID, res.ExpiresAt))

	ids, err := store.ExpiredBefore(ctx, time.Now().UTC(), 100)
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, ids)
}

// ---------------------------------------------------------------------------
// Abandoned set and notification markers
// ---------------------------------------------------------------------------

func TestReservationStore_AbandonedLifecycle(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AddAbandoned(ctx, "res-1"))
	require.NoError(t, store.AddAbandoned(ctx, "res-2"))

	ids, err := store.AbandonedCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, store.RemoveAbandoned(ctx, "res-1"))
	ids, err = store.AbandonedCandidates(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"res-2"}, ids)
}

func TestReservationStore_NotifiedMarker(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	notified, err := store.IsNotified(ctx, "res-1")
	require.NoError(t, err)
	assert.False(t, notified)

	require.NoError(t, store.MarkNotified(ctx, "res-1", time.Hour))

	notified, err = store.IsNotified(ctx, "res-1")
	require.NoError(t, err)
	assert.True(t, notified)

	// The marker expires with its TTL.
	mr.FastForward(2 * time.Hour)
	notified, err = store.IsNotified(ctx, "res-1")
	require.NoError(t, err)
	assert.False(t, notified)
}

// ---------------------------------------------------------------------------
// Recovery tokens
// ---------------------------------------------------------------------------

func TestReservationStore_RecoveryToken_SingleUse(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRecoveryToken(ctx, "tok-abc", "res-1", time.Hour))

	id, err := store.ConsumeRecoveryToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "res-1", id)

	// Second redemption fails: the token was deleted on first use.
	_, err = store.ConsumeRecoveryToken(ctx, "tok-abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReservationStore_RecoveryToken_Expires(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateRecoveryToken(ctx, "tok-abc", "res-1", time.Minute))
	mr.FastForward(2 * time.Minute)

	_, err := store.ConsumeRecoveryToken(ctx, "tok-abc")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
