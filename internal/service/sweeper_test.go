package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireshop/checkout/internal/domain"
	apperrors "github.com/vireshop/checkout/pkg/errors"
)

func newSweeper(f *serviceFixture) *Sweeper {
	return NewSweeper(f.svc, f.store, testLogger(), time.Second, 10)
}

func expectExpiredRelease(f *serviceFixture, variantID int64, qty int) {
	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	expectLockTimeout(f.mock)
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(variantID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "product_id", "initial_stock", "reserved_stock"}).
			AddRow(variantID, int64(11), 100, qty))
	f.mock.ExpectExec("UPDATE product_variants").
		WithArgs(qty, variantID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	f.mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(variantID, domain.ChangeReleaseExpired, -qty).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()
}

func TestSweeper_ReleasesExpiredHold(t *testing.T) {
	f := setupService(t)
	res := seedReservation(t, f, "user-1", -time.Minute)

	expectExpiredRelease(f, 101, 2)

	released, err := newSweeper(f).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	// The payload is retained for recovery, but the expiry index entry is
	// gone and the reservation is queued as abandoned.
	_, err = f.store.Get(context.Background(), res.ID)
	require.NoError(t, err)

	ids, err := f.store.ExpiredBefore(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	abandoned, err := f.store.AbandonedCandidates(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{res.ID}, abandoned)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCancel_AfterSweepOnlyDropsPayload(t *testing.T) {
	f := setupService(t)
	res := seedReservation(t, f, "user-1", -time.Minute)

	expectExpiredRelease(f, 101, 2)

	released, err := newSweeper(f).SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, released)

	// The sweeper already put the stock back; a late cancellation must not
	// release a second time. No further transaction is expected.
	require.NoError(t, f.svc.Cancel(context.Background(), "user-1", res.ID))

	_, err = f.store.Get(context.Background(), res.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSweeper_SkipsUnexpired(t *testing.T) {
	f := setupService(t)
	seedReservation(t, f, "user-1", time.Hour)

	released, err := newSweeper(f).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, released)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSweeper_DropsVanishedPayloadFromIndex(t *testing.T) {
	f := setupService(t)
	res := seedReservation(t, f, "user-1", -time.Minute)

	// Simulate payload TTL eviction while the index entry survives.
	f.mr.Del("reservation:" + res.ID)

	released, err := newSweeper(f).SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	ids, err := f.store.ExpiredBefore(context.Background(), time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
