package gateway_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/greelogix/kpay/gateway"
	"github.com/greelogix/kpay/gateway/models"
)

func pendingPayment(trackID string) *models.Payment {
	return &models.Payment{
		ID:          uuid.New().String(),
		TrackID:     trackID,
		Amount:      decimal.RequireFromString("10.500"),
		Currency:    "414",
		Status:      models.PaymentStatusPending,
		RequestData: "id=&password=&action=1",
	}
}

func TestCreateOrReusePending(t *testing.T) {
	repo := gateway.NewRepository()
	ctx := context.Background()

	first, err := repo.CreateOrReusePending(ctx, pendingPayment("track-1"))
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, first.Status)

	// Same track id while pending: reuse, not duplicate.
	retry := pendingPayment("track-1")
	retry.RequestData = "id=&password=&action=1&udf1=retry"
	second, err := repo.CreateOrReusePending(ctx, retry)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "id=&password=&action=1&udf1=retry", second.RequestData)

	// Different track id: fresh record.
	other, err := repo.CreateOrReusePending(ctx, pendingPayment("track-2"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, other.ID)
}

func TestCreateOrReusePendingAssignsID(t *testing.T) {
	repo := gateway.NewRepository()

	// Callers may persist a payment before choosing an id; the store must
	// never pass an empty one to the uuid primary key.
	p := pendingPayment("track-noid")
	p.ID = ""
	created, err := repo.CreateOrReusePending(context.Background(), p)
	require.NoError(t, err)

	_, err = uuid.Parse(created.ID)
	require.NoError(t, err)
}

func TestCreateOrReusePendingConcurrent(t *testing.T) {
	repo := gateway.NewRepository()
	ctx := context.Background()

	const racers = 16
	results := make([]*models.Payment, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = repo.CreateOrReusePending(ctx, pendingPayment("race-track"))
		}(i)
	}
	wg.Wait()

	// Exactly one stored pending payment; every racer got a reference to it.
	for i := 0; i < racers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		require.Equal(t, results[0].ID, results[i].ID)
	}
}

func TestApplyVerifiedResponse(t *testing.T) {
	repo := gateway.NewRepository()
	ctx := context.Background()

	_, err := repo.CreateOrReusePending(ctx, pendingPayment("track-ok"))
	require.NoError(t, err)

	captured := models.ResponseFields{
		Status:           models.PaymentStatusSuccess,
		GatewayPaymentID: "100202512345",
		Result:           "CAPTURED",
		AuthCode:         "999999",
		Ref:              "526312345678",
		TranID:           "202512345678",
		PostDate:         "0901",
		Raw:              "result=CAPTURED&trackid=track-ok",
	}

	p, err := repo.ApplyVerifiedResponse(ctx, "track-ok", captured)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, p.Status)
	require.Equal(t, "202512345678", p.TranID)

	// Re-applying the identical terminal response is a no-op success.
	again, err := repo.ApplyVerifiedResponse(ctx, "track-ok", captured)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, again.Status)

	// A conflicting terminal outcome never reverses the transition.
	conflicting := captured
	conflicting.Status = models.PaymentStatusFailed
	conflicting.Result = "NOT CAPTURED"
	kept, err := repo.ApplyVerifiedResponse(ctx, "track-ok", conflicting)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusSuccess, kept.Status)
	require.Equal(t, "CAPTURED", kept.Result)
}

func TestApplyVerifiedResponseUnknownTrackID(t *testing.T) {
	repo := gateway.NewRepository()

	_, err := repo.ApplyVerifiedResponse(context.Background(), "never-created", models.ResponseFields{
		Status: models.PaymentStatusSuccess,
	})
	require.ErrorIs(t, err, gateway.ErrNotFound)
}

func TestApplyVerifiedResponseKeepsPendingOnAmbiguousResult(t *testing.T) {
	repo := gateway.NewRepository()
	ctx := context.Background()

	_, err := repo.CreateOrReusePending(ctx, pendingPayment("track-amb"))
	require.NoError(t, err)

	p, err := repo.ApplyVerifiedResponse(ctx, "track-amb", models.ResponseFields{
		Status: models.PaymentStatusPending,
		Result: "PROCESSING",
	})
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, p.Status)
	require.Equal(t, "PROCESSING", p.Result)
}

func TestFindByTrackIDAndTranID(t *testing.T) {
	repo := gateway.NewRepository()
	ctx := context.Background()

	_, err := repo.CreateOrReusePending(ctx, pendingPayment("track-find"))
	require.NoError(t, err)

	p, err := repo.FindByTrackID(ctx, "track-find")
	require.NoError(t, err)
	require.Equal(t, "track-find", p.TrackID)

	_, err = repo.FindByTrackID(ctx, "missing")
	require.ErrorIs(t, err, gateway.ErrNotFound)

	_, err = repo.ApplyVerifiedResponse(ctx, "track-find", models.ResponseFields{
		Status: models.PaymentStatusSuccess,
		TranID: "tran-42",
	})
	require.NoError(t, err)

	byTran, err := repo.FindByTranID(ctx, "tran-42")
	require.NoError(t, err)
	require.Equal(t, "track-find", byTran.TrackID)

	_, err = repo.FindByTranID(ctx, "")
	require.ErrorIs(t, err, gateway.ErrNotFound)
}
