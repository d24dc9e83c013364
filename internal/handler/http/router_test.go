package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vireshop/checkout/internal/domain"
	"github.com/vireshop/checkout/internal/event"
	"github.com/vireshop/checkout/internal/notifier"
	providermock "github.com/vireshop/checkout/internal/provider/mock"
	"github.com/vireshop/checkout/internal/repository/postgres"
	redisrepo "github.com/vireshop/checkout/internal/repository/redis"
	"github.com/vireshop/checkout/internal/service"
	"github.com/vireshop/checkout/pkg/database"
	"github.com/vireshop/checkout/pkg/health"
	pkgkafka "github.com/vireshop/checkout/pkg/kafka"
)

// ---------------------------------------------------------------------------
// fixture
// ---------------------------------------------------------------------------

type apiFixture struct {
	server *httptest.Server
	mock   pgxmock.PgxPoolIface
	store  *redisrepo.ReservationStore
	mr     *miniredis.Miniredis
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mock, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := redisrepo.NewReservationStore(client, 48*time.Hour)
	idem := redisrepo.NewIdempotencyStore(client)

	kafkaCfg := pkgkafka.DefaultProducerConfig([]string{"localhost:9092"})
	producer := event.NewProducer(pkgkafka.NewProducer(kafkaCfg, logger), logger)

	orders := postgres.NewOrderRepository(mock)
	reservations := service.NewReservationService(
		mock, store, orders,
		providermock.New(), producer, logger, 10*time.Minute,
	)
	recovery := service.NewRecoveryService(
		reservations, store, orders, notifier.NewLogSender(logger), logger,
		"https://shop.example.com", time.Minute, 10,
	)
	webhooks := service.NewWebhookService(
		postgres.NewPaymentEventRepository(mock), reservations, store, logger,
	)

	router := NewRouter(RouterDeps{
		Reservations:   reservations,
		Recovery:       recovery,
		Webhooks:       webhooks,
		Stock:          postgres.NewStockRepository(mock),
		Idempotency:    idem,
		IdempotencyTTL: time.Hour,
		Health:         health.NewHandler(),
		Logger:         logger,
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &apiFixture{server: server, mock: mock, store: store, mr: mr}
}

func (f *apiFixture) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func expectReserveTx(mock pgxmock.PgxPoolIface, variantID int64, qty int) {
	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	mock.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(variantID).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "product_id", "price", "currency", "initial_stock", "reserved_stock", "max_per_customer", "updated_at"}).
				AddRow(variantID, int64(11), int64(2500), "USD", 100, 0, (*int)(nil),
					time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		)
	mock.ExpectExec("UPDATE product_variants").
		WithArgs(qty, variantID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(variantID, domain.ChangeReserve, qty).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

// ---------------------------------------------------------------------------
// checkout endpoints
// ---------------------------------------------------------------------------

func TestAPI_Reserve_Created(t *testing.T) {
	f := setupAPI(t)
	expectReserveTx(f.mock, 101, 2)

	resp, body := f.do(t, http.MethodPost, "/api/v1/checkout/reserve",
		`{"items":[{"variant_id":101,"quantity":2}],"email":"shopper@example.com"}`,
		map[string]string{"X-User-ID": "user-1"})

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, float64(5000), data["total_amount"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAPI_Reserve_ValidationError(t *testing.T) {
	f := setupAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/checkout/reserve",
		`{"items":[]}`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
}

func TestAPI_Reserve_IdempotencyReplay(t *testing.T) {
	f := setupAPI(t)
	// Only one reservation transaction is expected for two requests.
	expectReserveTx(f.mock, 101, 2)

	headers := map[string]string{
		"X-User-ID":       "user-1",
		"Idempotency-Key": "idem-123",
	}
	reqBody := `{"items":[{"variant_id":101,"quantity":2}]}`

	resp1, body1 := f.do(t, http.MethodPost, "/api/v1/checkout/reserve", reqBody, headers)
	require.Equal(t, http.StatusCreated, resp1.StatusCode)
	id1 := body1["data"].(map[string]any)["id"].(string)

	resp2, body2 := f.do(t, http.MethodPost, "/api/v1/checkout/reserve", reqBody, headers)
	require.Equal(t, http.StatusCreated, resp2.StatusCode)
	assert.Equal(t, "true", resp2.Header.Get("Idempotency-Replayed"))
	id2 := body2["data"].(map[string]any)["id"].(string)

	assert.Equal(t, id1, id2)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAPI_Reserve_InsufficientStockConflict(t *testing.T) {
	f := setupAPI(t)

	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	f.mock.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(pgxmock.NewResult("SET", 0))
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(int64(101)).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "product_id", "price", "currency", "initial_stock", "reserved_stock", "max_per_customer", "updated_at"}).
				AddRow(int64(101), int64(11), int64(2500), "USD", 1, 1, (*int)(nil),
					time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		)
	f.mock.ExpectRollback()

	resp, body := f.do(t, http.MethodPost, "/api/v1/checkout/reserve",
		`{"items":[{"variant_id":101,"quantity":1}]}`, nil)

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INSUFFICIENT_STOCK", errObj["code"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAPI_GetStatus_UnknownReportsExpired(t *testing.T) {
	f := setupAPI(t)

	f.mock.ExpectQuery("SELECT status FROM orders").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	resp, body := f.do(t, http.MethodGet, "/api/v1/checkout/missing/status", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, domain.ReservationStatusExpired, data["status"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAPI_GetReservation_ForbiddenForOtherUser(t *testing.T) {
	f := setupAPI(t)

	res := &domain.Reservation{
		ID:     "66666666-6666-4666-8666-666666666666",
		UserID: "user-1",
		Items: []domain.ReservationItem{
			{VariantID: 101, ProductID: 11, Quantity: 1, UnitPrice: 2500, LineTotal: 2500},
		},
		TotalAmount: 2500,
		Currency:    "USD",
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(10 * time.Minute),
	}
	require.NoError(t, f.store.SaveNew(context.Background(), res))

	resp, _ := f.do(t, http.MethodGet, "/api/v1/checkout/"+res.ID, "",
		map[string]string{"X-User-ID": "user-2"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/checkout/"+res.ID, "",
		map[string]string{"X-User-ID": "user-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_Cancel_UnknownIsIdempotent(t *testing.T) {
	f := setupAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/checkout/missing/cancel", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, "cancelled", data["status"])
}

// ---------------------------------------------------------------------------
// stock endpoints
// ---------------------------------------------------------------------------

func TestAPI_GetStock(t *testing.T) {
	f := setupAPI(t)

	f.mock.ExpectQuery("SELECT .+ FROM product_variants WHERE").
		WithArgs(int64(101)).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "product_id", "price", "currency", "initial_stock", "reserved_stock", "max_per_customer", "updated_at"}).
				AddRow(int64(101), int64(11), int64(2500), "USD", 100, 10, (*int)(nil),
					time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		)

	resp, body := f.do(t, http.MethodGet, "/api/v1/stock/101", "", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(90), data["available"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAPI_GetStock_BadVariantID(t *testing.T) {
	f := setupAPI(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/stock/not-a-number", "", nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_PARAMETER", errObj["code"])
}

func TestAPI_SetStock(t *testing.T) {
	f := setupAPI(t)
	limit := (*int)(nil)

	f.mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	f.mock.ExpectQuery("SELECT .+ FROM product_variants .+ FOR UPDATE").
		WithArgs(int64(101)).
		WillReturnRows(
			pgxmock.NewRows([]string{"id", "product_id", "price", "currency", "initial_stock", "reserved_stock", "max_per_customer", "updated_at"}).
				AddRow(int64(101), int64(11), int64(2500), "USD", 100, 10, limit,
					time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		)
	f.mock.ExpectQuery("UPDATE product_variants").
		WithArgs(150, int64(101)).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at"}).
			AddRow(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
	f.mock.ExpectExec("INSERT INTO inventory_log").
		WithArgs(int64(101), domain.ChangeManualUpdate, 50).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	f.mock.ExpectCommit()

	resp, body := f.do(t, http.MethodPut, "/api/v1/stock/101",
		`{"initial_stock":150}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	variant := data["variant"].(map[string]any)
	assert.Equal(t, float64(150), variant["initial_stock"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// webhook endpoint
// ---------------------------------------------------------------------------

func TestAPI_Webhook_MalformedPayloadAcknowledged(t *testing.T) {
	f := setupAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/webhooks/payment", `{not-json`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(service.OutcomeSkipped), data["outcome"])
}

func TestAPI_Webhook_UnknownTypeAcknowledged(t *testing.T) {
	f := setupAPI(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/webhooks/payment",
		`{"id":"evt_1","type":"charge.refunded","data":{"payment_intent_id":"pi_1","metadata":{"reservation_id":"res-1"}}}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(service.OutcomeSkipped), data["outcome"])
}

func TestAPI_Webhook_FailedOutcomeStillAcknowledged(t *testing.T) {
	f := setupAPI(t)

	// Even when the ledger is down, the provider gets a 200; the failed
	// outcome rides in the body.
	f.mock.ExpectExec("INSERT INTO payment_events").
		WithArgs("evt_9", domain.EventPaymentSucceeded, "res-9", domain.PaymentEventProcessing).
		WillReturnError(errors.New("ledger unavailable"))

	resp, body := f.do(t, http.MethodPost, "/api/v1/webhooks/payment",
		`{"id":"evt_9","type":"payment_intent.succeeded","data":{"payment_intent_id":"pi_1","metadata":{"reservation_id":"res-9"}}}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := body["data"].(map[string]any)
	assert.Equal(t, string(service.OutcomeFailed), data["outcome"])
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// idempotency middleware
// ---------------------------------------------------------------------------

func TestIdempotency_ReplayRestoresHeaders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := redisrepo.NewIdempotencyStore(client)

	calls := 0
	h := Idempotency(store, time.Hour, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Location", "/api/v1/checkout/res-1")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"res-1"}}`))
	}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/reserve", nil)
		req.Header.Set(HeaderIdempotencyKey, "idem-1")
		return req
	}

	first := httptest.NewRecorder()
	h.ServeHTTP(first, newReq())
	require.Equal(t, http.StatusCreated, first.Code)

	replay := httptest.NewRecorder()
	h.ServeHTTP(replay, newReq())

	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "/api/v1/checkout/res-1", replay.Header().Get("Location"))
	assert.Equal(t, "true", replay.Header().Get("Idempotency-Replayed"))
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
}

// ---------------------------------------------------------------------------
// health
// ---------------------------------------------------------------------------

func TestAPI_HealthLive(t *testing.T) {
	f := setupAPI(t)

	resp, _ := f.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
