//go:build integration

package router_test

// End-to-end tests against real Postgres and Redis via testcontainers.
// Run with: go test -tags integration ./internal/router/... -v

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pharmapos/internal/config"
	"pharmapos/internal/infra"
	"pharmapos/internal/middleware"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"
	"pharmapos/internal/router"
	"pharmapos/internal/service"
	"pharmapos/internal/worker"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"gorm.io/gorm"
)

const jwtSecret = "e2e-secret"

// confirmingGateway reports PENDING once, then CONFIRMED.
type confirmingGateway struct{ polls int32 }

func (g *confirmingGateway) Name() model.Gateway { return model.GatewayMPesa }

func (g *confirmingGateway) Initiate(_ context.Context, req infra.InitiateRequest) (*infra.InitiateResult, error) {
	return &infra.InitiateResult{Handle: "CONV-" + req.Reference}, nil
}

func (g *confirmingGateway) CheckStatus(context.Context, string) (infra.GatewayStatus, error) {
	if atomic.AddInt32(&g.polls, 1) < 2 {
		return infra.GatewayPending, nil
	}
	return infra.GatewayConfirmed, nil
}

func (g *confirmingGateway) Cancel(context.Context, string) error { return infra.ErrCancelNotSupported }

type testEnv struct {
	server *httptest.Server
	db     *gorm.DB
	rdb    *redis.Client
	token  string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcPostgres.WithDatabase("pharmapos_test"),
		tcPostgres.WithUsername("pharmapos"),
		tcPostgres.WithPassword("pharmapos"),
		tcPostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })
	pgURL, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	rdC, err := tcRedis.RunContainer(ctx, testcontainers.WithImage("redis:7-alpine"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })
	rdURL, err := rdC.ConnectionString(ctx)
	require.NoError(t, err)

	cfg := &config.Config{Env: "test", JWTSecret: jwtSecret}

	db, err := infra.NewDatabase(pgURL)
	require.NoError(t, err)
	rdb, err := infra.NewRedis(rdURL)
	require.NoError(t, err)

	gateways := infra.Gateways{model.GatewayMPesa: infra.Guard(&confirmingGateway{}, infra.DefaultCBConfig())}
	settlementRepo := repository.NewSettlementRepository(db)
	poller, err := worker.NewPoller(worker.PollerConfig{Interval: 20 * time.Millisecond, MaxAttempts: 10, PoolSize: 8},
		settlementRepo, gateways)
	require.NoError(t, err)
	t.Cleanup(func() { poller.Shutdown(time.Second) })

	cash := service.NewCashService(repository.NewCashRepository(db), service.DefaultThresholds())
	settle := service.NewSettlementService(service.SettlementDeps{
		Settlements: settlementRepo,
		Orders:      repository.NewOrderRepository(db),
		Exceptions:  repository.NewExceptionRepository(db),
		Cash:        cash,
		Gateways:    gateways,
		Poller:      poller,
		Alerts:      worker.NewDispatcher(rdb),
		TillTenders: []model.TenderType{model.TenderMobileMoneyA},
	})

	engine := router.New(cfg, router.Deps{
		DB: db, Redis: rdb, Gateways: gateways,
		Cash: cash, Settlements: settle, Exceptions: service.NewExceptionService(repository.NewExceptionRepository(db)),
	})
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)

	claims := middleware.JWTClaims{
		UserID: uuid.NewString(),
		Role:   middleware.RoleSupervisor,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	return &testEnv{server: srv, db: db, rdb: rdb, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.token)
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestE2E_ShiftWithMobileMoneySettlement(t *testing.T) {
	env := setupTestEnv(t)

	code, session := env.do(t, http.MethodPost, "/v1/cash/sessions", map[string]any{"terminal_id": "T1", "opening_float": "500"})
	require.Equal(t, http.StatusCreated, code, session)
	sessionID := session["session_id"].(string)

	code, _ = env.do(t, http.MethodPost, "/v1/cash/sessions/"+sessionID+"/movements",
		map[string]any{"kind": "REINFORCEMENT", "tender_type": "CASH", "amount": "200", "reason": "float top-up"})
	require.Equal(t, http.StatusCreated, code)

	order := &model.Order{ID: uuid.New(), TerminalID: "T1", Total: decimal.NewFromInt(350)}
	require.NoError(t, env.db.Create(order).Error)

	code, settlement := env.do(t, http.MethodPost, "/v1/settlements",
		map[string]any{"order_id": order.ID.String(), "gateway": "MPESA", "tender_reference": "841234567", "amount": "350"})
	require.Equal(t, http.StatusAccepted, code, settlement)
	assert.Equal(t, "PENDING_CONFIRMATION", settlement["status"])
	settlementID := settlement["settlement_id"].(string)

	require.Eventually(t, func() bool {
		_, s := env.do(t, http.MethodGet, "/v1/settlements/"+settlementID, nil)
		return s["status"] == "CONFIRMED"
	}, 10*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		var o model.Order
		return env.db.First(&o, "id = ?", order.ID).Error == nil && o.IsPaid()
	}, 5*time.Second, 50*time.Millisecond)

	code, report := env.do(t, http.MethodPost, "/v1/cash/sessions/"+sessionID+"/close",
		map[string]any{"declared_totals": map[string]string{"CASH": "700", "MOBILE_MONEY_A": "350"}})
	require.Equal(t, http.StatusOK, code, report)
	assert.Equal(t, "BALANCED", report["classification"])
	assert.Equal(t, "0", report["variance"])

	code, audit := env.do(t, http.MethodGet, "/v1/cash/sessions/"+sessionID+"/audit", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, audit["consistent"])
}

func TestE2E_ConcurrentOpensOneWinner(t *testing.T) {
	env := setupTestEnv(t)

	var (
		wg      sync.WaitGroup
		created int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := env.do(t, http.MethodPost, "/v1/cash/sessions", map[string]any{"terminal_id": "T2", "opening_float": "0"})
			if code == http.StatusCreated {
				atomic.AddInt32(&created, 1)
			} else {
				assert.Equal(t, http.StatusConflict, code)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func TestE2E_OrphanedConfirmationRaisesAlert(t *testing.T) {
	env := setupTestEnv(t)

	order := &model.Order{ID: uuid.New(), TerminalID: "T-NO-SESSION", Total: decimal.NewFromInt(40)}
	require.NoError(t, env.db.Create(order).Error)
	code, settlement := env.do(t, http.MethodPost, "/v1/settlements",
		map[string]any{"order_id": order.ID.String(), "gateway": "MPESA", "tender_reference": "841234567", "amount": "40"})
	require.Equal(t, http.StatusAccepted, code, settlement)

	require.Eventually(t, func() bool {
		_, list := env.do(t, http.MethodGet, "/v1/reconciliation-exceptions?status=OPEN", nil)
		data, _ := list["data"].([]any)
		return len(data) == 1
	}, 10*time.Second, 50*time.Millisecond)

	n, err := env.rdb.LLen(context.Background(), worker.QueueAlerts).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// A mailer that keeps failing parks the alert with its settlement attached.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool := worker.NewPool(env.rdb)
	pool.Handle(worker.JobTypeAlert, func(context.Context, json.RawMessage) error { return errors.New("smtp down") })
	pool.Start(ctx, 1)

	var parked []any
	require.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/v1/reconciliation-exceptions/parked-alerts", nil)
		parked, _ = body["data"].([]any)
		return len(parked) == 1
	}, 15*time.Second, 100*time.Millisecond)
	entry := parked[0].(map[string]any)
	assert.Equal(t, settlement["settlement_id"], entry["settlement_id"])
	assert.Equal(t, string(model.ExceptionOrphanedConfirmation), entry["exception_kind"])
	assert.EqualValues(t, 3, entry["attempts"])
}

func TestE2E_Health(t *testing.T) {
	env := setupTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "connected", body["db"])
	assert.Equal(t, "connected", body["redis"])
	assert.Equal(t, map[string]any{"MPESA": "closed"}, body["gateways"])
	assert.EqualValues(t, 0, body["alerts_dlq"])
}
