package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pharmapos/internal/dto"
	"pharmapos/internal/infra"
	"pharmapos/internal/model"
	"pharmapos/internal/repository"
	"pharmapos/internal/repository/memory"
	"pharmapos/internal/worker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGateway struct {
	initErr    error
	onInitiate func()
	calls      int32
	cancels    int32
	check      func(ctx context.Context, n int) (infra.GatewayStatus, error)
}

func (g *scriptedGateway) Name() model.Gateway { return model.GatewayMPesa }

func (g *scriptedGateway) Initiate(_ context.Context, req infra.InitiateRequest) (*infra.InitiateResult, error) {
	if g.onInitiate != nil {
		g.onInitiate()
	}
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &infra.InitiateResult{Handle: "H-" + req.Reference}, nil
}

func (g *scriptedGateway) CheckStatus(ctx context.Context, _ string) (infra.GatewayStatus, error) {
	n := int(atomic.AddInt32(&g.calls, 1))
	if g.check == nil {
		return infra.GatewayPending, nil
	}
	return g.check(ctx, n)
}

func (g *scriptedGateway) Cancel(context.Context, string) error {
	atomic.AddInt32(&g.cancels, 1)
	return infra.ErrCancelNotSupported
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []worker.AlertPayload
}

func (a *alertRecorder) EnqueueAlert(_ context.Context, p worker.AlertPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, p)
	return nil
}

func (a *alertRecorder) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

type harness struct {
	svc         SettlementService
	cash        CashService
	settlements *memory.SettlementRepository
	orders      *memory.OrderRepository
	exceptions  *memory.ExceptionRepository
	poller      *worker.Poller
	gw          *scriptedGateway
	alerts      *alertRecorder
}

func newHarness(t *testing.T, gw *scriptedGateway, interval time.Duration, maxAttempts int) *harness {
	t.Helper()
	h := &harness{
		settlements: memory.NewSettlementRepository(),
		orders:      memory.NewOrderRepository(),
		exceptions:  memory.NewExceptionRepository(),
		gw:          gw,
		alerts:      &alertRecorder{},
	}
	h.cash = NewCashService(memory.NewCashRepository(), DefaultThresholds())
	gateways := infra.Gateways{model.GatewayMPesa: gw}
	p, err := worker.NewPoller(worker.PollerConfig{Interval: interval, MaxAttempts: maxAttempts, PoolSize: 16},
		h.settlements, gateways)
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(time.Second) })
	h.poller = p
	h.svc = NewSettlementService(SettlementDeps{
		Settlements:    h.settlements,
		Orders:         h.orders,
		Exceptions:     h.exceptions,
		Cash:           h.cash,
		Gateways:       gateways,
		Poller:         p,
		Alerts:         h.alerts,
		TillTenders:    []model.TenderType{model.TenderMobileMoneyA, model.TenderMobileMoneyB},
		GatewayTimeout: time.Second,
	})
	return h
}

func (h *harness) order(t *testing.T, terminal, total string) *model.Order {
	t.Helper()
	o := &model.Order{TerminalID: terminal, Total: d(total)}
	require.NoError(t, h.orders.Create(context.Background(), o))
	return o
}

func (h *harness) request(t *testing.T, o *model.Order, amount string) *dto.SettlementResponse {
	t.Helper()
	resp, err := h.svc.Request(context.Background(), dto.RequestSettlementRequest{
		OrderID: o.ID.String(), Gateway: "mpesa", TenderReference: "841234567", Amount: d(amount),
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) waitStatus(t *testing.T, id string, want model.SettlementStatus) {
	t.Helper()
	sid := uuid.MustParse(id)
	require.Eventually(t, func() bool {
		s, err := h.settlements.FindByID(context.Background(), sid)
		return err == nil && s.Status == want
	}, 3*time.Second, 5*time.Millisecond, "settlement never reached %s", want)
}

func (h *harness) waitEffects(t *testing.T, id string) {
	t.Helper()
	sid := uuid.MustParse(id)
	require.Eventually(t, func() bool {
		s, err := h.settlements.FindByID(context.Background(), sid)
		return err == nil && s.EffectsAppliedAt != nil
	}, 3*time.Second, 5*time.Millisecond)
}

func (h *harness) exceptionsOf(t *testing.T, kind model.ExceptionKind) []model.ReconciliationException {
	t.Helper()
	all, _, err := h.exceptions.List(context.Background(), "", 1, 100)
	require.NoError(t, err)
	var out []model.ReconciliationException
	for _, e := range all {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestSettlement_ConfirmedByPollerBooksTill(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{check: func(_ context.Context, n int) (infra.GatewayStatus, error) {
		if n >= 2 {
			return infra.GatewayConfirmed, nil
		}
		return infra.GatewayPending, nil
	}}
	h := newHarness(t, gw, 5*time.Millisecond, 30)
	session, err := h.cash.Open(ctx, uuid.New(), dto.OpenSessionRequest{TerminalID: "T1", OpeningFloat: d("500")})
	require.NoError(t, err)
	o := h.order(t, "T1", "350")

	resp := h.request(t, o, "350")
	assert.Equal(t, string(model.SettlementPendingConfirmation), resp.Status)
	assert.Equal(t, string(model.TenderMobileMoneyA), resp.TenderType)

	h.waitStatus(t, resp.SettlementID, model.SettlementConfirmed)
	h.waitEffects(t, resp.SettlementID)

	got, err := h.orders.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPaid())
	assert.Equal(t, 1, h.orders.PaidTransitions(o.ID))

	cur, err := h.cash.GetSession(ctx, uuid.MustParse(session.SessionID))
	require.NoError(t, err)
	assert.True(t, cur.SystemTotals.Get(model.TenderMobileMoneyA).Equal(d("350")))
	assert.True(t, cur.SystemTotals.Get(model.TenderCash).Equal(d("500")))

	status, err := h.svc.Status(ctx, uuid.MustParse(resp.SettlementID))
	require.NoError(t, err)
	require.Len(t, status.History, 2)
	assert.Equal(t, "PENDING_CONFIRMATION", status.History[0].To)
	assert.Equal(t, "CONFIRMED", status.History[1].To)
	assert.Equal(t, SourcePoller, status.History[1].Source)
}

func TestSettlement_TimesOutAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Millisecond, 3)
	o := h.order(t, "T1", "20")

	resp := h.request(t, o, "20")
	h.waitStatus(t, resp.SettlementID, model.SettlementTimedOut)

	s, _ := h.settlements.FindByID(ctx, uuid.MustParse(resp.SettlementID))
	assert.Equal(t, 3, s.Attempts)
	got, _ := h.orders.FindByID(ctx, o.ID)
	assert.False(t, got.IsPaid())
}

func TestSettlement_CancelThenLateConfirmationIsFlagged(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gw := &scriptedGateway{check: func(context.Context, int) (infra.GatewayStatus, error) {
		once.Do(func() { close(started) })
		<-release
		return infra.GatewayConfirmed, nil
	}}
	h := newHarness(t, gw, time.Millisecond, 30)
	o := h.order(t, "T1", "75")

	resp := h.request(t, o, "75")
	id := uuid.MustParse(resp.SettlementID)
	done := h.poller.Done(id)
	<-started

	cancelled, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled.Status)

	close(release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("poller did not stop")
	}

	s, _ := h.settlements.FindByID(ctx, id)
	assert.Equal(t, model.SettlementCancelled, s.Status)
	got, _ := h.orders.FindByID(ctx, o.ID)
	assert.False(t, got.IsPaid())

	late := h.exceptionsOf(t, model.ExceptionLateConfirmation)
	require.Len(t, late, 1)
	assert.Equal(t, id, late[0].SettlementID)
	assert.Equal(t, "T1", late[0].TerminalID)
	assert.Equal(t, 1, h.alerts.Len())
}

type requestResult struct {
	resp *dto.SettlementResponse
	err  error
}

// requestBlockedInInitiation starts a request whose gateway initiation waits
// on release, and returns the id of the reserved settlement row.
func requestBlockedInInitiation(t *testing.T, h *harness, o *model.Order, entered <-chan struct{}) (uuid.UUID, <-chan requestResult) {
	t.Helper()
	done := make(chan requestResult, 1)
	go func() {
		resp, err := h.svc.Request(context.Background(), dto.RequestSettlementRequest{
			OrderID: o.ID.String(), Gateway: "mpesa", TenderReference: "841234567", Amount: o.Total,
		})
		done <- requestResult{resp, err}
	}()
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("initiation never started")
	}
	inFlight, err := h.settlements.ListInFlight(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	return inFlight[0].ID, done
}

func TestSettlement_CancelDuringInitiationStillMatchesLateCallback(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &scriptedGateway{onInitiate: func() { close(entered); <-release }}
	h := newHarness(t, gw, time.Millisecond, 30)
	o := h.order(t, "T1", "60")

	id, done := requestBlockedInInitiation(t, h, o, entered)

	cancelled, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", cancelled.Status)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "CANCELLED", res.resp.Status)
	assert.False(t, h.poller.Running(id))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gw.cancels))

	stored, err := h.settlements.FindByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.Handle)
	assert.Equal(t, "H-"+gatewayReference(id), *stored.Handle)
	assert.Empty(t, h.exceptionsOf(t, model.ExceptionLateConfirmation))

	resp, err := h.svc.ApplyCallback(ctx, model.GatewayMPesa, *stored.Handle, infra.GatewayConfirmed, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", resp.Status)

	late := h.exceptionsOf(t, model.ExceptionLateConfirmation)
	require.Len(t, late, 1)
	assert.Equal(t, id, late[0].SettlementID)
	assert.True(t, late[0].Amount.Equal(d("60")))
	assert.Equal(t, 1, h.alerts.Len())
	got, _ := h.orders.FindByID(ctx, o.ID)
	assert.False(t, got.IsPaid())
}

func TestSettlement_CancelDuringInitiationFlagsConfirmedPayment(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	gw := &scriptedGateway{
		onInitiate: func() { close(entered); <-release },
		check: func(context.Context, int) (infra.GatewayStatus, error) {
			return infra.GatewayConfirmed, nil
		},
	}
	h := newHarness(t, gw, time.Millisecond, 30)
	o := h.order(t, "T1", "45")

	id, done := requestBlockedInInitiation(t, h, o, entered)
	_, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "CANCELLED", res.resp.Status)

	late := h.exceptionsOf(t, model.ExceptionLateConfirmation)
	require.Len(t, late, 1)
	assert.Equal(t, id, late[0].SettlementID)
	assert.Equal(t, 1, h.alerts.Len())
	got, _ := h.orders.FindByID(ctx, o.ID)
	assert.False(t, got.IsPaid())
}

func TestSettlement_ConfirmAndTimeoutRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	session, err := h.cash.Open(ctx, uuid.New(), dto.OpenSessionRequest{TerminalID: "T1", OpeningFloat: d("0")})
	require.NoError(t, err)
	o := h.order(t, "T1", "10")
	handle := "H1"
	sr := &model.SettlementRequest{
		OrderID: o.ID, Gateway: model.GatewayMPesa, TenderType: model.TenderMobileMoneyA,
		Amount: d("10"), Status: model.SettlementPendingConfirmation, Handle: &handle,
	}
	require.NoError(t, h.settlements.Create(ctx, sr))

	var (
		wg   sync.WaitGroup
		wins int32
	)
	for i := 0; i < 10; i++ {
		outcome := model.SettlementConfirmed
		if i%2 == 1 {
			outcome = model.SettlementTimedOut
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.svc.Settle(ctx, sr.ID, outcome, "", SourcePoller)
			assert.NoError(t, err)
			if won {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	transitions, _ := h.settlements.ListTransitions(ctx, sr.ID)
	assert.Len(t, transitions, 1)

	final, err := h.settlements.FindByID(ctx, sr.ID)
	require.NoError(t, err)
	till, err := h.cash.GetSession(ctx, uuid.MustParse(session.SessionID))
	require.NoError(t, err)
	booked := 0
	for _, m := range till.Movements {
		if m.Kind == string(model.MovementSaleSettlement) {
			booked++
		}
	}

	switch final.Status {
	case model.SettlementConfirmed:
		assert.Equal(t, 1, h.orders.PaidTransitions(o.ID))
		assert.Equal(t, 1, booked)
		assert.True(t, till.SystemTotals.Get(model.TenderMobileMoneyA).Equal(d("10")))
		assert.NotNil(t, final.EffectsAppliedAt)
	case model.SettlementTimedOut:
		assert.Equal(t, 0, h.orders.PaidTransitions(o.ID))
		assert.Equal(t, 0, booked)
		assert.True(t, till.SystemTotals.Get(model.TenderMobileMoneyA).IsZero())
		assert.Len(t, h.exceptionsOf(t, model.ExceptionLateConfirmation), 1)
	default:
		t.Fatalf("unexpected final status %s", final.Status)
	}
}

func TestSettlement_OneInFlightPerOrder(t *testing.T) {
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	o := h.order(t, "T1", "10")
	h.request(t, o, "10")

	_, err := h.svc.Request(context.Background(), dto.RequestSettlementRequest{
		OrderID: o.ID.String(), Gateway: "MPESA", TenderReference: "841234567", Amount: d("10"),
	})
	assert.ErrorIs(t, err, ErrSettlementInFlight)
}

func TestSettlement_InitiationFailureFreesOrder(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{initErr: errors.New("INS-2006: insufficient balance")}
	h := newHarness(t, gw, time.Hour, 30)
	o := h.order(t, "T1", "10")

	resp := h.request(t, o, "10")
	assert.Equal(t, "FAILED", resp.Status)
	require.NotNil(t, resp.Reason)
	assert.Contains(t, *resp.Reason, "insufficient balance")

	gw.initErr = nil
	retry := h.request(t, o, "10")
	assert.Equal(t, "PENDING_CONFIRMATION", retry.Status)
	assert.NotEqual(t, resp.SettlementID, retry.SettlementID)
	_, _ = h.svc.Cancel(ctx, uuid.MustParse(retry.SettlementID))
}

func TestSettlement_ConfirmationWithoutOpenSessionIsOrphaned(t *testing.T) {
	ctx := context.Background()
	gw := &scriptedGateway{check: func(context.Context, int) (infra.GatewayStatus, error) {
		return infra.GatewayConfirmed, nil
	}}
	h := newHarness(t, gw, time.Millisecond, 30)
	o := h.order(t, "T7", "99.90")

	resp := h.request(t, o, "99.90")
	h.waitStatus(t, resp.SettlementID, model.SettlementConfirmed)
	h.waitEffects(t, resp.SettlementID)

	got, _ := h.orders.FindByID(ctx, o.ID)
	assert.True(t, got.IsPaid())
	orphans := h.exceptionsOf(t, model.ExceptionOrphanedConfirmation)
	require.Len(t, orphans, 1)
	assert.Equal(t, "T7", orphans[0].TerminalID)
	assert.True(t, orphans[0].Amount.Equal(d("99.90")))
}

func TestSettlement_CallbackConfirmsAndStopsPoller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	_, err := h.cash.Open(ctx, uuid.New(), dto.OpenSessionRequest{TerminalID: "T1"})
	require.NoError(t, err)
	o := h.order(t, "T1", "40")

	resp := h.request(t, o, "40")
	id := uuid.MustParse(resp.SettlementID)
	s, _ := h.settlements.FindByID(ctx, id)
	require.NotNil(t, s.Handle)
	assert.True(t, h.poller.Running(id))

	out, err := h.svc.ApplyCallback(ctx, model.GatewayMPesa, *s.Handle, infra.GatewayConfirmed, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", out.Status)
	require.Eventually(t, func() bool { return !h.poller.Running(id) }, time.Second, 5*time.Millisecond)

	again, err := h.svc.ApplyCallback(ctx, model.GatewayMPesa, *s.Handle, infra.GatewayConfirmed, nil)
	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", again.Status)
	assert.Equal(t, 1, h.orders.PaidTransitions(o.ID))
	assert.Empty(t, h.exceptionsOf(t, model.ExceptionLateConfirmation))

	_, err = h.svc.ApplyCallback(ctx, model.GatewayMPesa, "unknown", infra.GatewayConfirmed, nil)
	assert.ErrorIs(t, err, ErrSettlementNotFound)
}

func TestSettlement_CancelIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	o := h.order(t, "T1", "10")
	resp := h.request(t, o, "10")
	id := uuid.MustParse(resp.SettlementID)

	first, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	second, err := h.svc.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", first.Status)
	assert.Equal(t, "CANCELLED", second.Status)

	transitions, _ := h.settlements.ListTransitions(ctx, id)
	cancels := 0
	for _, tr := range transitions {
		if tr.ToStatus == model.SettlementCancelled {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)

	_, err = h.svc.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrSettlementNotFound)
}

func TestSettlement_RequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	o := h.order(t, "T1", "10")

	_, err := h.svc.Request(ctx, dto.RequestSettlementRequest{OrderID: o.ID.String(), Gateway: "PAYPAL", Amount: d("10")})
	assert.ErrorIs(t, err, ErrUnknownGateway)

	_, err = h.svc.Request(ctx, dto.RequestSettlementRequest{OrderID: o.ID.String(), Gateway: "MPESA", Amount: d("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = h.svc.Request(ctx, dto.RequestSettlementRequest{OrderID: uuid.NewString(), Gateway: "MPESA", Amount: d("1")})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	paid := &model.Order{TerminalID: "T1", Total: d("5"), PaymentStatus: model.PaymentPaid}
	require.NoError(t, h.orders.Create(ctx, paid))
	_, err = h.svc.Request(ctx, dto.RequestSettlementRequest{OrderID: paid.ID.String(), Gateway: "MPESA", Amount: d("5")})
	assert.ErrorIs(t, err, ErrOrderAlreadyPaid)
}

func TestSettlement_ReapplyEffectsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &scriptedGateway{}, time.Hour, 30)
	_, err := h.cash.Open(ctx, uuid.New(), dto.OpenSessionRequest{TerminalID: "T1"})
	require.NoError(t, err)
	o := h.order(t, "T1", "15")
	handle := "H2"
	sr := &model.SettlementRequest{
		OrderID: o.ID, Gateway: model.GatewayMPesa, TenderType: model.TenderMobileMoneyA,
		Amount: d("15"), Status: model.SettlementPendingConfirmation, Handle: &handle,
	}
	require.NoError(t, h.settlements.Create(ctx, sr))
	// Confirmed, but the process died before effects ran.
	won, err := h.settlements.Transition(ctx, repository.TransitionInput{
		ID: sr.ID, From: model.InFlightStatuses, To: model.SettlementConfirmed, Source: SourceCallback, At: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, won)

	require.NoError(t, h.svc.ReapplyEffects(ctx, sr.ID))
	require.NoError(t, h.svc.ReapplyEffects(ctx, sr.ID))

	assert.Equal(t, 1, h.orders.PaidTransitions(o.ID))
	cur, err := h.cash.CurrentSession(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, cur.Session.SystemTotals.Get(model.TenderMobileMoneyA).Equal(d("15")))
}
