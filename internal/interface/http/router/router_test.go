package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatzorin/escrow-settlement/internal/auth"
	"github.com/ignatzorin/escrow-settlement/internal/config"
	"github.com/ignatzorin/escrow-settlement/internal/domain/valueobject"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/ledger"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/lock"
	"github.com/ignatzorin/escrow-settlement/internal/infrastructure/memory"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/dto"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/handler"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/response"
	"github.com/ignatzorin/escrow-settlement/internal/interface/http/router"
	"github.com/ignatzorin/escrow-settlement/internal/logger"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/booking"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/collaboration"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/escrow"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/stage"
	"github.com/ignatzorin/escrow-settlement/internal/usecase/timeline"
	"github.com/ignatzorin/escrow-settlement/internal/ws"
)

const freelancerAddr = "freelancer-payout-addr"

type testApp struct {
	engine   *gin.Engine
	tokens   *auth.TokenManager
	sim      *ledger.Simulator
	bookings *booking.Manager
	hub      *ws.Hub

	client     uuid.UUID
	freelancer uuid.UUID
}

type envelope struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
}

func newTestApp(t *testing.T, checks map[string]handler.Checker) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger.Silence()

	store := memory.NewStore()
	locker := lock.NewLocal()
	sim := ledger.NewSimulator()
	hub := ws.NewHub()

	recorder := timeline.NewRecorder(store, locker)
	recorder.SetNotifier(ws.NewTimelineNotifier(hub))
	gate := collaboration.NewGate(store)
	escrowMgr := escrow.NewManager(store, locker, sim, escrow.Config{
		LedgerTimeout: time.Second,
		RetryBase:     time.Millisecond,
	}, nil)
	stageLedger := stage.NewLedger(store, locker, escrowMgr, recorder, stage.Config{})
	bookingMgr := booking.NewManager(store, locker, escrowMgr, stageLedger, recorder, gate, booking.Config{
		DefaultTemplate: valueobject.TemplateFromPercentages([]int64{30, 50, 20}),
	})
	escrowMgr.SetFundingConfirmer(bookingMgr)
	escrowMgr.SetReleaseListener(stageLedger)
	escrowMgr.SetRefundListener(bookingMgr)
	stageLedger.SetCompleter(bookingMgr)

	cfg := &config.Config{
		Env:             "test",
		AllowedOrigins:  []string{"http://localhost:3000"},
		RateLimitLimit:  100,
		RateLimitPeriod: time.Minute,
	}
	tokens := auth.NewTokenManager("router-test-secret", time.Hour)
	if checks == nil {
		checks = map[string]handler.Checker{}
	}

	engine := router.SetupRouter(cfg, router.Handlers{
		Booking: handler.NewBookingHandler(bookingMgr, escrowMgr, recorder),
		Stage:   handler.NewStageHandler(stageLedger),
		Chat:    handler.NewChatHandler(gate),
		Health:  handler.NewHealthHandler(checks),
		WS:      handler.NewWSHandler(hub, tokens, cfg.AllowedOrigins),
		Dev:     handler.NewDevHandler(escrowMgr, sim),
	}, tokens, prometheus.NewRegistry())

	return &testApp{
		engine:     engine,
		tokens:     tokens,
		sim:        sim,
		bookings:   bookingMgr,
		hub:        hub,
		client:     uuid.New(),
		freelancer: uuid.New(),
	}
}

func (a *testApp) token(t *testing.T, userID uuid.UUID) string {
	t.Helper()
	token, err := a.tokens.IssueAccess(userID, "user")
	require.NoError(t, err)
	return token
}

// do выполняет запрос от имени пользователя. uuid.Nil означает анонимный запрос.
func (a *testApp) do(t *testing.T, userID uuid.UUID, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("Authorization", "Bearer "+a.token(t, userID))
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func (a *testApp) createBooking(t *testing.T, amount int64) dto.BookingDetailsResponse {
	t.Helper()
	w, env := a.do(t, a.client, http.MethodPost, "/api/bookings", gin.H{
		"freelancer_id":      a.freelancer,
		"service_id":         uuid.New(),
		"package_id":         uuid.New(),
		"amount":             amount,
		"requirements":       "лендинг",
		"delivery_deadline":  time.Now().Add(7 * 24 * time.Hour).Format(time.RFC3339),
		"client_address":     "client-refund-addr",
		"freelancer_address": freelancerAddr,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var details dto.BookingDetailsResponse
	require.NoError(t, json.Unmarshal(env.Data, &details))
	return details
}

func (a *testApp) fund(t *testing.T, bookingID uuid.UUID, amount int64) {
	t.Helper()
	w, _ := a.do(t, a.client, http.MethodPost, "/api/dev/bookings/"+bookingID.String()+"/deposit", gin.H{"amount": amount})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := a.do(t, a.client, http.MethodPost, "/api/bookings/"+bookingID.String()+"/funding/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status dto.FundingStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	require.True(t, status.Funded)
}

func (a *testApp) getBooking(t *testing.T, bookingID uuid.UUID) dto.BookingDetailsResponse {
	t.Helper()
	w, env := a.do(t, a.client, http.MethodGet, "/api/bookings/"+bookingID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var details dto.BookingDetailsResponse
	require.NoError(t, json.Unmarshal(env.Data, &details))
	return details
}

func (a *testApp) transition(t *testing.T, userID, stageID uuid.UUID, status string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	return a.do(t, userID, http.MethodPost, "/api/stages/"+stageID.String()+"/transition", gin.H{"status": status})
}

func (a *testApp) canCommunicate(t *testing.T, from, with uuid.UUID) bool {
	t.Helper()
	w, env := a.do(t, from, http.MethodGet, "/api/chat/can-communicate?with="+with.String(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Allowed bool `json:"allowed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out.Allowed
}

func TestRouter_Health(t *testing.T) {
	app := newTestApp(t, map[string]handler.Checker{
		"ledger": func(context.Context) error { return nil },
	})
	w, _ := app.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var health handler.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["ledger"])

	broken := newTestApp(t, map[string]handler.Checker{
		"database": func(context.Context) error { return errors.New("connection refused") },
	})
	w, _ = broken.do(t, uuid.Nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRouter_Metrics(t *testing.T) {
	app := newTestApp(t, nil)
	w, _ := app.do(t, uuid.Nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_RequiresAuthentication(t *testing.T) {
	app := newTestApp(t, nil)

	w, env := app.do(t, uuid.Nil, http.MethodPost, "/api/bookings", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/bookings", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	app.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_RejectsMalformedInput(t *testing.T) {
	app := newTestApp(t, nil)

	w, env := app.do(t, app.client, http.MethodGet, "/api/bookings/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, _ = app.do(t, app.client, http.MethodPost, "/api/bookings", "{broken")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = app.do(t, app.client, http.MethodPost, "/api/bookings", gin.H{
		"freelancer_id":      app.freelancer,
		"service_id":         uuid.New(),
		"package_id":         uuid.New(),
		"amount":             1000,
		"delivery_deadline":  "завтра",
		"client_address":     "a",
		"freelancer_address": "b",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", env.Error.Code)

	w, _ = app.do(t, app.client, http.MethodGet, "/api/bookings/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = app.do(t, app.client, http.MethodGet, "/api/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_CreateAndFundBooking(t *testing.T) {
	app := newTestApp(t, nil)

	created := app.createBooking(t, 1_000_000)
	bookingID := created.Booking.ID
	assert.Equal(t, app.client, created.Booking.ClientID)
	assert.Equal(t, "pending", created.Booking.Status)
	assert.Equal(t, "0.01", created.Booking.AmountTokens)
	assert.Empty(t, created.Stages)
	assert.Equal(t, "sim-deposit-"+bookingID.String(), created.Escrow.DepositAccount)
	assert.False(t, created.Escrow.Funded)

	// Посторонний пользователь не видит бронирование.
	w, env := app.do(t, uuid.New(), http.MethodGet, "/api/bookings/"+bookingID.String(), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	// До оплаты бронирование остаётся pending.
	w, env = app.do(t, app.client, http.MethodPost, "/api/bookings/"+bookingID.String()+"/funding/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status dto.FundingStatusResponse
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.False(t, status.Funded)
	assert.False(t, app.canCommunicate(t, app.client, app.freelancer))

	app.fund(t, bookingID, 1_000_000)

	details := app.getBooking(t, bookingID)
	assert.Equal(t, "active", details.Booking.Status)
	assert.True(t, details.Escrow.Funded)
	require.Len(t, details.Stages, 3)
	assert.Equal(t, []int64{300_000, 500_000, 200_000}, []int64{
		details.Stages[0].Amount, details.Stages[1].Amount, details.Stages[2].Amount,
	})
	require.NotNil(t, details.Booking.CurrentStageID)
	assert.Equal(t, details.Stages[0].ID, *details.Booking.CurrentStageID)

	assert.True(t, app.canCommunicate(t, app.client, app.freelancer))
	assert.True(t, app.canCommunicate(t, app.freelancer, app.client))

	w, _ = app.do(t, app.client, http.MethodPost, "/api/chat/authorize", gin.H{"recipient_id": app.freelancer})
	assert.Equal(t, http.StatusNoContent, w.Code)
	w, env = app.do(t, uuid.New(), http.MethodPost, "/api/chat/authorize", gin.H{"recipient_id": app.freelancer})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	w, env = app.do(t, app.freelancer, http.MethodGet, "/api/bookings?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data       []dto.BookingResponse `json:"data"`
		Pagination response.Pagination   `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, bookingID, page.Data[0].ID)
	assert.Equal(t, 1, page.Pagination.Total)
}

func TestRouter_StageLifecycleCompletesBooking(t *testing.T) {
	app := newTestApp(t, nil)
	bookingID := app.createBooking(t, 1_000_000).Booking.ID
	app.fund(t, bookingID, 1_000_000)
	stages := app.getBooking(t, bookingID).Stages
	first := stages[0].ID

	// Клиент не может начинать работу за исполнителя.
	w, env := app.transition(t, app.client, first, "in_progress")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	w, _ = app.transition(t, app.freelancer, first, "in_progress")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Второй этап нельзя начать, пока первый в работе.
	w, env = app.transition(t, app.freelancer, stages[1].ID, "in_progress")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATUS", env.Error.Code)

	w, _ = app.transition(t, app.freelancer, first, "submitted")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = app.transition(t, app.client, first, "released")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STAGE_NOT_APPROVED", env.Error.Code)
	assert.Equal(t, 0, app.sim.TransferCount())

	w, env = app.transition(t, app.client, first, "bogus")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for i, st := range stages {
		if i > 0 {
			w, _ = app.transition(t, app.freelancer, st.ID, "in_progress")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			w, _ = app.transition(t, app.freelancer, st.ID, "submitted")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}
		w, _ = app.transition(t, app.client, st.ID, "approved")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		w, env = app.transition(t, app.client, st.ID, "released")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var released dto.StageResponse
		require.NoError(t, json.Unmarshal(env.Data, &released))
		assert.Equal(t, "released", released.Status)
		assert.NotNil(t, released.ReleasedAt)
	}

	assert.Equal(t, valueobject.Amount(1_000_000), app.sim.Balance(freelancerAddr))
	assert.Equal(t, 3, app.sim.TransferCount())

	details := app.getBooking(t, bookingID)
	assert.Equal(t, "completed", details.Booking.Status)
	assert.Nil(t, details.Booking.CurrentStageID)
	assert.Equal(t, int64(1_000_000), details.Escrow.ReleasedAmount)
	assert.False(t, app.canCommunicate(t, app.client, app.freelancer))

	// Повторная выплата уже выплаченного этапа не создаёт перевод.
	w, env = app.transition(t, app.client, first, "released")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var repeated dto.StageResponse
	require.NoError(t, json.Unmarshal(env.Data, &repeated))
	assert.Equal(t, "released", repeated.Status)
	assert.Equal(t, 3, app.sim.TransferCount())

	w, env = app.do(t, app.client, http.MethodPost, "/api/bookings/"+bookingID.String()+"/review", gin.H{"rating": 5, "comment": "отлично"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var reviewed dto.BookingDetailsResponse
	require.NoError(t, json.Unmarshal(env.Data, &reviewed))
	require.NotNil(t, reviewed.Booking.ClientRating)
	assert.Equal(t, 5, *reviewed.Booking.ClientRating)

	w, env = app.do(t, app.client, http.MethodGet, "/api/bookings/"+bookingID.String()+"/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var events []dto.TimelineEventResponse
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.NotEmpty(t, events)
	assert.Equal(t, string(valueobject.EventBookingCreated), events[0].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}

	w, env = app.do(t, app.client, http.MethodGet, "/api/bookings/"+bookingID.String()+"/timeline?after=2&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

func TestRouter_DisputeFlow(t *testing.T) {
	app := newTestApp(t, nil)
	bookingID := app.createBooking(t, 1_000_000).Booking.ID
	app.fund(t, bookingID, 1_000_000)
	first := app.getBooking(t, bookingID).Stages[0].ID
	path := "/api/bookings/" + bookingID.String()

	w, env := app.do(t, app.freelancer, http.MethodPost, path+"/dispute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var details dto.BookingDetailsResponse
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, "in_dispute", details.Booking.Status)

	// Во время спора этапы заморожены, а переписка приостановлена.
	w, _ = app.transition(t, app.freelancer, first, "in_progress")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, app.canCommunicate(t, app.client, app.freelancer))

	w, _ = app.do(t, app.client, http.MethodPost, path+"/dispute/resolve", gin.H{"outcome": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = app.do(t, app.client, http.MethodPost, path+"/dispute/resolve", gin.H{"outcome": "resume"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, "active", details.Booking.Status)
	assert.True(t, app.canCommunicate(t, app.client, app.freelancer))
}

func TestRouter_CancelPendingBooking(t *testing.T) {
	app := newTestApp(t, nil)
	bookingID := app.createBooking(t, 500_000).Booking.ID
	path := "/api/bookings/" + bookingID.String()

	w, _ := app.do(t, uuid.New(), http.MethodPost, path+"/cancel", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env := app.do(t, app.client, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var details dto.BookingDetailsResponse
	require.NoError(t, json.Unmarshal(env.Data, &details))
	assert.Equal(t, "cancelled", details.Booking.Status)
	assert.True(t, details.Escrow.Closed)

	w, env = app.do(t, app.client, http.MethodPost, path+"/status", gin.H{"status": "active"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_STATUS", env.Error.Code)
}

func TestRouter_WebSocketReceivesTimelineEvents(t *testing.T) {
	app := newTestApp(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.hub.Run(ctx)

	srv := httptest.NewServer(app.engine)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+app.token(t, app.freelancer), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return app.hub.Connected(app.freelancer) == 1 }, 2*time.Second, 10*time.Millisecond)

	created := app.createBooking(t, 1_000_000)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
		Data struct {
			BookingID string `json:"booking_id"`
			Type      string `json:"type"`
			Sequence  int64  `json:"sequence"`
		} `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventTimeline, msg.Type)
	assert.Equal(t, created.Booking.ID.String(), msg.Data.BookingID)
	assert.Equal(t, string(valueobject.EventBookingCreated), msg.Data.Type)
	assert.Equal(t, int64(1), msg.Data.Sequence)
}
