package chat

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

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgate/llmgate/internal/accounts"
	"github.com/llmgate/llmgate/internal/auth"
	"github.com/llmgate/llmgate/internal/clock"
	"github.com/llmgate/llmgate/internal/gate"
	"github.com/llmgate/llmgate/internal/gateway"
	inats "github.com/llmgate/llmgate/internal/nats"
)

const upstreamBody = `{"id":"cmpl-1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}]}`

type chatFixture struct {
	handler  *Handler
	table    *accountTable
	upstream *fakeUpstream
	events   *eventLog
	clock    *clock.FakeClock
	userID   uuid.UUID
}

func testConfig() Config {
	return Config{
		AllowedModels:   []string{"gpt-4o", "deepseek-r1"},
		UpstreamTimeout: time.Second,
		StoreTimeout:    time.Second,
		KeyDuration:     "inf",
		KeyMaxBudget:    1000000,
	}
}

func setupChat(t *testing.T, free int, balance string) *chatFixture {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	today := clock.Day(clk.Now())

	table := newAccountTable()
	userID := uuid.New()
	table.put(accounts.Account{
		ID:                 userID,
		Email:              "u@example.com",
		FreeCallsUsedToday: free,
		LastFreeCallDate:   &today,
		Balance:            decimal.RequireFromString(balance),
	})

	upstream := &fakeUpstream{response: json.RawMessage(upstreamBody)}
	events := &eventLog{}
	g := gate.New(table, clk, gate.DefaultFreeCallLimit)

	return &chatFixture{
		handler:  NewHandler(g, nil, upstream, events, testConfig()),
		table:    table,
		upstream: upstream,
		events:   events,
		clock:    clk,
		userID:   userID,
	}
}

func (f *chatFixture) do(t *testing.T, body any) *httptest.ResponseRecorder {
	t.Helper()
	return f.doCtx(t, context.Background(), body)
}

func (f *chatFixture) doCtx(t *testing.T, ctx context.Context, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", bytes.NewReader(raw))
	req = req.WithContext(auth.WithUserID(ctx, f.userID))
	rec := httptest.NewRecorder()
	f.handler.Completions(rec, req)
	return rec
}

func validRequest() CompletionRequest {
	return CompletionRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hello"}},
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestCompletions_FreeCallForwardsAndBooks(t *testing.T) {
	f := setupChat(t, 0, "0")

	rec := f.do(t, validRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, upstreamBody, rec.Body.String())

	assert.Equal(t, 1, f.table.get(f.userID).FreeCallsUsedToday)
	require.Equal(t, 1, f.upstream.callCount())
	assert.Equal(t, f.userID.String(), f.upstream.users[0])
	assert.Equal(t, "gpt-4o", f.upstream.calls[0].Model)
	assert.Equal(t, []string{inats.EventChatCompleted}, f.events.types())
}

func TestCompletions_FourthToFifthCallThenDeny(t *testing.T) {
	f := setupChat(t, 4, "0")

	rec := f.do(t, validRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.table.get(f.userID).FreeCallsUsedToday)

	rec = f.do(t, validRequest())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "You have run out of tokens. Please top up your account to continue.", errorMessage(t, rec))
	assert.Equal(t, 1, f.upstream.callCount(), "denied request never reaches the gateway")
	assert.Equal(t, 5, f.table.get(f.userID).FreeCallsUsedToday)
	assert.Equal(t, []string{inats.EventChatCompleted, inats.EventChatDenied}, f.events.types())
}

func TestCompletions_PaidCallLeavesCounter(t *testing.T) {
	f := setupChat(t, 5, "10.50")

	rec := f.do(t, validRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	acct := f.table.get(f.userID)
	assert.Equal(t, 5, acct.FreeCallsUsedToday)
	assert.True(t, acct.Balance.Equal(decimal.RequireFromString("10.50")), "balance is debited by the reconciler")
}

func TestCompletions_NewDayRestoresFreeCalls(t *testing.T) {
	f := setupChat(t, 5, "0")
	require.Equal(t, http.StatusForbidden, f.do(t, validRequest()).Code)

	f.clock.Advance(24 * time.Hour)

	require.Equal(t, http.StatusOK, f.do(t, validRequest()).Code)
	assert.Equal(t, 1, f.table.get(f.userID).FreeCallsUsedToday)
}

func TestCompletions_Validation(t *testing.T) {
	tooMany := make([]Message, 257)
	for i := range tooMany {
		tooMany[i] = Message{Role: "user", Content: "x"}
	}

	tests := []struct {
		name    string
		body    any
		wantMsg string
	}{
		{"bad json", `{"model":`, "bad request"},
		{"missing model", CompletionRequest{Messages: []Message{{Role: "user", Content: "x"}}}, "model is required"},
		{"model not allowed", CompletionRequest{Model: "claude-x", Messages: []Message{{Role: "user", Content: "x"}}}, "model claude-x is not available"},
		{"no messages", CompletionRequest{Model: "gpt-4o", Messages: []Message{}}, "messages must contain between 1 and 256 entries"},
		{"too many messages", CompletionRequest{Model: "gpt-4o", Messages: tooMany}, "messages must contain between 1 and 256 entries"},
		{"bad role", CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: "robot", Content: "x"}}}, "messages[0].role must be one of: system user assistant tool"},
		{"empty content", CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: "user"}}}, "messages[0].content is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupChat(t, 0, "0")
			rec := f.do(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantMsg, errorMessage(t, rec))
			assert.Zero(t, f.upstream.callCount())
			assert.Zero(t, f.table.get(f.userID).FreeCallsUsedToday)
		})
	}
}

func TestNewHandler_RegistersModelValidation(t *testing.T) {
	var h *Handler
	require.NotPanics(t, func() {
		h = NewHandler(nil, nil, nil, nil, testConfig())
	})
	assert.NoError(t, h.validate.Var("DeepSeek-R1", "allowed_model"))
	assert.Error(t, h.validate.Var("claude-x", "allowed_model"))
}

func TestCompletions_ModelMatchIsCaseInsensitive(t *testing.T) {
	f := setupChat(t, 0, "0")
	req := validRequest()
	req.Model = "GPT-4o"
	assert.Equal(t, http.StatusOK, f.do(t, req).Code)
}

func TestCompletions_Unauthenticated(t *testing.T) {
	f := setupChat(t, 0, "0")
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.handler.Completions(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompletions_BurstLimit(t *testing.T) {
	t.Run("over limit", func(t *testing.T) {
		f := setupChat(t, 0, "0")
		f.handler.limiter = &fakeLimiter{allow: false}
		rec := f.do(t, validRequest())
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Zero(t, f.upstream.callCount())
	})

	t.Run("limiter down fails open", func(t *testing.T) {
		f := setupChat(t, 0, "0")
		f.handler.limiter = &fakeLimiter{err: errors.New("redis down")}
		assert.Equal(t, http.StatusOK, f.do(t, validRequest()).Code)
	})
}

func TestCompletions_MissingAccount(t *testing.T) {
	f := setupChat(t, 0, "0")
	f.userID = uuid.New()

	rec := f.do(t, validRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "account record missing, please contact support", errorMessage(t, rec))
	assert.Zero(t, f.upstream.callCount())
}

func TestCompletions_StoreErrorFailsClosed(t *testing.T) {
	f := setupChat(t, 0, "0")
	f.table.err = errors.New("connection refused")

	rec := f.do(t, validRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.upstream.callCount())
}

func TestCompletions_UpstreamErrorDoesNotBook(t *testing.T) {
	f := setupChat(t, 2, "0")
	f.upstream.err = &gateway.StatusError{Op: "complete", StatusCode: http.StatusBadGateway}

	rec := f.do(t, validRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "model gateway request failed", errorMessage(t, rec))
	assert.Equal(t, 2, f.table.get(f.userID).FreeCallsUsedToday)
	assert.Equal(t, []string{inats.EventChatFailed}, f.events.types())
}

func TestCompletions_BookingFailureStillReturnsResponse(t *testing.T) {
	f := setupChat(t, 2, "0")
	f.table.incErr = errors.New("connection reset")

	rec := f.do(t, validRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, upstreamBody, rec.Body.String())
	assert.Equal(t, 1, f.upstream.callCount())
	assert.Equal(t, 2, f.table.get(f.userID).FreeCallsUsedToday)
	assert.Equal(t, []string{inats.EventChatCompleted}, f.events.types())
}

func TestCompletions_ClientCancelStillBooks(t *testing.T) {
	f := setupChat(t, 0, "0")
	ctx, cancel := context.WithCancel(context.Background())

	// The request context is cancelled once the gate has admitted the call.
	f.handler.gate = cancelAfterEvaluate{Gatekeeper: f.handler.gate, cancel: cancel}

	f.doCtx(t, ctx, validRequest())
	assert.Equal(t, 1, f.upstream.callCount())
	assert.Equal(t, 1, f.table.get(f.userID).FreeCallsUsedToday)
}

func TestCompletions_UpstreamTimeout(t *testing.T) {
	f := setupChat(t, 0, "0")
	f.upstream.block = true
	f.handler.cfg.UpstreamTimeout = 20 * time.Millisecond

	rec := f.do(t, validRequest())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Zero(t, f.table.get(f.userID).FreeCallsUsedToday)
}

type cancelAfterEvaluate struct {
	Gatekeeper
	cancel context.CancelFunc
}

func (c cancelAfterEvaluate) Evaluate(ctx context.Context, userID uuid.UUID) (*gate.Decision, error) {
	d, err := c.Gatekeeper.Evaluate(ctx, userID)
	c.cancel()
	return d, err
}
