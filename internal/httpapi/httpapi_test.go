package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/llm-gateway/gateway/internal/admin"
	"github.com/llm-gateway/gateway/internal/auth"
	"github.com/llm-gateway/gateway/internal/dialogstore"
	"github.com/llm-gateway/gateway/internal/events"
	"github.com/llm-gateway/gateway/internal/ledger"
	"github.com/llm-gateway/gateway/internal/ledgerstore"
	"github.com/llm-gateway/gateway/internal/metrics"
	"github.com/llm-gateway/gateway/internal/model"
	"github.com/llm-gateway/gateway/internal/orchestrator"
	"github.com/llm-gateway/gateway/internal/provider"
	"github.com/llm-gateway/gateway/internal/ratelimit"
)

const jwtSecret = "test-secret"

// fakeProvider is a test double implementing provider.Provider, mirroring
// the orchestrator package's own fixture.
type fakeProvider struct {
	completeFn func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	return f.completeFn(ctx, req)
}

func (f *fakeProvider) StreamComplete(ctx context.Context, req *provider.ChatRequest) (<-chan provider.StreamChunk, error) {
	ch := make(chan provider.StreamChunk, 2)
	resp, err := f.completeFn(ctx, req)
	if err != nil {
		ch <- provider.StreamChunk{Done: true, Error: err}
		close(ch)
		return ch, nil
	}
	ch <- provider.StreamChunk{Delta: resp.Content}
	ch <- provider.StreamChunk{Done: true, Usage: resp.Usage}
	close(ch)
	return ch, nil
}

// fixedCounter is a ratelimit.Counter that admits exactly limit requests
// per key before every later Check call is denied, with no time-based
// expiry — enough to drive the sliding-window algorithm deterministically
// in a unit test without a real clock or Redis.
type fixedCounter struct {
	counts map[string]int64
}

func newFixedCounter() *fixedCounter { return &fixedCounter{counts: make(map[string]int64)} }

func (c *fixedCounter) RemoveOlderThan(ctx context.Context, key string, cutoff float64) error {
	return nil
}

func (c *fixedCounter) Count(ctx context.Context, key string) (int64, error) {
	return c.counts[key], nil
}

func (c *fixedCounter) Add(ctx context.Context, key string, now float64) error {
	c.counts[key]++
	return nil
}

func (c *fixedCounter) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }

type harness struct {
	handler http.Handler
	dialogs dialogstore.Store
	ledger  *ledger.Ledger
	counter *fixedCounter
}

// newHarness builds a full router over in-memory fakes: one enabled
// model "gpt-test" backed by a provider whose response is driven by
// completeFn, a rate limit of rateLimit requests per minute.
func newHarness(t *testing.T, completeFn func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error), rateLimit int) *harness {
	t.Helper()
	return newHarnessWithOpts(t, completeFn, rateLimit, false)
}

func newHarnessWithOpts(t *testing.T, completeFn func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error), rateLimit int, debug bool) *harness {
	t.Helper()

	dialogs := dialogstore.NewFakeStore()
	ledgerStore := ledgerstore.NewFakeStore()
	bus := events.NewBus()
	l := ledger.New(ledgerStore, bus)

	registry := provider.NewRegistry(
		[]model.Model{{Name: "gpt-test", Provider: "fake", ContextWindow: 8000, Enabled: true, PromptPricePer1K: 0.01, CompletionPricePer1K: 0.02}},
		map[string]provider.Provider{"fake": &fakeProvider{completeFn: completeFn}},
	)
	orch := orchestrator.New(dialogs, registry, l, bus, 30*time.Second)
	adm := admin.New(dialogs, l, bus)
	verifier := auth.NewVerifier(auth.Config{Secret: []byte(jwtSecret)})

	counter := newFixedCounter()
	limiter := ratelimit.New(counter, rateLimit, time.Minute)

	// A bare SDK meter provider with no registered reader: instruments
	// record fine, nothing exports them. metrics.InitProvider would
	// register its Prometheus bridge against the global default
	// registerer, which panics on the second call in the same test
	// binary — this harness runs many times per package.
	m, err := metrics.New(sdkmetric.NewMeterProvider())
	require.NoError(t, err)

	handler := New(Deps{
		Dialogs:      dialogs,
		Registry:     registry,
		Ledger:       l,
		Orchestrator: orch,
		Admin:        adm,
		Verifier:     verifier,
		Limiter:      limiter,
		Metrics:      m,
		PromHandler:  http.NotFoundHandler(),
		Debug:        debug,
	})

	return &harness{handler: handler, dialogs: dialogs, ledger: l, counter: counter}
}

func tokenFor(t *testing.T, userID int64, isAdmin bool) string {
	t.Helper()
	now := time.Now()
	claims := gojwt.MapClaims{
		"user_id":  userID,
		"is_admin": isAdmin,
		"exp":      now.Add(time.Hour).Unix(),
		"iat":      now.Unix(),
	}
	tok := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func creditUser(t *testing.T, l *ledger.Ledger, userID, amount int64) {
	t.Helper()
	_, _, err := l.Credit(context.Background(), userID, amount, 0, model.ReasonAdminTopUp)
	require.NoError(t, err)
}

func TestSendMessageSync_HappyPath(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "hi there", Usage: provider.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}, 60)
	bearer := tokenFor(t, 1, false)
	creditUser(t, h.ledger, 1, 10_000)

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{
		Title: "greeting", Model: "gpt-test",
	})
	require.Equal(t, http.StatusCreated, createRec.Code, createRec.Body.String())
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)
	require.NotEmpty(t, dialog.ID)

	sendRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs/"+dialog.ID+"/messages/sync", bearer, sendMessageRequest{
		Content: "hello",
	})
	require.Equal(t, http.StatusCreated, sendRec.Code, sendRec.Body.String())
	var msg messageResponse
	decodeBody(t, sendRec, &msg)
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "hi there", msg.Content)
	require.NotNil(t, msg.PromptTokens)
	assert.Equal(t, 10, *msg.PromptTokens)

	balanceRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/users/me/tokens", bearer, nil)
	require.Equal(t, http.StatusOK, balanceRec.Code)
	var balance tokenBalanceResponse
	decodeBody(t, balanceRec, &balance)
	assert.Equal(t, int64(10_000-15), balance.Balance)
}

func TestSendMessageSync_InsufficientTokens(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		t.Fatal("provider should not be called when the balance check fails")
		return nil, nil
	}, 60)
	bearer := tokenFor(t, 1, false)
	// No credit: balance starts at 0, well under the estimated cost.

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{
		Title: "greeting", Model: "gpt-test",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)

	sendRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs/"+dialog.ID+"/messages/sync", bearer, sendMessageRequest{
		Content: "hello",
	})
	require.Equal(t, http.StatusPaymentRequired, sendRec.Code, sendRec.Body.String())
	var body errorBody
	decodeBody(t, sendRec, &body)
	assert.Equal(t, "INSUFFICIENT_TOKENS", string(body.Code))

	listRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/dialogs/"+dialog.ID+"/messages", bearer, nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	var messages []messageResponse
	decodeBody(t, listRec, &messages)
	assert.Empty(t, messages, "no user turn should be persisted when the ledger check rejects the request")
}

func TestGetDialog_CrossUserAccessDenied(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "ok"}, nil
	}, 60)
	owner := tokenFor(t, 1, false)
	intruder := tokenFor(t, 2, false)
	admin := tokenFor(t, 3, true)
	creditUser(t, h.ledger, 1, 10_000)

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", owner, createDialogRequest{
		Title: "private", Model: "gpt-test",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)

	deniedRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/dialogs/"+dialog.ID, intruder, nil)
	assert.Equal(t, http.StatusForbidden, deniedRec.Code)

	okRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/dialogs/"+dialog.ID, owner, nil)
	assert.Equal(t, http.StatusOK, okRec.Code)

	adminRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/dialogs/"+dialog.ID, admin, nil)
	assert.Equal(t, http.StatusOK, adminRec.Code)
}

func TestRequireAuth_MissingTokenRejected(t *testing.T) {
	h := newHarness(t, nil, 60)
	rec := doRequest(t, h.handler, http.MethodGet, "/api/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRateLimit_DeniesOverLimit(t *testing.T) {
	h := newHarness(t, nil, 3)
	bearer := tokenFor(t, 1, false)

	for i := 0; i < 3; i++ {
		rec := doRequest(t, h.handler, http.MethodGet, "/api/v1/models", bearer, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	deniedRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/models", bearer, nil)
	require.Equal(t, http.StatusTooManyRequests, deniedRec.Code)
	assert.NotEmpty(t, deniedRec.Header().Get("Retry-After"))
	var body errorBody
	decodeBody(t, deniedRec, &body)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", string(body.Code))
}

func TestListModels_ReturnsCatalog(t *testing.T) {
	h := newHarness(t, nil, 60)
	bearer := tokenFor(t, 1, false)

	rec := doRequest(t, h.handler, http.MethodGet, "/api/v1/models", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var models []modelResponse
	decodeBody(t, rec, &models)
	require.Len(t, models, 1)
	assert.Equal(t, "gpt-test", models[0].Name)
}

func TestAdminRoutes_RejectNonAdmin(t *testing.T) {
	h := newHarness(t, nil, 60)
	nonAdmin := tokenFor(t, 1, false)

	rec := doRequest(t, h.handler, http.MethodGet, "/api/v1/admin/users", nonAdmin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminAdjustTokens_TopUpThenHistory(t *testing.T) {
	h := newHarness(t, nil, 60)
	adminToken := tokenFor(t, 99, true)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/admin/users/1/tokens", adminToken, adjustTokensRequest{Amount: 5_000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var balance tokenBalanceResponse
	decodeBody(t, rec, &balance)
	assert.Equal(t, int64(5_000), balance.Balance)

	histRec := doRequest(t, h.handler, http.MethodGet, "/api/v1/admin/users/1/tokens/history", adminToken, nil)
	require.Equal(t, http.StatusOK, histRec.Code)
	var txns []transactionResponse
	decodeBody(t, histRec, &txns)
	require.Len(t, txns, 1)
	assert.Equal(t, "admin_top_up", txns[0].Reason)
}

func TestCreateDialog_UnknownModelRejected(t *testing.T) {
	h := newHarness(t, nil, 60)
	bearer := tokenFor(t, 1, false)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{
		Title: "x", Model: "does-not-exist",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "VALIDATION_ERROR", string(body.Code))
}

func TestCreateDialog_MissingModelFailsValidation(t *testing.T) {
	h := newHarness(t, nil, 60)
	bearer := tokenFor(t, 1, false)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{Title: "x"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "VALIDATION_ERROR", string(body.Code))
	require.NotNil(t, body.Details)
	assert.Contains(t, body.Details, "fields")
}

func TestErrorBody_CarriesRequestID(t *testing.T) {
	h := newHarness(t, nil, 60)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Equal(t, "req-abc", body.RequestID)
}

// confirms the stream route is reachable and answers with an SSE body
// carrying the streamed text; frame-level details are asserted in
// internal/stream.
func TestSendMessageStream_RouteIsWired(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: "streamed", Usage: provider.Usage{PromptTokens: 1, CompletionTokens: 1}}, nil
	}, 60)
	bearer := tokenFor(t, 1, false)
	creditUser(t, h.ledger, 1, 10_000)

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{
		Title: "stream", Model: "gpt-test",
	})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs/"+dialog.ID+"/messages", bearer, sendMessageRequest{Content: "go"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "streamed"))
}

func TestAdminInvalidateJWKS_RejectsNonAdmin(t *testing.T) {
	h := newHarness(t, nil, 60)
	nonAdmin := tokenFor(t, 1, false)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/admin/jwks/invalidate", nonAdmin, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminInvalidateJWKS_NoOpAgainstHS256OnlyVerifier(t *testing.T) {
	h := newHarness(t, nil, 60)
	adminToken := tokenFor(t, 99, true)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/admin/jwks/invalidate", adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "invalidated", body["status"])
}

func TestErrorBody_DetailsAndStackOmittedWithoutDebug(t *testing.T) {
	h := newHarnessWithOpts(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, provider.NewError("fake", provider.KindUpstream5xx, assertErr)
	}, 60, false)
	bearer := tokenFor(t, 1, false)
	creditUser(t, h.ledger, 1, 10_000)

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{Title: "x", Model: "gpt-test"})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs/"+dialog.ID+"/messages/sync", bearer, sendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.Nil(t, body.Details)
	assert.Empty(t, body.Stack)
}

func TestErrorBody_DetailsAndStackIncludedWithDebug(t *testing.T) {
	h := newHarnessWithOpts(t, func(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, provider.NewError("fake", provider.KindUpstream5xx, assertErr)
	}, 60, true)
	bearer := tokenFor(t, 1, false)
	creditUser(t, h.ledger, 1, 10_000)

	createRec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs", bearer, createDialogRequest{Title: "x", Model: "gpt-test"})
	require.Equal(t, http.StatusCreated, createRec.Code)
	var dialog dialogResponse
	decodeBody(t, createRec, &dialog)

	rec := doRequest(t, h.handler, http.MethodPost, "/api/v1/dialogs/"+dialog.ID+"/messages/sync", bearer, sendMessageRequest{Content: "hi"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body.Stack)
}

var assertErr = &testError{"upstream exploded"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
