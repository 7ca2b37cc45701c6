package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zllovesuki/metering/auth"
	"github.com/zllovesuki/metering/ratelimit"
	"github.com/zllovesuki/metering/spec"
	"github.com/zllovesuki/metering/usage"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"
)

const (
	testWebhookSecret = "whsec_test_secret"
	testSigningKey    = "0123456789abcdef0123"
)

type serviceHarness struct {
	*harness
	handler http.Handler
	token   string
}

func newServiceHarness(t *testing.T, limiter *ratelimit.Limiter) *serviceHarness {
	t.Helper()
	h := newHarness(t)
	logger := zaptest.NewLogger(t)

	a, err := auth.New(auth.Options{Logger: logger, JWTSigningKey: testSigningKey})
	require.NoError(t, err)
	token, err := a.CreateServiceToken("edge", time.Minute)
	require.NoError(t, err)

	svc, err := NewService(ServiceOptions{
		Engine:        h.engine,
		Auth:          a,
		Limiter:       limiter,
		WebhookSecret: testWebhookSecret,
		Logger:        logger,
	})
	require.NoError(t, err)

	return &serviceHarness{
		harness: h,
		handler: svc.Router(),
		token:   token,
	}
}

func stripeEvent(t *testing.T, id, eventType string, object []byte) []byte {
	return mustJSON(t, map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": json.RawMessage(object),
		},
	})
}

func (s *serviceHarness) postWebhook(payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *serviceHarness) postSigned(payload []byte) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  testWebhookSecret,
	})
	return s.postWebhook(payload, signed.Header)
}

func (s *serviceHarness) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWebhookDeduplicates(t *testing.T) {
	s := newServiceHarness(t, nil)

	org := uuid.NewString()
	s.source.put(processorSubscription("sub_web", "cus_web", "price_pro", "active", periodStart, periodEnd))
	payload := stripeEvent(t, "evt_web", TypeCheckoutCompleted, checkoutObject(t, org, "cus_web", "sub_web"))

	rec := s.postSigned(payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]interface{}{"received": true}, decodeBody(t, rec))
	require.NotNil(t, s.currentSubscription(t, org))

	for i := 0; i < 3; i++ {
		rec = s.postSigned(payload)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, map[string]interface{}{"received": true, "duplicate": true}, decodeBody(t, rec))
	}

	revisions, err := s.engine.Subscriptions.ListRevisions(context.Background(), org)
	require.NoError(t, err)
	assert.Len(t, revisions, 1)
}

func TestWebhookRejectsUnsigned(t *testing.T) {
	s := newServiceHarness(t, nil)

	org := uuid.NewString()
	s.source.put(processorSubscription("sub_forged", "cus_forged", "price_pro", "active", periodStart, periodEnd))
	payload := stripeEvent(t, "evt_forged", TypeCheckoutCompleted, checkoutObject(t, org, "cus_forged", "sub_forged"))

	rec := s.postWebhook(payload, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	forged := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: payload,
		Secret:  "whsec_someone_else",
	})
	rec = s.postWebhook(payload, forged.Header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid signature", decodeBody(t, rec)["error"])

	n, err := s.engine.Events.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Nil(t, s.currentSubscription(t, org))
	assert.Equal(t, 0, s.source.Calls())
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	s := newServiceHarness(t, nil)

	payload := bytes.Repeat([]byte("a"), int(spec.WebhookBodyLimit)+1)
	rec := s.postWebhook(payload, "t=1,v1=abc")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebhookStoreFailureIsRetryable(t *testing.T) {
	s := newServiceHarness(t, nil)

	pool, err := s.db.DB()
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	rec := s.postSigned(stripeEvent(t, "evt_down", "customer.created", []byte(`{"id":"cus_1"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, true, decodeBody(t, rec)["retryable"])
}

func TestMeterEndpoint(t *testing.T) {
	s := newServiceHarness(t, nil)
	org, _ := s.subscribe(t)

	rec := s.do(http.MethodPost, "/usage", "", map[string]interface{}{"organization_id": org, "count": 1})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 900})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 900, body["total_calls"])
	assert.EqualValues(t, 90, body["percent_used"])
	assert.EqualValues(t, 0, body["overage_calls"])

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": "nope", "count": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotEmpty(t, decodeBody(t, rec)["details"])

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": uuid.NewString(), "count": 1})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMeterEndpointIdempotencyHeader(t *testing.T) {
	s := newServiceHarness(t, nil)
	org, _ := s.subscribe(t)

	send := func() map[string]interface{} {
		req := httptest.NewRequest(http.MethodPost, "/usage", strings.NewReader(`{"organization_id":"`+org+`","count":5}`))
		req.Header.Set("Authorization", "Bearer "+s.token)
		req.Header.Set("Idempotency-Key", "req-1")
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeBody(t, rec)
	}

	first := send()
	second := send()
	assert.EqualValues(t, 5, first["total_calls"])
	assert.EqualValues(t, 5, second["total_calls"])
	assert.Equal(t, true, second["replayed"])
}

func TestMeterEndpointIdempotencyKeyConflict(t *testing.T) {
	s := newServiceHarness(t, nil)
	org, _ := s.subscribe(t)

	rec := s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 5, "idempotency_key": "req-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 7, "idempotency_key": "req-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(http.MethodGet, "/usage/"+org, s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 5, decodeBody(t, rec)["total_calls"])
}

func TestMeterEndpointBlocked(t *testing.T) {
	s := newServiceHarness(t, nil)
	org, _ := s.subscribe(t)

	rec := s.do(http.MethodPut, "/policies/"+org, s.token, map[string]interface{}{"dunning_behavior": "block_immediately"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "block_immediately", decodeBody(t, rec)["dunning_behavior"])

	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 1201})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Usage quota exceeded", decodeBody(t, rec)["error"])

	rec = s.do(http.MethodPut, "/policies/"+org, s.token, map[string]interface{}{"dunning_behavior": "sometimes"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageEndpoint(t *testing.T) {
	s := newServiceHarness(t, nil)
	org, _ := s.subscribe(t)
	s.meter(t, org, 1100)

	rec := s.do(http.MethodGet, "/usage/"+org, s.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.EqualValues(t, 1100, body["total_calls"])
	assert.EqualValues(t, 1000, body["included_calls"])
	assert.EqualValues(t, 100, body["overage_calls"])
	assert.Equal(t, "0.1", body["estimated_overage_cost"])
	assert.EqualValues(t, 22, body["days_remaining"])
	assert.Equal(t, "ok", body["dunning_state"])

	rec = s.do(http.MethodGet, "/usage/not-a-uuid", s.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/usage/"+uuid.NewString(), s.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/usage/"+org, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeterEndpointRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	limiter, err := ratelimit.New(ratelimit.Options{
		Redis:  client,
		Logger: zaptest.NewLogger(t),
		Limit:  2,
		Window: time.Minute,
		Clock: func() time.Time {
			return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)

	s := newServiceHarness(t, limiter)
	org, _ := s.subscribe(t)

	for i := 0; i < 2; i++ {
		rec := s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 1})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": org, "count": 1})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	other, _ := s.subscribe(t)
	rec = s.do(http.MethodPost, "/usage", s.token, map[string]interface{}{"organization_id": other, "count": 1})
	assert.Equal(t, http.StatusOK, rec.Code)

	l, err := s.engine.Usage.GetByID(context.Background(), usage.LedgerID(org, periodStart))
	require.NoError(t, err)
	assert.EqualValues(t, 2, l.TotalCalls)
}
