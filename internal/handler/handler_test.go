package handler

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/ratelimit"
	"github.com/mmeshcher/macro-funnel/internal/service"
)

const testToken = "0123456789abcdef0123456789abcdef"

type stubService struct {
	pingErr error

	stepErr   error
	stepCalls int
	lastStep  stepRequest

	initResp *service.InitResult
	initErr  error

	contentHTML string
	contentErr  error

	statusErr error
}

func (s *stubService) Ping(ctx context.Context) error { return s.pingErr }

func (s *stubService) Start(ctx context.Context) (*service.StartResult, error) {
	return &service.StartResult{SessionToken: testToken, SessionID: "sid", CreatedAt: time.Unix(0, 0).UTC()}, nil
}

func (s *stubService) ValidateSession(ctx context.Context, token string) (*service.SessionSnapshot, error) {
	return &service.SessionSnapshot{SessionID: "sid"}, nil
}

func (s *stubService) step(token string, done model.Step) (*service.StepResult, error) {
	s.stepCalls++
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return &service.StepResult{StepCompleted: done}, nil
}

func (s *stubService) SaveStep1(ctx context.Context, token string, d model.Demographics) (*service.StepResult, error) {
	s.lastStep.Demographics = d
	return s.step(token, model.StepDemographics)
}

func (s *stubService) SaveStep2(ctx context.Context, token string, l model.Lifestyle) (*service.StepResult, error) {
	s.lastStep.Lifestyle = l
	return s.step(token, model.StepLifestyle)
}

func (s *stubService) SaveStep3(ctx context.Context, token string, m *model.Macros) (*service.StepResult, error) {
	s.lastStep.CalculatedMacros = m
	return s.step(token, model.StepMacros)
}

func (s *stubService) SaveStep4(ctx context.Context, token string, c model.Contact) (*service.StepResult, error) {
	s.lastStep.Contact = c
	return s.step(token, model.StepContact)
}

func (s *stubService) GetTiers(ctx context.Context) (*service.TiersResult, error) {
	return &service.TiersResult{Tiers: []service.Tier{{ID: "basic", Price: "19.00"}}, Count: 1}, nil
}

func (s *stubService) InitiatePayment(ctx context.Context, token, tierID string) (*service.PaymentIntent, error) {
	return &service.PaymentIntent{PaymentIntentID: "pi_1", CheckoutURL: "https://pay.example.com"}, nil
}

func (s *stubService) VerifyPayment(ctx context.Context, token, intentID string) (*service.ReportAccess, error) {
	return &service.ReportAccess{AccessToken: strings.Repeat("a", 64)}, nil
}

func (s *stubService) InitReport(ctx context.Context, token string) (*service.InitResult, error) {
	return s.initResp, s.initErr
}

func (s *stubService) ReportStatus(ctx context.Context, accessToken string) (*service.ReportStatusResult, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return &service.ReportStatusResult{AccessToken: accessToken, Status: model.ReportStatusQueued, StageName: "Queued"}, nil
}

func (s *stubService) ReportContent(ctx context.Context, accessToken string) (string, error) {
	return s.contentHTML, s.contentErr
}

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestRouter(t *testing.T, svc Service) (http.Handler, *testClock) {
	t.Helper()

	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := ratelimit.NewMemoryLimiter(ratelimit.DefaultPolicy()).WithClock(clock.Now)

	h := NewHandler(svc, limiter, zap.NewNop(), nil)
	return h.SetupRouter(), clock
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperror.Error {
	t.Helper()

	var e apperror.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e), "body: %s", w.Body.String())
	return e
}

func TestStartSession(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculator/session", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"session_token":"`+testToken+`","session_id":"sid","created_at":"1970-01-01T00:00:00Z"}`, w.Body.String())
}

func TestSaveStep_DecodesPayload(t *testing.T) {
	svc := &stubService{}
	router, _ := newTestRouter(t, svc)

	w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/1",
		`{"session_token":"`+testToken+`","sex":"male","age":30,"height":180,"weight":82.5}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.Demographics{Sex: model.SexMale, Age: 30, HeightCM: 180, WeightKG: 82.5}, svc.lastStep.Demographics)

	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/3",
		`{"session_token":"`+testToken+`","calculated_macros":{"calories":2000,"protein":150,"carbs":200,"fat":67}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, svc.lastStep.CalculatedMacros)
	assert.Equal(t, 2000.0, svc.lastStep.CalculatedMacros.Calories)
}

func TestSaveStep_RequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   apperror.Code
	}{
		{"unknown step", "/api/v1/calculator/step/5", `{"session_token":"` + testToken + `"}`, http.StatusNotFound, apperror.CodeNotFound},
		{"non numeric step", "/api/v1/calculator/step/one", `{}`, http.StatusNotFound, apperror.CodeNotFound},
		{"malformed json", "/api/v1/calculator/step/1", `{"session_token":`, http.StatusBadRequest, apperror.CodeValidationFailed},
		{"missing token", "/api/v1/calculator/step/1", `{"sex":"male"}`, http.StatusBadRequest, apperror.CodeMissingFields},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{}
			router, _ := newTestRouter(t, svc)

			w := doJSON(t, router, http.MethodPost, tt.path, tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			assert.Zero(t, svc.stepCalls)
		})
	}
}

func TestSaveStep_InvalidContentType(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/calculator/step/1", strings.NewReader("session_token=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, apperror.CodeInvalidContentType, decodeError(t, w).Code)
}

func TestSaveStep_RateLimit(t *testing.T) {
	svc := &stubService{}
	router, clock := newTestRouter(t, svc)
	body := `{"session_token":"` + testToken + `","sex":"male","age":30,"height":180,"weight":80}`

	for i := 1; i <= 10; i++ {
		w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/1", body)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/2", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apperror.CodeRateLimit, decodeError(t, w).Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, 10, svc.stepCalls)

	clock.now = clock.now.Add(time.Hour + time.Second)
	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/1", body)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSaveStep4_UsesSubmitBucket(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})
	body := `{"session_token":"` + testToken + `","email":"sam@example.com","first_name":"Sam","last_name":"Lee"}`

	for i := 1; i <= 3; i++ {
		w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/4", body)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/4", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/1",
		`{"session_token":"`+testToken+`","sex":"male","age":30,"height":180,"weight":80}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperror.Code
	}{
		{"payment required", apperror.New(http.StatusForbidden, apperror.CodePaymentRequired, "payment is required"), http.StatusForbidden, apperror.CodePaymentRequired},
		{"validation", apperror.Validation([]apperror.FieldError{{Field: "email", Code: apperror.CodeInvalidEmail}}), http.StatusBadRequest, apperror.CodeValidationFailed},
		{"db failure", apperror.Wrap(apperror.CodeDBUpdateFailed, "failed to save step", errors.New("pq: secret detail")), http.StatusInternalServerError, apperror.CodeDBUpdateFailed},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, apperror.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, &stubService{stepErr: tt.err})

			w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/step/4", `{"session_token":"`+testToken+`"}`)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Code)
			assert.NotContains(t, w.Body.String(), "secret detail")
			assert.NotContains(t, w.Body.String(), "boom")
		})
	}
}

func TestPayment_RequiresFields(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})

	w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/payment/initiate", `{"session_token":"`+testToken+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	e := decodeError(t, w)
	assert.Equal(t, apperror.CodeMissingFields, e.Code)
	assert.Equal(t, map[string]any{"fields": []any{"tier_id"}}, e.Details)

	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/payment/initiate", `{"session_token":"`+testToken+`","tier_id":"basic"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/payment/verify", `{"session_token":"`+testToken+`","payment_intent_id":"pi_1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInitReport_Status(t *testing.T) {
	svc := &stubService{initResp: &service.InitResult{AccessToken: strings.Repeat("b", 64), Status: "completed", Created: true}}
	router, _ := newTestRouter(t, svc)

	w := doJSON(t, router, http.MethodPost, "/api/v1/calculator/report/init", `{"session_token":"`+testToken+`"}`)
	assert.Equal(t, http.StatusCreated, w.Code)

	svc.initResp = &service.InitResult{AccessToken: strings.Repeat("b", 64), Status: service.InitStatusAlreadyGenerated}
	w = doJSON(t, router, http.MethodPost, "/api/v1/calculator/report/init", `{"session_token":"`+testToken+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"already_generated"`)
}

func TestReportContent_Headers(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{contentHTML: "<!DOCTYPE html><p>report</p>"})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calculator/report/"+strings.Repeat("a", 64)+"/content", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))
	assert.Contains(t, w.Header().Get("X-Robots-Tag"), "noindex")
	assert.Equal(t, "<!DOCTYPE html><p>report</p>", w.Body.String())
}

func TestReportContent_ExpiredHasNoBody(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{
		contentHTML: "secret report",
		contentErr:  apperror.New(http.StatusGone, apperror.CodeReportExpired, "report has expired"),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calculator/report/"+strings.Repeat("a", 64)+"/content", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, apperror.CodeReportExpired, decodeError(t, w).Code)
	assert.NotContains(t, w.Body.String(), "secret report")
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
}

func TestReportStatus(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})
	token := strings.Repeat("c", 64)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/calculator/report/"+token+"/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var res service.ReportStatusResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, token, res.AccessToken)
	assert.Equal(t, "Queued", res.StageName)
}

func TestRouter_FallbackResponses(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperror.CodeNotFound, decodeError(t, w).Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/calculator/session", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/calculator/step/1", nil)
	req.Header.Set("Origin", "https://calc.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Less(t, w.Code, 300)
	assert.Empty(t, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/calculator/session", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t, &stubService{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	router, _ = newTestRouter(t, &stubService{pingErr: errors.New("down")})
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
