// Package handler содержит HTTP-обработчики API калькулятора.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/ratelimit"
	"github.com/mmeshcher/macro-funnel/internal/service"
)

const (
	maxBodyBytes  = 64 << 10
	healthTimeout = 2 * time.Second
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error
	Start(ctx context.Context) (*service.StartResult, error)
	ValidateSession(ctx context.Context, token string) (*service.SessionSnapshot, error)
	SaveStep1(ctx context.Context, token string, d model.Demographics) (*service.StepResult, error)
	SaveStep2(ctx context.Context, token string, l model.Lifestyle) (*service.StepResult, error)
	SaveStep3(ctx context.Context, token string, m *model.Macros) (*service.StepResult, error)
	SaveStep4(ctx context.Context, token string, c model.Contact) (*service.StepResult, error)
	GetTiers(ctx context.Context) (*service.TiersResult, error)
	InitiatePayment(ctx context.Context, token, tierID string) (*service.PaymentIntent, error)
	VerifyPayment(ctx context.Context, token, intentID string) (*service.ReportAccess, error)
	InitReport(ctx context.Context, token string) (*service.InitResult, error)
	ReportStatus(ctx context.Context, accessToken string) (*service.ReportStatusResult, error)
	ReportContent(ctx context.Context, accessToken string) (string, error)
}

// Handler реализует HTTP-обработчики API калькулятора.
type Handler struct {
	service        Service
	limiter        ratelimit.Limiter
	logger         *zap.Logger
	allowedOrigins []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, limiter ratelimit.Limiter, logger *zap.Logger, allowedOrigins []string) *Handler {
	return &Handler{
		service:        s,
		limiter:        limiter,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

type tokenRequest struct {
	SessionToken string `json:"session_token"`
}

type stepRequest struct {
	SessionToken string `json:"session_token"`
	model.Demographics
	model.Lifestyle
	CalculatedMacros *model.Macros `json:"calculated_macros"`
	model.Contact
}

type initiateRequest struct {
	SessionToken string `json:"session_token"`
	TierID       string `json:"tier_id"`
}

type verifyRequest struct {
	SessionToken    string `json:"session_token"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// StartSession создаёт новую сессию воронки.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Start(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// ValidateSession возвращает снимок существующей сессии.
func (h *Handler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionToken == "" {
		h.writeError(w, r, apperror.MissingFields("session_token"))
		return
	}

	res, err := h.service.ValidateSession(r.Context(), req.SessionToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// SaveStep принимает ответы шага воронки 1–4.
func (h *Handler) SaveStep(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(chi.URLParam(r, "step"))
	if err != nil || step < int(model.StepDemographics) || step > int(model.StepContact) {
		h.writeError(w, r, apperror.New(http.StatusNotFound, apperror.CodeNotFound, "unknown step"))
		return
	}

	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionToken == "" {
		h.writeError(w, r, apperror.MissingFields("session_token"))
		return
	}

	bucket := ratelimit.BucketStep
	if model.Step(step) == model.StepContact {
		bucket = ratelimit.BucketSubmit
	}
	if !h.allow(w, r, bucket, req.SessionToken) {
		return
	}

	ctx := r.Context()
	var res *service.StepResult
	switch model.Step(step) {
	case model.StepDemographics:
		res, err = h.service.SaveStep1(ctx, req.SessionToken, req.Demographics)
	case model.StepLifestyle:
		res, err = h.service.SaveStep2(ctx, req.SessionToken, req.Lifestyle)
	case model.StepMacros:
		res, err = h.service.SaveStep3(ctx, req.SessionToken, req.CalculatedMacros)
	case model.StepContact:
		res, err = h.service.SaveStep4(ctx, req.SessionToken, req.Contact)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// GetTiers возвращает каталог активных тарифов.
func (h *Handler) GetTiers(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.GetTiers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// InitiatePayment создаёт платёж для выбранного тарифа.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"session_token": req.SessionToken, "tier_id": req.TierID}); missing != nil {
		h.writeError(w, r, missing)
		return
	}
	if !h.allow(w, r, ratelimit.BucketPayment, req.SessionToken) {
		return
	}

	res, err := h.service.InitiatePayment(r.Context(), req.SessionToken, req.TierID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

// VerifyPayment подтверждает платёж и выдаёт токен доступа к отчёту.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if missing := missingFields(map[string]string{"session_token": req.SessionToken, "payment_intent_id": req.PaymentIntentID}); missing != nil {
		h.writeError(w, r, missing)
		return
	}
	if !h.allow(w, r, ratelimit.BucketPayment, req.SessionToken) {
		return
	}

	res, err := h.service.VerifyPayment(r.Context(), req.SessionToken, req.PaymentIntentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// InitReport возвращает существующий отчёт сессии или генерирует новый.
func (h *Handler) InitReport(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	var req tokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.SessionToken == "" {
		h.writeError(w, r, apperror.MissingFields("session_token"))
		return
	}

	res, err := h.service.InitReport(r.Context(), req.SessionToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, res)
}

// ReportStatus возвращает стадию генерации отчёта.
func (h *Handler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	res, err := h.service.ReportStatus(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

// ReportContent отдаёт HTML готового отчёта. Ответ не должен кешироваться.
func (h *Handler) ReportContent(w http.ResponseWriter, r *http.Request) {
	noStore(w)

	html, err := h.service.ReportContent(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Robots-Tag", "noindex, nofollow")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(html)); err != nil {
		h.logger.Warn("write report content", zap.Error(err))
	}
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.service.Ping(ctx); err != nil {
		h.logger.Error("health check failed", zap.Error(err))
		apperror.Write(w, apperror.New(http.StatusServiceUnavailable, apperror.CodeInternal, "datastore unavailable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// allow применяет лимит запросов к токену сессии. При отказе пишет 429 и возвращает false.
func (h *Handler) allow(w http.ResponseWriter, r *http.Request, bucket ratelimit.Bucket, key string) bool {
	dec, err := h.limiter.Allow(r.Context(), bucket, key)
	if err != nil {
		h.logger.Warn("rate limiter unavailable, allowing request", zap.String("bucket", string(bucket)), zap.Error(err))
		return true
	}

	if dec.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}

	if dec.Allowed {
		return true
	}

	retryAfter := int(math.Ceil(time.Until(dec.ResetAt).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	apperror.Write(w, apperror.New(http.StatusTooManyRequests, apperror.CodeRateLimit, "too many requests, try again later").
		WithDetails(map[string]int{"retry_after": retryAfter}))
	return false
}

// decode читает JSON-тело запроса. При ошибке пишет ответ и возвращает false.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperror.New(http.StatusRequestEntityTooLarge, apperror.CodeValidationFailed, "request body is too large"))
			return false
		}
		h.writeError(w, r, apperror.New(http.StatusBadRequest, apperror.CodeValidationFailed, "request body is not valid JSON"))
		return false
	}
	return true
}

func missingFields(fields map[string]string) *apperror.Error {
	var missing []string
	for _, name := range []string{"session_token", "tier_id", "payment_intent_id"} {
		if v, ok := fields[name]; ok && v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return apperror.MissingFields(missing...)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response", zap.Error(err))
	}
}

// writeError отдаёт клиенту код и сообщение ошибки; исходная ошибка 5xx только логируется.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperror.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(appErr.Code)),
			zap.Error(appErr.Internal),
		)
	}
	apperror.Write(w, appErr)
}
