package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/repository"
)

const intentPrefix = "pi_"

// Tier описывает тариф в ответе API.
type Tier struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	PriceCents   int64  `json:"price_cents"`
	Price        string `json:"price"`
	Currency     string `json:"currency"`
	DisplayOrder int    `json:"display_order"`
}

// TiersResult содержит каталог активных тарифов.
type TiersResult struct {
	Tiers []Tier `json:"tiers"`
	Count int    `json:"count"`
}

// PaymentIntent содержит ответ на создание платежа.
type PaymentIntent struct {
	CheckoutURL     string `json:"stripe_session_url"`
	PaymentIntentID string `json:"payment_intent_id"`
}

// ReportAccess содержит данные доступа к отчёту, выдаваемые после оплаты.
type ReportAccess struct {
	AccessToken string             `json:"access_token"`
	Status      model.ReportStatus `json:"status"`
	ExpiresAt   time.Time          `json:"expires_at"`
}

// GetTiers возвращает активные тарифы в порядке отображения.
func (s *Service) GetTiers(ctx context.Context) (*TiersResult, error) {
	tiers, err := s.repo.GetActiveTiers(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to load payment tiers", err)
	}

	res := &TiersResult{Tiers: make([]Tier, 0, len(tiers))}
	for _, t := range tiers {
		res.Tiers = append(res.Tiers, toTier(t))
	}
	res.Count = len(res.Tiers)
	return res, nil
}

func toTier(t model.PaymentTier) Tier {
	return Tier{
		ID:           t.ID,
		Name:         t.Name,
		Description:  t.Description,
		PriceCents:   t.PriceCents,
		Price:        decimal.New(t.PriceCents, -2).StringFixed(2),
		Currency:     t.Currency,
		DisplayOrder: t.DisplayOrder,
	}
}

// InitiatePayment выпускает идентификатор платежа для выбранного тарифа и
// сохраняет его в сессии. Сессия не становится премиальной до подтверждения.
func (s *Service) InitiatePayment(ctx context.Context, token, tierID string) (*PaymentIntent, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.Paid() {
		return nil, errAlreadyPaid
	}

	tier, err := s.repo.GetTier(ctx, tierID)
	if err != nil {
		if errors.Is(err, repository.ErrTierNotFound) {
			return nil, errTierNotFound
		}
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to load payment tier", err)
	}

	suffix, err := randomHex(intentBytes)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to generate payment intent", err)
	}
	intentID := intentPrefix + suffix

	checkoutURL, err := s.checkoutURL(intentID)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to build checkout url", err)
	}

	sess.TierID = tier.ID
	sess.AmountCents = tier.PriceCents
	sess.PaymentIntentID = intentID

	if err := s.repo.SetPaymentIntent(ctx, sess); err != nil {
		switch {
		case errors.Is(err, repository.ErrSessionPaid):
			return nil, errAlreadyPaid
		case errors.Is(err, repository.ErrSessionNotFound):
			return nil, errSessionNotFound
		}
		return nil, apperror.Wrap(apperror.CodeDBUpdateFailed, "failed to store payment intent", err)
	}

	s.logger.Info("payment initiated",
		zap.String("session_id", sess.ID),
		zap.String("tier_id", tier.ID),
		zap.Int64("amount_cents", tier.PriceCents),
	)

	return &PaymentIntent{CheckoutURL: checkoutURL, PaymentIntentID: intentID}, nil
}

func (s *Service) checkoutURL(intentID string) (string, error) {
	u, err := url.Parse(s.opts.CheckoutBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse checkout base url: %w", err)
	}
	q := u.Query()
	q.Set("payment_intent", intentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// VerifyPayment подтверждает оплату: идентификатор платежа должен в точности
// совпадать с выданным в InitiatePayment. Отметка об оплате и постановка отчёта
// в очередь выполняются одной транзакцией. Повторный вызов возвращает тот же отчёт.
func (s *Service) VerifyPayment(ctx context.Context, token, intentID string) (*ReportAccess, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if sess.PaymentIntentID == "" ||
		subtle.ConstantTimeCompare([]byte(sess.PaymentIntentID), []byte(intentID)) != 1 {
		return nil, errPaymentMismatch
	}

	rep, err := s.newReport(sess, model.Queued())
	if err != nil {
		return nil, apperror.Wrap(apperror.CodePaymentVerification, "payment verification failed", err)
	}

	stored, err := s.repo.CompletePayment(ctx, sess, rep)
	if err != nil {
		if errors.Is(err, repository.ErrPaymentIntentChanged) {
			return nil, errPaymentMismatch
		}
		return nil, apperror.Wrap(apperror.CodePaymentVerification, "payment verification failed", err)
	}

	s.logger.Info("payment verified",
		zap.String("session_id", sess.ID),
		zap.String("report_id", stored.ID),
	)

	return &ReportAccess{
		AccessToken: stored.AccessToken,
		Status:      stored.State.Status,
		ExpiresAt:   stored.ExpiresAt,
	}, nil
}
