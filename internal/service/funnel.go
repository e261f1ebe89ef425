package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/repository"
	"github.com/mmeshcher/macro-funnel/internal/validation"
)

const createSessionAttempts = 3

// StartResult содержит ответ на создание сессии.
type StartResult struct {
	SessionToken string    `json:"session_token"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionSnapshot описывает текущее состояние сессии для повторного подключения клиента.
type SessionSnapshot struct {
	SessionID     string              `json:"session_id"`
	StepCompleted model.Step          `json:"step_completed"`
	NextStep      *model.Step         `json:"next_step"`
	IsPremium     bool                `json:"is_premium"`
	PaymentStatus model.PaymentStatus `json:"payment_status"`
	TierID        string              `json:"tier_id,omitempty"`
	Demographics  *model.Demographics `json:"demographics,omitempty"`
	Lifestyle     *model.Lifestyle    `json:"lifestyle,omitempty"`
	Macros        *model.Macros       `json:"calculated_macros,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
}

// StepResult содержит ответ на отправку шага.
type StepResult struct {
	StepCompleted model.Step  `json:"step_completed"`
	NextStep      *model.Step `json:"next_step"`
	Tiers         []Tier      `json:"tiers,omitempty"`
}

// Start создаёт новую сессию воронки.
func (s *Service) Start(ctx context.Context) (*StartResult, error) {
	for attempt := 1; ; attempt++ {
		token, err := randomHex(sessionTokenBytes)
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeInternal, "failed to generate session token", err)
		}

		sess := &model.Session{
			ID:            uuid.NewString(),
			Token:         token,
			StepCompleted: model.StepNone,
			PaymentStatus: model.PaymentStatusPending,
		}

		err = s.repo.CreateSession(ctx, sess)
		if errors.Is(err, repository.ErrSessionExists) && attempt < createSessionAttempts {
			s.logger.Warn("session token collision, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeDBInsertFailed, "failed to create session", err)
		}

		return &StartResult{
			SessionToken: sess.Token,
			SessionID:    sess.ID,
			CreatedAt:    sess.CreatedAt,
		}, nil
	}
}

// ValidateSession возвращает снимок сессии по токену.
func (s *Service) ValidateSession(ctx context.Context, token string) (*SessionSnapshot, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}

	snap := &SessionSnapshot{
		SessionID:     sess.ID,
		StepCompleted: sess.StepCompleted,
		NextStep:      nextStep(sess.StepCompleted),
		IsPremium:     sess.IsPremium,
		PaymentStatus: sess.PaymentStatus,
		TierID:        sess.TierID,
		Macros:        sess.Macros,
		CreatedAt:     sess.CreatedAt,
		UpdatedAt:     sess.UpdatedAt,
		CompletedAt:   sess.CompletedAt,
	}
	if sess.StepCompleted >= model.StepDemographics {
		d := sess.Demographics
		snap.Demographics = &d
	}
	if sess.StepCompleted >= model.StepLifestyle {
		l := sess.Lifestyle
		snap.Lifestyle = &l
	}
	return snap, nil
}

// SaveStep1 сохраняет демографические данные.
func (s *Service) SaveStep1(ctx context.Context, token string, d model.Demographics) (*StepResult, error) {
	return s.saveStep(ctx, token, model.StepDemographics,
		func() *apperror.Error { return validation.Demographics(d) },
		func(sess *model.Session) { sess.Demographics = d },
	)
}

// SaveStep2 сохраняет данные об образе жизни и цели.
func (s *Service) SaveStep2(ctx context.Context, token string, l model.Lifestyle) (*StepResult, error) {
	l.DietType = strings.TrimSpace(l.DietType)
	return s.saveStep(ctx, token, model.StepLifestyle,
		func() *apperror.Error { return validation.Lifestyle(l) },
		func(sess *model.Session) { sess.Lifestyle = l },
	)
}

// SaveStep3 сохраняет рассчитанные клиентом калории и БЖУ и возвращает каталог тарифов.
// Каталог читается до записи, чтобы ошибка чтения не оставляла шаг засчитанным.
func (s *Service) SaveStep3(ctx context.Context, token string, m *model.Macros) (*StepResult, error) {
	tiers, err := s.GetTiers(ctx)
	if err != nil {
		return nil, err
	}

	res, err := s.saveStep(ctx, token, model.StepMacros,
		func() *apperror.Error { return validation.Macros(m) },
		func(sess *model.Session) { sess.Macros = m },
	)
	if err != nil {
		return nil, err
	}

	res.Tiers = tiers.Tiers
	return res, nil
}

// SaveStep4 сохраняет контактные данные и анкету здоровья. Доступен только после оплаты.
func (s *Service) SaveStep4(ctx context.Context, token string, c model.Contact) (*StepResult, error) {
	c.Email = strings.TrimSpace(c.Email)
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Phone = strings.TrimSpace(c.Phone)

	return s.saveStep(ctx, token, model.StepContact,
		func() *apperror.Error { return validation.Contact(c) },
		func(sess *model.Session) {
			sess.Contact = c
			if sess.CompletedAt == nil {
				now := s.now().UTC()
				sess.CompletedAt = &now
			}
		},
	)
}

// saveStep проверяет переход по таблице воронки до валидации полей, чтобы
// неоплаченная сессия получала PAYMENT_REQUIRED независимо от содержимого запроса.
func (s *Service) saveStep(
	ctx context.Context,
	token string,
	step model.Step,
	validate func() *apperror.Error,
	apply func(*model.Session),
) (*StepResult, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := model.CheckSubmit(sess, step); err != nil {
		return nil, funnelError(err, sess)
	}

	if verr := validate(); verr != nil {
		return nil, verr
	}

	apply(sess)
	sess.Advance(step)

	if err := s.repo.SaveStep(ctx, sess, step); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, errSessionNotFound
		}
		return nil, apperror.Wrap(apperror.CodeDBUpdateFailed, "failed to save step", err)
	}

	return &StepResult{
		StepCompleted: sess.StepCompleted,
		NextStep:      nextStep(sess.StepCompleted),
	}, nil
}

func (s *Service) loadSession(ctx context.Context, token string) (*model.Session, error) {
	if !validation.IsSessionToken(token) {
		return nil, errSessionNotFound
	}
	sess, err := s.repo.GetSession(ctx, token)
	if err != nil {
		return nil, sessionLookupError(err)
	}
	return sess, nil
}

func nextStep(done model.Step) *model.Step {
	next, ok := done.Next()
	if !ok {
		return nil
	}
	return &next
}
