package service

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/llm"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/report"
	"github.com/mmeshcher/macro-funnel/internal/repository"
	"github.com/mmeshcher/macro-funnel/internal/validation"
)

// InitStatusAlreadyGenerated возвращается из InitReport, если отчёт для сессии уже существует.
const InitStatusAlreadyGenerated = "already_generated"

// InitResult содержит ответ на запрос отчёта.
type InitResult struct {
	AccessToken string    `json:"access_token"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
	Created     bool      `json:"-"`
}

// ReportStatusResult описывает состояние генерации отчёта для опроса клиентом.
type ReportStatusResult struct {
	AccessToken               string             `json:"access_token"`
	Status                    model.ReportStatus `json:"status"`
	Stage                     int                `json:"stage"`
	StageName                 string             `json:"stage_name"`
	Progress                  int                `json:"progress"`
	EstimatedSecondsRemaining int                `json:"estimated_seconds_remaining"`
	CreatedAt                 time.Time          `json:"created_at"`
	ExpiresAt                 time.Time          `json:"expires_at"`
}

// InitReport возвращает отчёт оплаченной сессии. Если отчёта ещё нет, он
// генерируется синхронно и сохраняется сразу в статусе completed.
func (s *Service) InitReport(ctx context.Context, token string) (*InitResult, error) {
	sess, err := s.loadSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Paid() {
		return nil, errPaymentRequired
	}

	existing, err := s.repo.GetReportBySession(ctx, sess.ID)
	switch {
	case err == nil:
		return alreadyGenerated(existing), nil
	case !errors.Is(err, repository.ErrReportNotFound):
		return nil, reportLookupError(err)
	}

	rep, err := s.newReport(sess, model.Completed())
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to create report", err)
	}

	rep.HTML, err = s.buildReport(ctx, sess, rep.CreatedAt, rep.ExpiresAt)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "failed to render report", err)
	}

	if err := s.repo.CreateReport(ctx, rep); err != nil {
		if !errors.Is(err, repository.ErrReportExists) {
			return nil, apperror.Wrap(apperror.CodeDBInsertFailed, "failed to save report", err)
		}
		// Параллельный запрос успел создать отчёт первым.
		existing, err := s.repo.GetReportBySession(ctx, sess.ID)
		if err != nil {
			return nil, reportLookupError(err)
		}
		return alreadyGenerated(existing), nil
	}

	s.logger.Info("report generated", zap.String("session_id", sess.ID), zap.String("report_id", rep.ID))

	return &InitResult{
		AccessToken: rep.AccessToken,
		Status:      string(model.ReportStatusCompleted),
		ExpiresAt:   rep.ExpiresAt,
		Created:     true,
	}, nil
}

func alreadyGenerated(rep *model.Report) *InitResult {
	return &InitResult{
		AccessToken: rep.AccessToken,
		Status:      InitStatusAlreadyGenerated,
		ExpiresAt:   rep.ExpiresAt,
	}
}

// ReportStatus возвращает стадию генерации отчёта по токену доступа.
func (s *Service) ReportStatus(ctx context.Context, accessToken string) (*ReportStatusResult, error) {
	rep, err := s.loadReport(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	stage := report.Describe(rep.State)
	return &ReportStatusResult{
		AccessToken:               rep.AccessToken,
		Status:                    rep.State.Status,
		Stage:                     rep.State.Stage,
		StageName:                 stage.Name,
		Progress:                  rep.State.Progress,
		EstimatedSecondsRemaining: stage.EstimatedSeconds,
		CreatedAt:                 rep.CreatedAt,
		ExpiresAt:                 rep.ExpiresAt,
	}, nil
}

// ReportContent возвращает HTML готового отчёта.
func (s *Service) ReportContent(ctx context.Context, accessToken string) (string, error) {
	rep, err := s.loadReport(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if rep.State.Status != model.ReportStatusCompleted {
		return "", errReportNotReady.WithDetails(map[string]any{"status": rep.State.Status, "stage": rep.State.Stage})
	}
	return rep.HTML, nil
}

// loadReport проверяет формат токена до обращения к хранилищу и срок жизни отчёта.
func (s *Service) loadReport(ctx context.Context, accessToken string) (*model.Report, error) {
	if !validation.IsAccessToken(accessToken) {
		return nil, errInvalidToken
	}

	rep, err := s.repo.GetReportByToken(ctx, accessToken)
	if err != nil {
		return nil, reportLookupError(err)
	}

	if rep.Expired(s.now()) {
		if !rep.IsExpired {
			if err := s.repo.MarkReportExpired(ctx, rep.ID); err != nil {
				s.logger.Warn("failed to mark report expired", zap.String("report_id", rep.ID), zap.Error(err))
			}
		}
		return nil, errReportExpired
	}

	return rep, nil
}

func (s *Service) newReport(sess *model.Session, state model.ReportState) (*model.Report, error) {
	token, err := randomHex(accessTokenBytes)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	return &model.Report{
		ID:          uuid.NewString(),
		SessionID:   sess.ID,
		AccessToken: token,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.ReportTTL),
	}, nil
}

// buildReport собирает HTML-документ отчёта.
func (s *Service) buildReport(ctx context.Context, sess *model.Session, createdAt, expiresAt time.Time) (string, error) {
	body, err := s.reportBody(ctx, sess)
	if err != nil {
		return "", err
	}
	return s.renderer.Render(sess, body, createdAt, expiresAt)
}

// reportBody запрашивает текст у генератора. Любая ошибка генератора или пустой
// ответ заменяются детерминированным резервным текстом.
func (s *Service) reportBody(ctx context.Context, sess *model.Session) (template.HTML, error) {
	if s.generator != nil {
		system, prompt := report.Prompt(sess)
		text, err := s.generator.Generate(ctx, system, prompt)
		switch {
		case errors.Is(err, llm.ErrNotConfigured):
			s.logger.Debug("text generator not configured, using fallback", zap.String("session_id", sess.ID))
		case err != nil:
			s.logger.Warn("report generation failed, using fallback", zap.String("session_id", sess.ID), zap.Error(err))
		default:
			if body := s.renderer.Sanitize(text); strings.TrimSpace(string(body)) != "" {
				return body, nil
			}
			s.logger.Warn("generated report is empty after sanitizing, using fallback", zap.String("session_id", sess.ID))
		}
	}

	body, err := s.renderer.Fallback(sess)
	if err != nil {
		return "", fmt.Errorf("fallback body: %w", err)
	}
	return body, nil
}
