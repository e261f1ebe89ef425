package service

import (
	"errors"
	"net/http"

	"github.com/mmeshcher/macro-funnel/internal/apperror"
	"github.com/mmeshcher/macro-funnel/internal/model"
	"github.com/mmeshcher/macro-funnel/internal/repository"
)

var (
	errSessionNotFound = apperror.New(http.StatusNotFound, apperror.CodeSessionNotFound, "session not found")
	errTierNotFound    = apperror.New(http.StatusNotFound, apperror.CodeTierNotFound, "payment tier not found")
	errReportNotFound  = apperror.New(http.StatusNotFound, apperror.CodeReportNotFound, "report not found")
	errReportExpired   = apperror.New(http.StatusGone, apperror.CodeReportExpired, "report has expired")
	errReportNotReady  = apperror.New(http.StatusConflict, apperror.CodeReportNotReady, "report is still being generated")
	errInvalidToken    = apperror.New(http.StatusBadRequest, apperror.CodeInvalidToken, "access token must be 64 lowercase hex characters")
	errPaymentRequired = apperror.New(http.StatusForbidden, apperror.CodePaymentRequired, "payment is required for this step")
	errPaymentMismatch = apperror.New(http.StatusBadRequest, apperror.CodePaymentMismatch, "payment intent does not match this session")
	errAlreadyPaid     = apperror.New(http.StatusConflict, apperror.CodePaymentAlreadyCompleted, "payment already completed for this session")
	errStepOutOfOrder  = apperror.New(http.StatusConflict, apperror.CodeStepOutOfOrder, "previous step must be completed first")
	errUnknownStep     = apperror.New(http.StatusNotFound, apperror.CodeNotFound, "unknown step")
)

// funnelError переводит ошибки машины состояний воронки в ошибки API.
func funnelError(err error, sess *model.Session) error {
	switch {
	case errors.Is(err, model.ErrPaymentRequired):
		return errPaymentRequired
	case errors.Is(err, model.ErrStepOutOfOrder):
		return errStepOutOfOrder.WithDetails(map[string]any{"step_completed": sess.StepCompleted})
	case errors.Is(err, model.ErrUnknownStep):
		return errUnknownStep
	default:
		return apperror.Wrap(apperror.CodeInternal, "internal error", err)
	}
}

func sessionLookupError(err error) error {
	if errors.Is(err, repository.ErrSessionNotFound) {
		return errSessionNotFound
	}
	return apperror.Wrap(apperror.CodeInternal, "failed to load session", err)
}

func reportLookupError(err error) error {
	if errors.Is(err, repository.ErrReportNotFound) {
		return errReportNotFound
	}
	return apperror.Wrap(apperror.CodeInternal, "failed to load report", err)
}
