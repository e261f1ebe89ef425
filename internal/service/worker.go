package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

// RunReportWorker периодически забирает отчёты, поставленные в очередь при оплате,
// и проводит их по стадиям генерации до completed. Блокируется до отмены ctx.
func (s *Service) RunReportWorker(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.processReportBatch(ctx)
		}
	}
}

func (s *Service) processReportBatch(ctx context.Context) int {
	reports, err := s.repo.ClaimQueuedReports(ctx, s.opts.WorkerBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("claim queued reports", zap.Error(err))
		}
		return 0
	}

	done := 0
	for i := range reports {
		if ctx.Err() != nil {
			break
		}
		if err := s.generateQueued(ctx, &reports[i]); err != nil {
			s.logger.Error("generate queued report", zap.String("report_id", reports[i].ID), zap.Error(err))
			continue
		}
		done++
	}
	return done
}

// generateQueued проводит отчёт по стадиям 2–5. Стадия 1 выставляется при захвате.
func (s *Service) generateQueued(ctx context.Context, rep *model.Report) error {
	sess, err := s.repo.GetSessionByID(ctx, rep.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if err := s.advance(ctx, rep, 2); err != nil {
		return err
	}
	if err := s.advance(ctx, rep, 3); err != nil {
		return err
	}

	body, err := s.reportBody(ctx, sess)
	if err != nil {
		return err
	}

	if err := s.advance(ctx, rep, 4); err != nil {
		return err
	}

	html, err := s.renderer.Render(sess, body, rep.CreatedAt, rep.ExpiresAt)
	if err != nil {
		return err
	}

	if err := s.advance(ctx, rep, model.MaxReportStage); err != nil {
		return err
	}

	if err := s.repo.CompleteReport(ctx, rep.ID, html); err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	rep.State = model.Completed()
	rep.HTML = html

	s.logger.Info("report generated", zap.String("session_id", sess.ID), zap.String("report_id", rep.ID))
	return nil
}

func (s *Service) advance(ctx context.Context, rep *model.Report, stage int) error {
	next := model.Generating(stage)
	if !model.CanTransition(rep.State, next) {
		return fmt.Errorf("report %s stage %d: %w", rep.ID, stage, model.ErrReportTransition)
	}
	if err := s.repo.UpdateReportState(ctx, rep.ID, next); err != nil {
		return fmt.Errorf("update report stage %d: %w", stage, err)
	}
	rep.State = next
	return nil
}
