package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/macro-funnel/internal/model"
)

const (
	// staleGeneratingAfter — через сколько отчёт, зависший в generating, снова
	// становится доступен воркеру.
	staleGeneratingAfter = 5 * time.Minute
	// contactGracePeriod — сколько отчёт ждёт в очереди контактных данных
	// четвёртого шага, прежде чем генерироваться без них.
	contactGracePeriod = 15 * time.Minute
)

const reportColumns = `id, session_id, access_token, report_html, report_json, is_expired, created_at, expires_at`

func scanReport(row pgx.Row) (*model.Report, error) {
	var (
		rep     model.Report
		stateJS []byte
	)

	if err := row.Scan(&rep.ID, &rep.SessionID, &rep.AccessToken, &rep.HTML, &stateJS, &rep.IsExpired, &rep.CreatedAt, &rep.ExpiresAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateJS, &rep.State); err != nil {
		return nil, fmt.Errorf("decode report_json: %w", err)
	}

	return &rep, nil
}

func insertReport(ctx context.Context, q querier, rep *model.Report) (bool, error) {
	state, err := json.Marshal(rep.State)
	if err != nil {
		return false, fmt.Errorf("encode report_json: %w", err)
	}

	tag, err := q.Exec(ctx,
		`INSERT INTO calculator_reports (id, session_id, access_token, report_html, report_json, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		rep.ID, rep.SessionID, rep.AccessToken, rep.HTML, state, rep.CreatedAt, rep.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert report: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CreateReport сохраняет отчёт. Если для сессии отчёт уже есть, возвращает ErrReportExists.
func (r *PostgresRepository) CreateReport(ctx context.Context, rep *model.Report) error {
	inserted, err := insertReport(ctx, r.pool, rep)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrReportExists
		}
		return err
	}
	if !inserted {
		return ErrReportExists
	}
	return nil
}

// CompletePayment в одной транзакции отмечает сессию оплаченной и создаёт для неё
// отчёт, если его ещё нет. Если идентификатор платежа в сессии успел измениться,
// возвращает ErrPaymentIntentChanged и ничего не записывает.
func (r *PostgresRepository) CompletePayment(ctx context.Context, s *model.Session, rep *model.Report) (*model.Report, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := markPaid(ctx, tx, s); err != nil {
		return nil, err
	}

	if _, err := insertReport(ctx, tx, rep); err != nil {
		return nil, err
	}

	stored, err := scanReport(tx.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM calculator_reports WHERE session_id = $1`,
		s.ID,
	))
	if err != nil {
		return nil, fmt.Errorf("select report: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return stored, nil
}

// GetReportBySession возвращает отчёт сессии.
func (r *PostgresRepository) GetReportBySession(ctx context.Context, sessionID string) (*model.Report, error) {
	return r.getReport(ctx, `SELECT `+reportColumns+` FROM calculator_reports WHERE session_id = $1`, sessionID)
}

// GetReportByToken возвращает отчёт по токену доступа.
func (r *PostgresRepository) GetReportByToken(ctx context.Context, accessToken string) (*model.Report, error) {
	return r.getReport(ctx, `SELECT `+reportColumns+` FROM calculator_reports WHERE access_token = $1`, accessToken)
}

func (r *PostgresRepository) getReport(ctx context.Context, query string, arg string) (*model.Report, error) {
	var rep *model.Report
	err := r.withRetry(ctx, func() error {
		var err error
		rep, err = scanReport(r.pool.QueryRow(ctx, query, arg))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReportNotFound
		}
		return nil, fmt.Errorf("get report: %w", err)
	}
	return rep, nil
}

// ClaimQueuedReports забирает в работу отчёты в статусе queued, а также зависшие
// в generating, и переводит их на первую стадию генерации. Отчёт из очереди
// забирается, когда сессия прошла четвёртый шаг или истёк contactGracePeriod.
func (r *PostgresRepository) ClaimQueuedReports(ctx context.Context, limit int) ([]model.Report, error) {
	state, err := json.Marshal(model.Generating(1))
	if err != nil {
		return nil, fmt.Errorf("encode report_json: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`UPDATE calculator_reports SET report_json = $1, updated_at = NOW()
		 WHERE id IN (
			SELECT r.id FROM calculator_reports r
			JOIN calculator_sessions s ON s.id = r.session_id
			WHERE NOT r.is_expired
			  AND r.expires_at > NOW()
			  AND ((r.report_json ->> 'status' = 'queued'
			        AND (s.step_completed >= 4 OR r.created_at < NOW() - make_interval(secs => $4)))
			    OR (r.report_json ->> 'status' = 'generating'
			        AND r.updated_at < NOW() - make_interval(secs => $3)))
			ORDER BY r.created_at
			LIMIT $2
			FOR UPDATE OF r SKIP LOCKED
		 )
		 RETURNING `+reportColumns,
		state, limit, staleGeneratingAfter.Seconds(), contactGracePeriod.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("claim reports: %w", err)
	}
	defer rows.Close()

	var res []model.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		res = append(res, *rep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdateReportState сохраняет стадию генерации. Завершённые отчёты не изменяются.
func (r *PostgresRepository) UpdateReportState(ctx context.Context, id string, state model.ReportState) error {
	js, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode report_json: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE calculator_reports SET report_json = $2, updated_at = NOW()
		 WHERE id = $1 AND report_json ->> 'status' <> 'completed'`,
		id, js,
	)
	if err != nil {
		return fmt.Errorf("update report state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// CompleteReport сохраняет HTML отчёта и переводит его в completed.
func (r *PostgresRepository) CompleteReport(ctx context.Context, id string, html string) error {
	js, err := json.Marshal(model.Completed())
	if err != nil {
		return fmt.Errorf("encode report_json: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE calculator_reports SET report_html = $2, report_json = $3, updated_at = NOW()
		 WHERE id = $1 AND report_json ->> 'status' <> 'completed'`,
		id, html, js,
	)
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReportNotFound
	}
	return nil
}

// MarkReportExpired выставляет флаг истечения срока отчёта.
func (r *PostgresRepository) MarkReportExpired(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE calculator_reports SET is_expired = TRUE, updated_at = NOW() WHERE id = $1 AND NOT is_expired`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark report expired: %w", err)
	}
	return nil
}
